package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/git"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
	"github.com/joescharf/taskrun/internal/permission"
	"github.com/joescharf/taskrun/internal/runner"
	"github.com/joescharf/taskrun/internal/sessions"
	"github.com/joescharf/taskrun/internal/store"
	"github.com/joescharf/taskrun/internal/wt"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "taskrun",
	Short: "Run AI coding agents on tasks in isolated git worktrees",
	Long: `taskrun researches and implements tasks with AI coding agents.
Each implementation runs in its own git worktree on a dedicated branch,
is committed, pushed, and opened as a pull request. Agent tool calls are
checked against per-project permission grants.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/taskrun/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "taskrun")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TASKRUN")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "taskrun"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key's default under stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "taskrun.db"))
	viper.SetDefault("port", 8420)
	viper.SetDefault("worktree.limit", models.DefaultWorktreeLimit)
	viper.SetDefault("worktree.isolation", true)
	viper.SetDefault("worktree.auto_install_deps", true)
	viper.SetDefault("worktree.base_branch", "")
	viper.SetDefault("pr.draft", false)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("agents", []map[string]any{
		{"id": "claude", "name": "Claude Code", "backend": agent.BackendClaude},
	})
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// The store opens lazily so config/version run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := s.UpdateSettings(ctx, settingsFromConfig()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("sync settings: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// settingsFromConfig maps the worktree and pr keys to engine settings.
func settingsFromConfig() models.Settings {
	return models.Settings{
		WorktreeLimit:     viper.GetInt("worktree.limit"),
		WorktreeIsolation: viper.GetBool("worktree.isolation"),
		AutoInstallDeps:   viper.GetBool("worktree.auto_install_deps"),
		DraftPR:           viper.GetBool("pr.draft"),
		DefaultBaseBranch: viper.GetString("worktree.base_branch"),
	}
}

// agentDefinitions decodes the configured agent identities.
func agentDefinitions() ([]models.AgentIdentity, error) {
	var defs []models.AgentIdentity
	if err := viper.UnmarshalKey("agents", &defs); err != nil {
		return nil, fmt.Errorf("parse agents config: %w", err)
	}
	for i := range defs {
		if defs[i].Backend == "" {
			defs[i].Backend = agent.BackendJSONL
		}
		if defs[i].Name == "" {
			defs[i].Name = defs[i].ID
		}
	}
	return defs, nil
}

// engine bundles the wired engine components.
type engine struct {
	store    store.Store
	bus      *events.Bus
	registry *agent.Registry
	skipped  []agent.Skipped
	sessions *sessions.Manager
	wt       *wt.Allocator
	runner   *runner.Coordinator
}

// newEngine wires the store, agents, workspaces, and coordinator.
func newEngine() (*engine, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	defs, err := agentDefinitions()
	if err != nil {
		return nil, err
	}
	registry, skipped := agent.Discover(defs, nil)
	for _, sk := range skipped {
		slog.Debug("agent skipped", "agent", sk.ID, "reason", sk.Reason)
	}

	bus := events.NewBus()
	sm := sessions.NewManager(registry, agent.DefaultFactory{}, s, permission.NewGate(s), bus,
		sessions.WithProjectResolver(wt.ProjectForPath))

	var (
		wtOpts     []wt.Option
		runnerOpts []runner.Option
	)
	if client := newLLMClient(); client != nil {
		wtOpts = append(wtOpts, wt.WithTranslator(client))
		runnerOpts = append(runnerOpts, runner.WithDrafter(client), runner.WithTranslator(client))
	}
	runnerOpts = append(runnerOpts, runner.WithPromptTemplates(func(agentID string) string {
		id, _ := registry.Get(agentID)
		return id.PromptTemplate
	}))

	alloc := wt.NewAllocator(git.NewClient(), git.NewGitHubClient(), s, wtOpts...)
	rc := runner.New(s, alloc, runner.SessionPrompter{Manager: sm}, bus, runnerOpts...)

	return &engine{
		store:    s,
		bus:      bus,
		registry: registry,
		skipped:  skipped,
		sessions: sm,
		wt:       alloc,
		runner:   rc,
	}, nil
}

// Close stops every agent session.
func (e *engine) Close() {
	e.sessions.Shutdown()
}
