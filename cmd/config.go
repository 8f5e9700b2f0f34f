package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "taskrun"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage taskrun configuration.

Running bare 'taskrun config' is the same as 'taskrun config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# taskrun configuration
# See: taskrun config show (for effective values and sources)

# State/data directory (default: ~/.config/taskrun)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/taskrun/taskrun.db)
# db_path: {{ .DBPath }}

# API server port for 'taskrun serve'
port: {{ .Port }}

# Task workspaces (git worktrees under <repo>.worktrees/)
worktree:
  # Maximum live workspaces per repository
  limit: {{ .WorktreeLimit }}
  # Run implementations in their own worktree (false: in the project dir)
  isolation: {{ .WorktreeIsolation }}
  # Install dependencies (npm, pip, bundler, composer) in new workspaces
  auto_install_deps: {{ .AutoInstallDeps }}
  # Branch new workspaces start from (default: the repository default branch)
  base_branch: "{{ .BaseBranch }}"

# Pull requests
pr:
  # Open pull requests as drafts
  draft: {{ .DraftPR }}

# Anthropic API, used to draft PR descriptions and English branch slugs.
# Falls back to $ANTHROPIC_API_KEY.
anthropic:
  api_key: ""
  model: "{{ .AnthropicModel }}"

# Coding agents. backend is "claude" (Claude Code SDK) or "jsonl"
# (a subprocess speaking JSON lines on stdin/stdout).
agents:
  - id: claude
    name: Claude Code
    backend: claude
    # prompt_template: "{{"{{"}} .Prompt {{"}}"}}"
    # permission_mode: default
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	Port              int
	WorktreeLimit     int
	WorktreeIsolation bool
	AutoInstallDeps   bool
	BaseBranch        string
	DraftPR           bool
	AnthropicModel    string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		Port:              viper.GetInt("port"),
		WorktreeLimit:     viper.GetInt("worktree.limit"),
		WorktreeIsolation: viper.GetBool("worktree.isolation"),
		AutoInstallDeps:   viper.GetBool("worktree.auto_install_deps"),
		BaseBranch:        viper.GetString("worktree.base_branch"),
		DraftPR:           viper.GetBool("pr.draft"),
		AnthropicModel:    viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "TASKRUN_STATE_DIR"},
	{Key: "db_path", EnvVar: "TASKRUN_DB_PATH"},
	{Key: "port", EnvVar: "TASKRUN_PORT"},
	{Key: "worktree.limit", EnvVar: "TASKRUN_WORKTREE_LIMIT"},
	{Key: "worktree.isolation", EnvVar: "TASKRUN_WORKTREE_ISOLATION"},
	{Key: "worktree.auto_install_deps", EnvVar: "TASKRUN_WORKTREE_AUTO_INSTALL_DEPS"},
	{Key: "worktree.base_branch", EnvVar: "TASKRUN_WORKTREE_BASE_BRANCH"},
	{Key: "pr.draft", EnvVar: "TASKRUN_PR_DRAFT"},
	{Key: "anthropic.model", EnvVar: "TASKRUN_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	defs, err := agentDefinitions()
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "  %-28s %s\n", "agents", detectSource("agents", "TASKRUN_AGENTS", fileValues))
	for _, d := range defs {
		fmt.Fprintf(ui.Out, "    %-26s %s %s\n", d.ID, d.Backend, d.Command)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'taskrun config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
