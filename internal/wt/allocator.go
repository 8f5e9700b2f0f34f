// Package wt allocates git worktrees as isolated task workspaces.
package wt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/joescharf/taskrun/internal/deps"
	"github.com/joescharf/taskrun/internal/git"
	"github.com/joescharf/taskrun/internal/models"
)

const baseConfigKey = "taskrun-base"

// SettingsSource supplies the workspace ceiling and default base branch.
type SettingsSource interface {
	GetSettings(ctx context.Context) (models.Settings, error)
}

// CreateRequest describes the workspace a task needs.
type CreateRequest struct {
	RepoPath   string
	TaskID     string
	Title      string
	Kind       models.TaskKind
	BaseBranch string
}

// PROptions is the pull request to open from a workspace branch.
type PROptions struct {
	Title string
	Body  string
	Draft bool
}

// PRResult reports a best-effort push and pull request attempt.
type PRResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Number  int    `json:"prNumber,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Allocator creates, lists, and removes task workspaces.
type Allocator struct {
	git        git.Client
	gh         git.GitHubClient
	installer  *deps.Installer
	settings   SettingsSource
	translator Translator
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithTranslator sets the English slug source for non-ASCII titles.
func WithTranslator(t Translator) Option {
	return func(a *Allocator) { a.translator = t }
}

// WithInstaller overrides the dependency installer.
func WithInstaller(i *deps.Installer) Option {
	return func(a *Allocator) { a.installer = i }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// NewAllocator returns an Allocator backed by the given git and GitHub clients.
func NewAllocator(gc git.Client, gh git.GitHubClient, settings SettingsSource, opts ...Option) *Allocator {
	a := &Allocator{
		git:       gc,
		gh:        gh,
		installer: deps.NewInstaller(nil),
		settings:  settings,
		logger:    slog.Default(),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "wt")
	return a
}

// WorkspacesDir is the directory holding a repository's workspaces.
func WorkspacesDir(repoRoot string) string {
	return filepath.Clean(repoRoot) + ".worktrees"
}

// WorkspacePath is the directory of the workspace owned by taskID.
func WorkspacePath(repoRoot, taskID string) string {
	return filepath.Join(WorkspacesDir(repoRoot), taskID)
}

func (a *Allocator) repoLock(root string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[root]
	if !ok {
		l = &sync.Mutex{}
		a.locks[root] = l
	}
	return l
}

func (a *Allocator) loadSettings(ctx context.Context) models.Settings {
	if a.settings == nil {
		return models.DefaultSettings()
	}
	s, err := a.settings.GetSettings(ctx)
	if err != nil {
		a.logger.Warn("load settings, using defaults", "error", err)
		return models.DefaultSettings()
	}
	return s
}

func (a *Allocator) repoRoot(ctx context.Context, repoPath string) (string, error) {
	root, err := a.git.RepoRoot(ctx, repoPath)
	if err != nil {
		return "", fmt.Errorf("resolve repository %s: %w", repoPath, err)
	}
	return root, nil
}

// CreateWorkspace allocates the workspace for a task. A task that already has
// a live workspace gets it back unchanged. When the repository is at its
// ceiling the error is a *LimitReachedError.
func (a *Allocator) CreateWorkspace(ctx context.Context, req CreateRequest) (*models.Workspace, error) {
	if req.TaskID == "" {
		return nil, errors.New("task id is required")
	}
	root, err := a.repoRoot(ctx, req.RepoPath)
	if err != nil {
		return nil, err
	}

	lock := a.repoLock(root)
	lock.Lock()
	defer lock.Unlock()

	existing, err := a.listLocked(ctx, root)
	if err != nil {
		return nil, err
	}
	path := WorkspacePath(root, req.TaskID)
	for i := range existing {
		if existing[i].TaskID == req.TaskID {
			return &existing[i], nil
		}
	}

	settings := a.loadSettings(ctx)
	if limit := settings.Limit(); len(existing) >= limit {
		return nil, &LimitReachedError{RepoPath: root, Limit: limit, Count: len(existing)}
	}

	base := req.BaseBranch
	if base == "" {
		base = settings.DefaultBaseBranch
	}
	if base == "" {
		if base, err = a.git.CurrentBranch(ctx, root); err != nil {
			return nil, fmt.Errorf("determine base branch: %w", err)
		}
	}

	branch := BranchName(req.Kind, TitleSlug(ctx, a.translator, req.Title), req.TaskID)
	branchExists, err := a.git.BranchExists(ctx, root, branch)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(WorkspacesDir(root), 0o755); err != nil {
		return nil, fmt.Errorf("create workspaces dir: %w", err)
	}
	if err := a.git.WorktreeAdd(ctx, root, path, branch, base, !branchExists); err != nil {
		_ = os.RemoveAll(path)
		_ = a.git.WorktreePrune(ctx, root)
		return nil, fmt.Errorf("create worktree: %w", err)
	}
	if err := a.git.ConfigSet(ctx, root, branchConfigKey(branch), base); err != nil {
		a.rollback(ctx, root, path, branch, !branchExists)
		return nil, fmt.Errorf("record base branch: %w", err)
	}

	now := time.Now()
	a.logger.Info("workspace created", "task", req.TaskID, "path", path, "branch", branch, "base", base)
	return &models.Workspace{
		Path:         path,
		Branch:       branch,
		BaseBranch:   base,
		RepoPath:     root,
		TaskID:       req.TaskID,
		CreatedAt:    now,
		LastModified: now,
	}, nil
}

// rollback undoes a half-created workspace so nothing stays registered.
func (a *Allocator) rollback(ctx context.Context, root, path, branch string, createdBranch bool) {
	if err := a.git.WorktreeRemove(ctx, root, path); err != nil {
		a.logger.Warn("rollback worktree", "path", path, "error", err)
	}
	_ = os.RemoveAll(path)
	_ = a.git.WorktreePrune(ctx, root)
	if createdBranch {
		if err := a.git.DeleteBranch(ctx, root, branch); err != nil {
			a.logger.Warn("rollback branch", "branch", branch, "error", err)
		}
	}
}

func branchConfigKey(branch string) string {
	return "branch." + branch + "." + baseConfigKey
}

// ListWorkspaces returns the live workspaces of a repository.
func (a *Allocator) ListWorkspaces(ctx context.Context, repoPath string) ([]models.Workspace, error) {
	root, err := a.repoRoot(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	lock := a.repoLock(root)
	lock.Lock()
	defer lock.Unlock()
	return a.listLocked(ctx, root)
}

func (a *Allocator) listLocked(ctx context.Context, root string) ([]models.Workspace, error) {
	infos, err := a.git.WorktreeList(ctx, root)
	if err != nil {
		return nil, err
	}
	dir := WorkspacesDir(root) + string(filepath.Separator)

	var out []models.Workspace
	for _, info := range infos {
		if info.Prunable || !strings.HasPrefix(filepath.Clean(info.Path)+string(filepath.Separator), dir) {
			continue
		}
		ws := models.Workspace{
			Path:     info.Path,
			Branch:   info.Branch,
			RepoPath: root,
			TaskID:   filepath.Base(info.Path),
		}
		if info.Branch != "" {
			ws.BaseBranch, _ = a.git.ConfigGet(ctx, root, branchConfigKey(info.Branch))
		}
		if st, err := os.Stat(filepath.Join(info.Path, ".git")); err == nil {
			ws.CreatedAt = st.ModTime()
		}
		ws.LastModified = lastModified(info.Path)
		out = append(out, ws)
	}
	return out, nil
}

// lastModified walks the workspace and returns its newest file mtime.
func lastModified(root string) time.Time {
	var newest time.Time
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != root {
			switch d.Name() {
			case ".git", "node_modules", ".venv":
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}

// SortLRU orders workspaces by last modification, oldest first.
func SortLRU(ws []models.Workspace) {
	sort.SliceStable(ws, func(i, j int) bool {
		return ws[i].LastModified.Before(ws[j].LastModified)
	})
}

// GetLRUWorkspaces returns up to n workspaces, least recently modified first.
// n <= 0 returns all of them.
func (a *Allocator) GetLRUWorkspaces(ctx context.Context, repoPath string, n int) ([]models.Workspace, error) {
	ws, err := a.ListWorkspaces(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	SortLRU(ws)
	if n > 0 && len(ws) > n {
		ws = ws[:n]
	}
	return ws, nil
}

// CleanupWorkspaces removes each workspace's directory and worktree
// registration. Already-removed workspaces are skipped. Branches are kept.
func (a *Allocator) CleanupWorkspaces(ctx context.Context, workspaces []models.Workspace) error {
	byRepo := make(map[string][]models.Workspace)
	for _, ws := range workspaces {
		byRepo[ws.RepoPath] = append(byRepo[ws.RepoPath], ws)
	}

	var (
		wg   conc.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for repo, list := range byRepo {
		wg.Go(func() {
			for _, ws := range list {
				if err := a.removeWorkspace(ctx, repo, ws); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (a *Allocator) removeWorkspace(ctx context.Context, repo string, ws models.Workspace) error {
	root := repo
	if root == "" {
		root = strings.TrimSuffix(filepath.Dir(ws.Path), ".worktrees")
	}
	lock := a.repoLock(root)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(ws.Path); err == nil {
		if err := a.git.WorktreeRemove(ctx, root, ws.Path); err != nil {
			a.logger.Warn("git worktree remove failed, removing directory", "path", ws.Path, "error", err)
		}
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("remove %s: %w", ws.Path, err)
		}
	}
	if err := a.git.WorktreePrune(ctx, root); err != nil {
		return fmt.Errorf("prune worktrees of %s: %w", root, err)
	}
	a.logger.Info("workspace removed", "path", ws.Path, "task", ws.TaskID)
	return nil
}

// CleanupOrphans removes every workspace whose task id is not in
// activeTaskIDs, including leftover directories git no longer tracks.
func (a *Allocator) CleanupOrphans(ctx context.Context, repoPath string, activeTaskIDs []string) ([]models.Workspace, error) {
	root, err := a.repoRoot(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(activeTaskIDs))
	for _, id := range activeTaskIDs {
		active[id] = true
	}

	_ = a.git.WorktreePrune(ctx, root)
	ws, err := a.ListWorkspaces(ctx, root)
	if err != nil {
		return nil, err
	}

	var orphans []models.Workspace
	known := make(map[string]bool)
	for _, w := range ws {
		known[w.TaskID] = true
		if !active[w.TaskID] {
			orphans = append(orphans, w)
		}
	}

	entries, _ := os.ReadDir(WorkspacesDir(root))
	for _, e := range entries {
		if e.IsDir() && !known[e.Name()] && !active[e.Name()] {
			orphans = append(orphans, models.Workspace{
				Path:     filepath.Join(WorkspacesDir(root), e.Name()),
				RepoPath: root,
				TaskID:   e.Name(),
			})
		}
	}

	if len(orphans) == 0 {
		return nil, nil
	}
	return orphans, a.CleanupWorkspaces(ctx, orphans)
}

// NeedsDependencyInstall reports whether path has manifests without installed artifacts.
func (a *Allocator) NeedsDependencyInstall(path string) bool {
	return deps.NeedsInstall(path)
}

// InstallDependencies installs every detected manifest under path.
func (a *Allocator) InstallDependencies(ctx context.Context, path string) error {
	plans, err := a.installer.Install(ctx, path)
	for _, p := range plans {
		a.logger.Info("dependency install", "path", path, "plan", p.String())
	}
	return err
}

// HasUncommittedChanges reports whether the workspace has staged, unstaged,
// or untracked changes.
func (a *Allocator) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	return a.git.IsDirty(ctx, path)
}

// installArtifacts returns the dependency install directories in path that
// git does not track. They are never committed.
func (a *Allocator) installArtifacts(ctx context.Context, path string) ([]string, error) {
	var out []string
	for _, dir := range deps.ArtifactDirs(path) {
		tracked, err := a.git.HasTrackedFiles(ctx, path, dir)
		if err != nil {
			return nil, err
		}
		if !tracked {
			out = append(out, dir)
		}
	}
	return out, nil
}

// CommitChanges stages everything except untracked install artifacts and
// commits. It returns false without committing when there is nothing to
// commit.
func (a *Allocator) CommitChanges(ctx context.Context, path, message string) (bool, error) {
	exclude, err := a.installArtifacts(ctx, path)
	if err != nil {
		return false, err
	}
	if err := a.git.StageAll(ctx, path, exclude...); err != nil {
		return false, err
	}
	staged, err := a.git.HasStagedChanges(ctx, path)
	if err != nil || !staged {
		return false, err
	}
	if err := a.git.Commit(ctx, path, message); err != nil {
		return false, err
	}
	return true, nil
}

// BaseBranch returns the branch a workspace was created from.
func (a *Allocator) BaseBranch(ctx context.Context, path string) (string, error) {
	branch, err := a.git.CurrentBranch(ctx, path)
	if err != nil {
		return "", err
	}
	base, err := a.git.ConfigGet(ctx, path, branchConfigKey(branch))
	if err != nil {
		return "", err
	}
	if base == "" {
		base = a.loadSettings(ctx).DefaultBaseBranch
	}
	if base == "" {
		base = "main"
	}
	return base, nil
}

// HasCommitsAhead reports whether the workspace branch has commits its base lacks.
func (a *Allocator) HasCommitsAhead(ctx context.Context, path string) (bool, error) {
	base, err := a.BaseBranch(ctx, path)
	if err != nil {
		return false, err
	}
	n, err := a.git.CommitsAhead(ctx, path, base)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PushAndCreatePR pushes the workspace branch and opens a pull request
// against its base. Failures are reported in the result.
func (a *Allocator) PushAndCreatePR(ctx context.Context, path string, opts PROptions) PRResult {
	branch, err := a.git.CurrentBranch(ctx, path)
	if err != nil {
		return PRResult{Error: err.Error()}
	}
	base, err := a.BaseBranch(ctx, path)
	if err != nil {
		return PRResult{Error: err.Error()}
	}
	remote, err := a.git.RemoteURL(ctx, path)
	if err != nil {
		return PRResult{Error: err.Error()}
	}
	if remote == "" {
		return PRResult{Error: "no origin remote to push to"}
	}
	// Non-GitHub remotes still push; gh then resolves the repository itself.
	var repo string
	if owner, name, err := git.ExtractOwnerRepo(remote); err == nil {
		repo = owner + "/" + name
	} else {
		a.logger.Debug("origin is not a GitHub URL", "remote", remote)
	}
	if err := a.git.Push(ctx, path, branch); err != nil {
		return PRResult{Error: err.Error()}
	}
	if a.gh == nil {
		return PRResult{Error: "no GitHub client configured"}
	}
	pr, err := a.gh.CreatePR(ctx, path, git.PROptions{
		Repo:  repo,
		Title: opts.Title,
		Body:  opts.Body,
		Base:  base,
		Head:  branch,
		Draft: opts.Draft,
	})
	if err != nil {
		return PRResult{Error: err.Error()}
	}
	a.logger.Info("pull request created", "url", pr.URL, "branch", branch)
	return PRResult{Success: true, URL: pr.URL, Number: pr.Number}
}

// GetDiffSummary describes how the workspace differs from its base.
func (a *Allocator) GetDiffSummary(ctx context.Context, path string) (string, error) {
	base, err := a.BaseBranch(ctx, path)
	if err != nil {
		return "", err
	}
	ahead, err := a.git.CommitsAhead(ctx, path, base)
	if err != nil {
		return "", err
	}
	stat, err := a.git.DiffStat(ctx, path, base)
	if err != nil {
		return "", err
	}
	untracked, err := a.git.UntrackedFiles(ctx, path)
	if err != nil {
		return "", err
	}
	if artifacts, err := a.installArtifacts(ctx, path); err == nil && len(artifacts) > 0 {
		untracked = slices.DeleteFunc(untracked, func(f string) bool {
			for _, dir := range artifacts {
				if f == dir || strings.HasPrefix(f, dir+"/") {
					return true
				}
			}
			return false
		})
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d commit(s) ahead of %s\n", ahead, base)
	if stat != "" {
		sb.WriteString(stat)
		sb.WriteString("\n")
	}
	if len(untracked) > 0 {
		fmt.Fprintf(&sb, "untracked: %s\n", strings.Join(untracked, ", "))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// GetDiff returns the full diff of the workspace against its base.
func (a *Allocator) GetDiff(ctx context.Context, path string) (string, error) {
	base, err := a.BaseBranch(ctx, path)
	if err != nil {
		return "", err
	}
	return a.git.Diff(ctx, path, base)
}

// ProjectForPath returns the repository a workspace belongs to, or path
// itself when it is not a workspace directory.
func ProjectForPath(path string) string {
	parent := filepath.Dir(filepath.Clean(path))
	if strings.HasSuffix(parent, ".worktrees") {
		return strings.TrimSuffix(parent, ".worktrees")
	}
	return path
}
