package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Branch   string
	HEAD     string
	Prunable bool
}

// Client defines the git operations the engine runs. Every method takes the
// path of the repository or worktree it operates on.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	BranchExists(ctx context.Context, repoPath, branch string) (bool, error)
	DeleteBranch(ctx context.Context, repoPath, branch string) error

	WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error)
	WorktreeAdd(ctx context.Context, repoPath, path, branch, base string, newBranch bool) error
	WorktreeRemove(ctx context.Context, repoPath, path string) error
	WorktreePrune(ctx context.Context, repoPath string) error

	IsDirty(ctx context.Context, path string) (bool, error)
	UntrackedFiles(ctx context.Context, path string) ([]string, error)
	StageAll(ctx context.Context, path string, exclude ...string) error
	HasTrackedFiles(ctx context.Context, path, rel string) (bool, error)
	HasStagedChanges(ctx context.Context, path string) (bool, error)
	Commit(ctx context.Context, path, message string) error
	CommitsAhead(ctx context.Context, path, base string) (int, error)
	Push(ctx context.Context, path, branch string) error

	Diff(ctx context.Context, path, base string) (string, error)
	DiffStat(ctx context.Context, path, base string) (string, error)

	ConfigGet(ctx context.Context, path, key string) (string, error)
	ConfigSet(ctx context.Context, path, key, value string) error
	RemoteURL(ctx context.Context, path string) (string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitExitCode runs a git command whose exit status is the answer.
func gitExitCode(ctx context.Context, path string, args ...string) (int, error) {
	fullArgs := append([]string{"-C", path}, args...)
	err := exec.CommandContext(ctx, "git", fullArgs...).Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	code, err := gitExitCode(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (c *RealClient) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := gitCmd(ctx, repoPath, "branch", "-D", branch)
	return err
}

func (c *RealClient) WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

func (c *RealClient) WorktreeAdd(ctx context.Context, repoPath, path, branch, base string, newBranch bool) error {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, path)
		if base != "" {
			args = append(args, base)
		}
	} else {
		args = append(args, path, branch)
	}
	_, err := gitCmd(ctx, repoPath, args...)
	return err
}

func (c *RealClient) WorktreeRemove(ctx context.Context, repoPath, path string) error {
	_, err := gitCmd(ctx, repoPath, "worktree", "remove", "--force", path)
	return err
}

func (c *RealClient) WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := gitCmd(ctx, repoPath, "worktree", "prune")
	return err
}

func (c *RealClient) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) UntrackedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := gitCmd(ctx, path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// StageAll stages every change except those under the exclude paths.
func (c *RealClient) StageAll(ctx context.Context, path string, exclude ...string) error {
	args := []string{"add", "-A"}
	if len(exclude) > 0 {
		args = append(args, "--", ".")
		for _, e := range exclude {
			args = append(args, ":(exclude)"+e)
		}
	}
	_, err := gitCmd(ctx, path, args...)
	return err
}

// HasTrackedFiles reports whether any file under rel is in the index.
func (c *RealClient) HasTrackedFiles(ctx context.Context, path, rel string) (bool, error) {
	out, err := gitCmd(ctx, path, "ls-files", "--", rel)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// HasStagedChanges reports whether the index differs from HEAD.
func (c *RealClient) HasStagedChanges(ctx context.Context, path string) (bool, error) {
	code, err := gitExitCode(ctx, path, "diff", "--cached", "--quiet")
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("git diff --cached --quiet: exit status %d", code)
	}
}

func (c *RealClient) Commit(ctx context.Context, path, message string) error {
	_, err := gitCmd(ctx, path, "commit", "-m", message)
	return err
}

// CommitsAhead counts commits on HEAD that are not on base.
func (c *RealClient) CommitsAhead(ctx context.Context, path, base string) (int, error) {
	out, err := gitCmd(ctx, path, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

func (c *RealClient) Push(ctx context.Context, path, branch string) error {
	_, err := gitCmd(ctx, path, "push", "-u", "origin", branch)
	return err
}

// Diff returns the working tree diff against base, including uncommitted changes.
func (c *RealClient) Diff(ctx context.Context, path, base string) (string, error) {
	return gitCmd(ctx, path, "diff", base)
}

func (c *RealClient) DiffStat(ctx context.Context, path, base string) (string, error) {
	return gitCmd(ctx, path, "diff", "--stat", base)
}

// ConfigGet returns "" when the key is unset.
func (c *RealClient) ConfigGet(ctx context.Context, path, key string) (string, error) {
	out, err := gitCmd(ctx, path, "config", "--get", key)
	if err != nil {
		code, codeErr := gitExitCode(ctx, path, "config", "--get", key)
		if codeErr == nil && code == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

func (c *RealClient) ConfigSet(ctx context.Context, path, key, value string) error {
	_, err := gitCmd(ctx, path, "config", key, value)
	return err
}

func (c *RealClient) RemoteURL(ctx context.Context, path string) (string, error) {
	out, err := gitCmd(ctx, path, "remote", "get-url", "origin")
	if err != nil {
		return "", nil // no remote is not an error
	}
	return out, nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "prunable" || strings.HasPrefix(line, "prunable "):
			current.Prunable = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// ExtractOwnerRepo parses a GitHub remote URL and returns owner/repo.
func ExtractOwnerRepo(remoteURL string) (owner, repo string, err error) {
	// Handle SSH: git@github.com:owner/repo.git
	if strings.HasPrefix(remoteURL, "git@") {
		parts := strings.SplitN(remoteURL, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", remoteURL)
		}
		path := strings.TrimSuffix(parts[1], ".git")
		segments := strings.SplitN(path, "/", 2)
		if len(segments) != 2 {
			return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
		}
		return segments[0], segments[1], nil
	}

	// Handle HTTPS: https://github.com/owner/repo.git
	trimmed := strings.TrimSuffix(remoteURL, ".git")
	trimmed = strings.TrimPrefix(trimmed, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "http://github.com/")
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	return segments[0], segments[1], nil
}
