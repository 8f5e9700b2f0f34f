package git

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// PullRequest is a pull request opened for a task branch.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// PROptions describes the pull request to open.
type PROptions struct {
	// Repo is the "owner/name" to open the pull request in; empty lets gh
	// resolve it from the checkout.
	Repo  string
	Title string
	Body  string
	Base  string
	Head  string
	Draft bool
}

// GitHubClient wraps the gh CLI for pull request creation.
type GitHubClient interface {
	CreatePR(ctx context.Context, repoPath string, opts PROptions) (*PullRequest, error)
}

// RealGitHubClient implements GitHubClient using the gh CLI.
type RealGitHubClient struct{}

// NewGitHubClient returns a new RealGitHubClient.
func NewGitHubClient() *RealGitHubClient {
	return &RealGitHubClient{}
}

func ghCmd(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("gh %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealGitHubClient) CreatePR(ctx context.Context, repoPath string, opts PROptions) (*PullRequest, error) {
	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--head", opts.Head,
	}
	if opts.Repo != "" {
		args = append(args, "--repo", opts.Repo)
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	out, err := ghCmd(ctx, repoPath, args...)
	if err != nil {
		return nil, err
	}
	return ParsePRURL(out)
}

var prURLPattern = regexp.MustCompile(`https?://\S+/pull/(\d+)`)

// ParsePRURL extracts the pull request URL and number from gh output.
func ParsePRURL(out string) (*PullRequest, error) {
	m := prURLPattern.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no pull request URL in gh output: %q", out)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("parse PR number: %w", err)
	}
	return &PullRequest{Number: n, URL: m[0]}, nil
}
