package cmd

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	cmds := [][]string{
		{"git", "-C", dir, "init"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
		{"git", "-C", dir, "symbolic-ref", "HEAD", "refs/heads/main"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", ".").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "init").Run())
}

// captureOutput redirects ui output to a buffer for the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ui.Out = &buf
	ui.ErrOut = &buf
	return &buf
}

// scriptInput feeds lines to the operator prompts and marks input as
// interactive.
func scriptInput(t *testing.T, lines ...string) {
	t.Helper()
	origIn, origInteractive := promptIn, interactive
	promptIn = strings.NewReader(strings.Join(lines, "\n") + "\n")
	interactive = func() bool { return true }
	promptOnce = sync.Once{}
	promptReader = nil
	t.Cleanup(func() {
		promptIn, interactive = origIn, origInteractive
		promptOnce = sync.Once{}
		promptReader = nil
	})
}

// setFlag sets a package-level flag variable for the duration of the test.
func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	orig := *p
	*p = v
	t.Cleanup(func() { *p = orig })
}
