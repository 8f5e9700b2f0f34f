package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/daemon"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/wt"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "taskrun-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "taskrun-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "taskrun-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServeStopRun_StalePIDFile(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "taskrun-serve.pid"))
	require.NoError(t, pf.WritePID(999999))

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.NoFileExists(t, pf.Path, "stale PID file is removed")
}

func TestRecoverState_RemovesOrphans(t *testing.T) {
	testEnv(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "repo")
	initTestRepo(t, repo)

	eng, err := newEngine()
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	live := &models.Task{Title: "Live", ProjectPath: repo}
	done := &models.Task{Title: "Done", ProjectPath: repo}
	require.NoError(t, eng.store.CreateTask(ctx, live))
	require.NoError(t, eng.store.CreateTask(ctx, done))
	done.State = models.TaskStateDone
	require.NoError(t, eng.store.UpdateTask(ctx, done))

	for _, task := range []*models.Task{live, done} {
		_, err := eng.wt.CreateWorkspace(ctx, wt.CreateRequest{RepoPath: repo, TaskID: task.ID, Title: task.Title})
		require.NoError(t, err)
	}

	recoverState(ctx, eng)

	assert.DirExists(t, wt.WorkspacePath(repo, live.ID))
	assert.NoDirExists(t, wt.WorkspacePath(repo, done.ID))
}
