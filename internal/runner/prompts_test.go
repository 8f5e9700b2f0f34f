package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/models"
)

func TestArtifactPath(t *testing.T) {
	assert.Equal(t, filepath.Join("research", "task-slug.md"), ArtifactPath(models.TaskKindFeature, "task-slug"))
	assert.Equal(t, filepath.Join("research", "diagnosis", "npe.md"), ArtifactPath(models.TaskKindBug, "npe"))
}

func TestBuildResearchPrompt(t *testing.T) {
	task := &models.Task{ID: "01JTASK0000000000000ABCDEF", Title: "Add export", Description: "CSV please", Kind: models.TaskKindFeature}

	p := BuildResearchPrompt(task, "research/add-export.md", "")
	assert.Contains(t, p, "Research the following task")
	assert.Contains(t, p, "01JTASK00000")
	assert.Contains(t, p, "Add export")
	assert.Contains(t, p, "CSV please")
	assert.Contains(t, p, "`research/add-export.md`")
	assert.NotContains(t, p, "Previous research")

	p = BuildResearchPrompt(task, "research/add-export.md", "earlier notes")
	assert.Contains(t, p, "## Previous research")
	assert.Contains(t, p, "earlier notes")
}

func TestBuildImplementationPrompt(t *testing.T) {
	bug := &models.Task{ID: "T1", Title: "Crash", Kind: models.TaskKindBug}
	p := BuildImplementationPrompt(bug, "", "")
	assert.Contains(t, p, "Fix the following bug")
	assert.NotContains(t, p, "## Research")

	p = BuildImplementationPrompt(bug, "research/diagnosis/crash.md", "nil map")
	assert.Contains(t, p, "## Research (research/diagnosis/crash.md)")
	assert.Contains(t, p, "nil map")
	assert.Contains(t, p, "Do not push")
}

func TestCommitAndPRText(t *testing.T) {
	task := &models.Task{ID: "T1", Title: "Crash", Kind: models.TaskKindBug}
	assert.Equal(t, "fix: Crash\n\nTask: T1", CommitMessage(task))
	assert.Equal(t, "fix: Crash", PRTitle(task))

	body := TemplatePRBody(task, "1 commit(s) ahead of main")
	assert.Contains(t, body, "## Summary\n\nCrash")
	assert.Contains(t, body, "1 commit(s) ahead of main")
	assert.Contains(t, body, "Task: T1")
	assert.NotContains(t, TemplatePRBody(task, ""), "## Changes")
}

func TestApplyTemplate(t *testing.T) {
	task := &models.Task{Title: "Crash"}
	out, err := applyTemplate("", task, "do it")
	require.NoError(t, err)
	assert.Equal(t, "do it", out)

	out, err = applyTemplate("{{.Task.Title}}: {{.Prompt}}", task, "do it")
	require.NoError(t, err)
	assert.Equal(t, "Crash: do it", out)

	_, err = applyTemplate("{{.Nope", task, "x")
	assert.Error(t, err)
}

func TestArtifactWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "research", "plan.md")

	w := WatchArtifact(path, nil)
	defer w.Close()
	assert.DirExists(t, filepath.Dir(path))
	assert.False(t, w.Written())

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.True(t, w.Written())
}

func TestArtifactWatcher_OldFileIsNotWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	w := WatchArtifact(path, nil)
	defer w.Close()
	assert.False(t, w.Written())
}
