package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/models"
)

const taskWorkspace = "/repo.worktrees/01TASK"

func TestRebaseRequest(t *testing.T) {
	tests := []struct {
		name     string
		location string
		want     string
	}{
		{"absolute inside workspace", taskWorkspace + "/src/a.go", "/repo/src/a.go"},
		{"relative to workspace", "src/a.go", "/repo/src/a.go"},
		{"workspace root", taskWorkspace, "/repo"},
		{"outside workspace", "/etc/hosts", "/etc/hosts"},
		{"sibling workspace", "/repo.worktrees/01OTHER/a.go", "/repo.worktrees/01OTHER/a.go"},
		{"url", "https://example.com/x", "https://example.com/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &models.ToolCallRequest{ToolKind: models.ToolKindEdit, Locations: []string{tt.location}}
			got := RebaseRequest(req, taskWorkspace, "/repo")
			assert.Equal(t, []string{tt.want}, got.Locations)
			assert.Equal(t, tt.location, req.Locations[0], "input untouched")
		})
	}
}

func TestRebaseRequest_RawInput(t *testing.T) {
	raw := map[string]any{"file_path": taskWorkspace + "/src/a.go", "content": "x"}
	got := RebaseRequest(&models.ToolCallRequest{ToolKind: models.ToolKindEdit, RawInput: raw}, taskWorkspace, "/repo")

	m := got.RawInput.(map[string]any)
	assert.Equal(t, "/repo/src/a.go", m["file_path"])
	assert.Equal(t, "x", m["content"])
	assert.Equal(t, taskWorkspace+"/src/a.go", raw["file_path"])

	cmd := RebaseRequest(&models.ToolCallRequest{ToolKind: models.ToolKindExecute, RawInput: "ls src"}, taskWorkspace, "/repo")
	assert.Equal(t, "ls src", cmd.RawInput)
}

func TestGate_ProjectGrantCoversWorkspaceFile(t *testing.T) {
	ms := &mockGrantStore{grants: []*models.PermissionGrant{{
		ProjectPath: "/repo",
		ToolKind:    models.ToolKindEdit,
		ScopeType:   models.ScopePathPrefix,
		ScopeValue:  "src",
		Granted:     true,
	}}}
	gate := NewGate(ms)
	ctx := context.Background()

	for _, loc := range []string{"/repo/src/a.go", taskWorkspace + "/src/a.go", "src/a.go"} {
		req := RebaseRequest(&models.ToolCallRequest{ToolKind: models.ToolKindEdit, Locations: []string{loc}}, taskWorkspace, "/repo")
		d, ok, err := gate.Check(ctx, "/repo", req)
		require.NoError(t, err)
		assert.True(t, ok, loc)
		assert.True(t, d.Allowed, loc)
	}

	req := RebaseRequest(&models.ToolCallRequest{ToolKind: models.ToolKindEdit, Locations: []string{taskWorkspace + "/docs/x.md"}}, taskWorkspace, "/repo")
	_, ok, err := gate.Check(ctx, "/repo", req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_AlwaysFromWorkspaceRecordsProjectPath(t *testing.T) {
	ms := &mockGrantStore{}
	gate := NewGate(ms)
	ctx := context.Background()
	req := RebaseRequest(&models.ToolCallRequest{
		ToolKind:  models.ToolKindEdit,
		Locations: []string{taskWorkspace + "/src/a.go"},
	}, taskWorkspace, "/repo")

	_, err := gate.Resolve(ctx, "/repo", req, models.PermissionOption{ID: "allow_always", Kind: models.OptionAllowAlways})
	require.NoError(t, err)
	require.Len(t, ms.grants, 1)
	assert.Equal(t, "/repo/src/a.go", ms.grants[0].ScopeValue)

	// Another task's workspace edits the same file under the same grant.
	other := RebaseRequest(&models.ToolCallRequest{
		ToolKind:  models.ToolKindEdit,
		Locations: []string{"/repo.worktrees/01OTHER/src/a.go"},
	}, "/repo.worktrees/01OTHER", "/repo")
	d, ok, err := gate.Check(ctx, "/repo", other)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d.Allowed)
}
