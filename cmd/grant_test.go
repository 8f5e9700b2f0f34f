package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/store"
)

func TestGrantAddListDelete(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)
	project := t.TempDir()
	setFlag(t, &grantProject, project)
	setFlag(t, &grantScope, string(models.ScopeCommand))

	require.NoError(t, grantAddRun("execute", "git status"))

	s, err := getStore()
	require.NoError(t, err)
	grants, err := s.ListPermissionGrants(context.Background(), project)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	g := grants[0]
	assert.Equal(t, models.ToolKindExecute, g.ToolKind)
	assert.Equal(t, models.ScopeCommand, g.ScopeType)
	assert.Equal(t, "git status", g.ScopeValue)
	assert.True(t, g.Granted)

	buf.Reset()
	require.NoError(t, grantListRun())
	assert.Contains(t, buf.String(), "git status")
	assert.Contains(t, buf.String(), "allow")

	require.NoError(t, grantDeleteRun(shortID(g.ID)))
	grants, err = s.ListPermissionGrants(context.Background(), project)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestGrantAddRun_Deny(t *testing.T) {
	testEnv(t)
	captureOutput(t)
	project := t.TempDir()
	setFlag(t, &grantProject, project)
	setFlag(t, &grantScope, string(models.ScopeAny))
	setFlag(t, &grantDeny, true)

	require.NoError(t, grantAddRun("delete", ""))

	s, err := getStore()
	require.NoError(t, err)
	grants, err := s.ListPermissionGrants(context.Background(), project)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.False(t, grants[0].Granted)
	assert.Equal(t, models.ScopeAny, grants[0].ScopeType)
}

func TestGrantAddRun_Validation(t *testing.T) {
	tests := []struct {
		name  string
		kind  string
		scope string
		value string
		want  string
	}{
		{"unknown tool kind", "launch", "command", "x", "invalid tool kind"},
		{"unknown scope", "execute", "regex", "x", "invalid scope"},
		{"missing value", "edit", "path", "", "scope value is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testEnv(t)
			setFlag(t, &grantScope, tt.scope)

			err := grantAddRun(tt.kind, tt.value)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGrantListRun_AllProjects(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)
	s, err := getStore()
	require.NoError(t, err)
	ctx := context.Background()
	for _, p := range []string{"/repo/a", "/repo/b"} {
		require.NoError(t, s.SavePermissionGrant(ctx, &models.PermissionGrant{
			ProjectPath: p, ToolKind: models.ToolKindRead, ScopeType: models.ScopeAny, Granted: true,
		}))
	}
	setFlag(t, &grantAll, true)

	require.NoError(t, grantListRun())
	assert.Contains(t, buf.String(), "/repo/a")
	assert.Contains(t, buf.String(), "/repo/b")
}

func TestGrantDeleteRun_NotFound(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	err := grantDeleteRun("01NOPE")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
