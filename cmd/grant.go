package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
)

var (
	grantProject string
	grantAll     bool
	grantScope   string
	grantDeny    bool
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Manage agent permission grants",
	Long: `Grants decide agent tool calls without asking. Each grant allows or
rejects one kind of tool call (read, edit, execute, fetch, ...) within a
scope: a command, command prefix, path, path prefix, glob, domain, or URL
prefix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return grantListRun()
	},
}

var grantListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List grants for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return grantListRun()
	},
}

var grantAddCmd = &cobra.Command{
	Use:   "add <tool-kind> [scope-value]",
	Short: "Add a grant",
	Example: `  taskrun grant add execute "git status" --scope command
  taskrun grant add edit src/ --scope path_prefix
  taskrun grant add fetch github.com --scope domain
  taskrun grant add delete --scope any --deny`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value string
		if len(args) > 1 {
			value = args[1]
		}
		return grantAddRun(args[0], value)
	},
}

var grantDeleteCmd = &cobra.Command{
	Use:     "delete <grant-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a grant",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return grantDeleteRun(args[0])
	},
}

func init() {
	grantCmd.PersistentFlags().StringVar(&grantProject, "project", "", "project repository path (default: current directory)")
	grantListCmd.Flags().BoolVar(&grantAll, "all", false, "list grants of every project")
	grantAddCmd.Flags().StringVar(&grantScope, "scope", string(models.ScopeCommandPrefix), "scope type (command, command_prefix, path, path_prefix, glob, domain, url_prefix, any)")
	grantAddCmd.Flags().BoolVar(&grantDeny, "deny", false, "reject matching tool calls instead of allowing them")

	grantCmd.AddCommand(grantListCmd)
	grantCmd.AddCommand(grantAddCmd)
	grantCmd.AddCommand(grantDeleteCmd)
	rootCmd.AddCommand(grantCmd)
}

func validToolKind(k models.ToolKind) bool {
	switch k {
	case models.ToolKindRead, models.ToolKindEdit, models.ToolKindDelete, models.ToolKindMove,
		models.ToolKindSearch, models.ToolKindExecute, models.ToolKindThink, models.ToolKindFetch,
		models.ToolKindOther:
		return true
	}
	return false
}

func grantListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	var project string
	if !grantAll {
		if project, err = projectPath(grantProject); err != nil {
			return err
		}
	}

	grants, err := s.ListPermissionGrants(context.Background(), project)
	if err != nil {
		return err
	}
	if len(grants) == 0 {
		ui.Info("No grants.")
		return nil
	}

	headers := []string{"ID", "Tool", "Scope", "Value", "Decision"}
	if grantAll {
		headers = append(headers, "Project")
	}
	table := ui.Table(headers)
	for _, g := range grants {
		decision := output.Green("allow")
		if !g.Granted {
			decision = output.Red("deny")
		}
		row := []string{shortID(g.ID), string(g.ToolKind), string(g.ScopeType), g.ScopeValue, decision}
		if grantAll {
			row = append(row, g.ProjectPath)
		}
		_ = table.Append(row)
	}
	_ = table.Render()
	return nil
}

func grantAddRun(toolKind, value string) error {
	kind := models.ToolKind(toolKind)
	if !validToolKind(kind) {
		return fmt.Errorf("invalid tool kind %q", toolKind)
	}
	scope := models.ScopeType(grantScope)
	if !scope.Valid() {
		return fmt.Errorf("invalid scope %q", grantScope)
	}
	if value == "" && scope != models.ScopeAny {
		return fmt.Errorf("a scope value is required for scope %s", scope)
	}
	project, err := projectPath(grantProject)
	if err != nil {
		return err
	}

	decision := "allow"
	if grantDeny {
		decision = "deny"
	}
	if dryRun {
		ui.DryRunMsg("Would %s %s calls matching %s %q in %s", decision, kind, scope, value, project)
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	g := &models.PermissionGrant{
		ProjectPath: project,
		ToolKind:    kind,
		ScopeType:   scope,
		ScopeValue:  value,
		Granted:     !grantDeny,
	}
	if err := s.SavePermissionGrant(context.Background(), g); err != nil {
		return err
	}
	ui.Success("Added grant %s: %s %s %s %q", output.Cyan(shortID(g.ID)), decision, kind, scope, value)
	return nil
}

func grantDeleteRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Accept a short ID like the list output shows.
	fullID := id
	grants, err := s.ListPermissionGrants(ctx, "")
	if err != nil {
		return err
	}
	prefix := strings.ToUpper(id)
	var matches int
	for _, g := range grants {
		if g.ID == id {
			fullID, matches = g.ID, 1
			break
		}
		if strings.HasPrefix(g.ID, prefix) {
			fullID = g.ID
			matches++
		}
	}
	if matches > 1 {
		return fmt.Errorf("ambiguous grant ID %s matches %d grants", id, matches)
	}

	if dryRun {
		ui.DryRunMsg("Would delete grant %s", shortID(fullID))
		return nil
	}
	if err := s.DeletePermissionGrant(ctx, fullID); err != nil {
		return err
	}
	ui.Success("Deleted grant %s", shortID(fullID))
	return nil
}
