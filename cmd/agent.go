package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/output"
)

var (
	agentWorkDir string
	agentLimit   int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and talk to coding agents",
	Long:  "List configured agents, message them directly, and review their session history.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentListRun()
	},
}

var agentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List configured agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentListRun()
	},
}

var agentSendCmd = &cobra.Command{
	Use:   "send <agent> <message>",
	Short: "Send a message to an agent and stream its reply",
	Long: `Send a message to an agent working in --workdir (default: current
directory). A session is started, or resumed, as needed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()
		return agentSendRun(ctx, args[0], strings.Join(args[1:], " "))
	},
}

var agentHistoryCmd = &cobra.Command{
	Use:   "history [agent]",
	Short: "Show agent session history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agentID string
		if len(args) > 0 {
			agentID = args[0]
		}
		return agentHistoryRun(agentID)
	},
}

var agentReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark sessions left running by a crashed process as stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentReconcileRun()
	},
}

func init() {
	agentSendCmd.Flags().StringVar(&agentWorkDir, "workdir", "", "directory the agent works in (default: current directory)")
	agentHistoryCmd.Flags().IntVar(&agentLimit, "limit", 20, "maximum sessions to show")

	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentSendCmd)
	agentCmd.AddCommand(agentHistoryCmd)
	agentCmd.AddCommand(agentReconcileCmd)
	rootCmd.AddCommand(agentCmd)
}

func agentListRun() error {
	defs, err := agentDefinitions()
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		ui.Info("No agents configured.")
		return nil
	}

	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	unavailable := make(map[string]string, len(eng.skipped))
	for _, sk := range eng.skipped {
		unavailable[sk.ID] = sk.Reason
	}

	table := ui.Table([]string{"ID", "Name", "Backend", "Command", "Status"})
	for _, d := range defs {
		status := output.Green("available")
		if reason, ok := unavailable[d.ID]; ok {
			status = output.Red("unavailable: " + reason)
		}
		_ = table.Append([]string{
			d.ID,
			d.Name,
			d.Backend,
			strings.TrimSpace(d.Command + " " + strings.Join(d.Args, " ")),
			status,
		})
	}
	_ = table.Render()
	return nil
}

func agentSendRun(ctx context.Context, agentID, content string) error {
	workDir, err := projectPath(agentWorkDir)
	if err != nil {
		return err
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if dryRun {
		ui.DryRunMsg("Would send %d characters to %s in %s", len(content), agentID, workDir)
		return nil
	}

	p := watchProgress(ctx, eng, "", true)
	turn, err := eng.sessions.SendToAgent(ctx, agentID, workDir, content)
	if err != nil {
		p.Stop()
		return err
	}

	select {
	case <-turn.Done():
	case <-ctx.Done():
		_ = eng.sessions.CancelMessage(agentID)
		<-turn.Done()
	}
	p.Stop()

	msg, err := turn.Result()
	if err != nil {
		return err
	}
	if !p.streamed && msg != nil {
		fmt.Fprint(ui.Out, msg.Content)
	}
	fmt.Fprintln(ui.Out)
	return nil
}

func agentHistoryRun(agentID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := s.ListAgentSessions(context.Background(), agentID, agentLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No agent session history.")
		return nil
	}

	table := ui.Table([]string{"ID", "Agent", "Status", "Work Dir", "Started", "Duration"})
	for _, sess := range sessions {
		duration := "running"
		if sess.Status.Terminal() {
			duration = formatDuration(sess.LastActivityAt.Sub(sess.CreatedAt))
		}
		_ = table.Append([]string{
			shortID(sess.ID),
			sess.AgentID,
			output.SessionColor(string(sess.Status)),
			sess.WorkDir,
			timeAgo(sess.CreatedAt),
			duration,
		})
	}
	_ = table.Render()
	return nil
}

func agentReconcileRun() error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if dryRun {
		ui.DryRunMsg("Would mark live session records stopped")
		return nil
	}
	n, err := eng.sessions.ReconcileSessions(context.Background())
	if err != nil {
		return err
	}
	ui.Success("Marked %d session(s) stopped", n)
	return nil
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
