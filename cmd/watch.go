package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
)

// Operator input. Tests swap these to script answers.
var (
	promptIn    io.Reader = os.Stdin
	interactive           = func() bool { return output.IsTerminal(os.Stdin) }

	promptOnce   sync.Once
	promptReader *bufio.Reader
)

func inputReader() *bufio.Reader {
	promptOnce.Do(func() { promptReader = bufio.NewReader(promptIn) })
	return promptReader
}

// readLine prints question and reads one trimmed line of operator input.
func readLine(question string) (string, error) {
	fmt.Fprint(ui.Out, question)
	line, err := inputReader().ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// confirm asks a yes/no question; anything but y or yes is no.
func confirm(question string) bool {
	answer, err := readLine(question + " [y/N] ")
	if err != nil {
		return false
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}

// commandContext returns a context cancelled on interrupt.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, shutdownSignals()...)
}

// progress prints engine events for one command invocation and answers
// permission requests from the terminal.
type progress struct {
	eng    *engine
	ctx    context.Context
	taskID string
	stream bool
	subID  string
	ch     <-chan events.Event
	done   chan struct{}

	// streamed is set once agent output was printed; read it after Stop.
	streamed bool
}

// watchProgress starts printing events. Lifecycle events of other tasks are
// ignored; taskID may be empty to print every run. Agent output is printed
// when stream is set.
func watchProgress(ctx context.Context, eng *engine, taskID string, stream bool) *progress {
	id, ch := eng.bus.Subscribe(256)
	p := &progress{
		eng:    eng,
		ctx:    ctx,
		taskID: taskID,
		stream: stream,
		subID:  id,
		ch:     ch,
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Stop unsubscribes and waits for buffered events to print.
func (p *progress) Stop() {
	p.eng.bus.Unsubscribe(p.subID)
	<-p.done
}

func (p *progress) loop() {
	defer close(p.done)
	for e := range p.ch {
		p.handle(e)
	}
}

func (p *progress) handle(e events.Event) {
	switch payload := e.Payload.(type) {
	case events.Lifecycle:
		if p.taskID != "" && payload.TaskID != p.taskID {
			return
		}
		line := output.PhaseColor(string(payload.Phase))
		if payload.Message != "" {
			line += "  " + payload.Message
		}
		if payload.Phase == events.PhaseWarning {
			ui.Warning("%s", payload.Message)
			return
		}
		ui.Info("%s", line)
	case events.Chunk:
		if payload.Content != "" && p.stream {
			fmt.Fprint(ui.Out, payload.Content)
			p.streamed = true
		}
		for _, tc := range payload.ToolCalls {
			ui.VerboseLog("%s %s", tc.Kind, tc.Title)
		}
	case events.PermissionRequest:
		p.answer(payload)
	case events.Error:
		ui.Error("%s: %s", payload.AgentID, payload.Error)
	}
}

// answer asks the operator to choose a permission option. Without a
// terminal the request is rejected once so the agent is not left waiting.
func (p *progress) answer(req events.PermissionRequest) {
	optionID := string(models.OptionRejectOnce)
	if interactive() {
		optionID = askPermission(req)
	} else {
		ui.Warning("Rejecting %s %q: no terminal to ask", req.ToolCall.Kind, req.ToolCall.Title)
	}
	if err := p.eng.sessions.RespondToPermission(p.ctx, req.AgentID, req.RequestID, optionID); err != nil {
		ui.Error("Answer permission request %s: %v", req.RequestID, err)
	}
}

func askPermission(req events.PermissionRequest) string {
	fmt.Fprintf(ui.Out, "\n%s wants to %s: %s\n", output.Cyan(req.AgentID), req.ToolCall.Kind, req.ToolCall.Title)
	for _, loc := range req.ToolCall.Locations {
		fmt.Fprintf(ui.Out, "    %s\n", loc)
	}
	for i, opt := range req.Options {
		fmt.Fprintf(ui.Out, "  %d) %s\n", i+1, opt.Name)
	}
	for {
		answer, err := readLine("Choice: ")
		if err != nil {
			return string(models.OptionRejectOnce)
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(req.Options) {
			return req.Options[n-1].ID
		}
		for _, opt := range req.Options {
			if answer == opt.ID {
				return opt.ID
			}
		}
		ui.Warning("Enter a number between 1 and %d", len(req.Options))
	}
}
