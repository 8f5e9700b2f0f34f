package runner

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/joescharf/taskrun/internal/models"
)

// ArtifactPath is the research document of a task, relative to the project
// root. Bugs get a diagnosis instead of a research note.
func ArtifactPath(kind models.TaskKind, slug string) string {
	if kind == models.TaskKindBug {
		return filepath.Join("research", "diagnosis", slug+".md")
	}
	return filepath.Join("research", slug+".md")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func writeTaskContext(b *strings.Builder, task *models.Task) {
	b.WriteString("## Task\n")
	fmt.Fprintf(b, "- Task ID: %s\n", shortID(task.ID))
	fmt.Fprintf(b, "- Title: %s\n", task.Title)
	fmt.Fprintf(b, "- Kind: %s\n", task.Kind)
	if task.Description != "" {
		fmt.Fprintf(b, "\n%s\n", strings.TrimSpace(task.Description))
	}
	b.WriteString("\n")
}

// BuildResearchPrompt asks the agent to investigate a task and write its
// findings to artifact. prior is the existing document, if any.
func BuildResearchPrompt(task *models.Task, artifact, prior string) string {
	var b strings.Builder
	if task.Kind == models.TaskKindBug {
		b.WriteString("Diagnose the following bug. Find the root cause and describe the fix, but do not change any code yet.\n\n")
	} else {
		b.WriteString("Research the following task. Study the codebase and write an implementation plan, but do not change any code yet.\n\n")
	}
	writeTaskContext(&b, task)

	if prior != "" {
		b.WriteString("## Previous research\n\n")
		b.WriteString(strings.TrimSpace(prior))
		b.WriteString("\n\n")
	}

	b.WriteString("## Output\n\n")
	fmt.Fprintf(&b, "Write your findings as Markdown to `%s` (relative to the project root), replacing the file if it exists. ", artifact)
	b.WriteString("The file is the deliverable: a reply without it counts as unfinished.\n")
	return b.String()
}

// BuildRevisionPrompt asks the agent to rework the research document
// according to feedback.
func BuildRevisionPrompt(task *models.Task, artifact, current, feedback string) string {
	var b strings.Builder
	b.WriteString("Revise the research document for this task according to the requested changes.\n\n")
	writeTaskContext(&b, task)

	b.WriteString("## Current document\n\n")
	b.WriteString(strings.TrimSpace(current))
	b.WriteString("\n\n")

	b.WriteString("## Requested changes\n\n")
	b.WriteString(strings.TrimSpace(feedback))
	b.WriteString("\n\n")

	b.WriteString("## Output\n\n")
	fmt.Fprintf(&b, "Write the full revised document to `%s`, replacing the current one.\n", artifact)
	return b.String()
}

// BuildFollowUpPrompt is sent once when a run ends without its document.
func BuildFollowUpPrompt(artifact string) string {
	return fmt.Sprintf("The file `%s` was not written. Write your findings to `%s` now, then reply when done.", artifact, artifact)
}

// BuildImplementationPrompt asks the agent to implement a task in its
// workspace, following the research document when one exists.
func BuildImplementationPrompt(task *models.Task, researchPath, research string) string {
	var b strings.Builder
	if task.Kind == models.TaskKindBug {
		b.WriteString("Fix the following bug in this working directory.\n\n")
	} else {
		b.WriteString("Implement the following task in this working directory.\n\n")
	}
	writeTaskContext(&b, task)

	if research != "" {
		fmt.Fprintf(&b, "## Research (%s)\n\n", researchPath)
		b.WriteString(strings.TrimSpace(research))
		b.WriteString("\n\n")
	}

	b.WriteString("## Rules\n\n")
	b.WriteString("- Keep changes focused on this task\n")
	b.WriteString("- Add or update tests for the behavior you change and run them\n")
	b.WriteString("- Leave your changes uncommitted or commit them yourself; remaining changes are committed for you\n")
	b.WriteString("- Do not push or open pull requests\n")
	return b.String()
}

// CommitMessage is the message of the automatic commit after a run.
func CommitMessage(task *models.Task) string {
	return fmt.Sprintf("%s: %s\n\nTask: %s", task.Kind.BranchPrefix(), task.Title, task.ID)
}

// PRTitle is the title of the pull request opened for a task.
func PRTitle(task *models.Task) string {
	return fmt.Sprintf("%s: %s", task.Kind.BranchPrefix(), task.Title)
}

// TemplatePRBody is the pull request body used when no drafter is configured.
func TemplatePRBody(task *models.Task, diffSummary string) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	if task.Description != "" {
		b.WriteString(strings.TrimSpace(task.Description))
	} else {
		b.WriteString(task.Title)
	}
	b.WriteString("\n\n")
	if diffSummary != "" {
		b.WriteString("## Changes\n\n```\n")
		b.WriteString(strings.TrimSpace(diffSummary))
		b.WriteString("\n```\n\n")
	}
	fmt.Fprintf(&b, "Task: %s\n", task.ID)
	return b.String()
}

// PromptData is what an agent prompt template sees.
type PromptData struct {
	Task   *models.Task
	Prompt string
}

// applyTemplate wraps prompt in an agent's prompt template. An empty
// template leaves the prompt unchanged.
func applyTemplate(tmpl string, task *models.Task, prompt string) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return prompt, nil
	}
	t, err := template.New("prompt").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, PromptData{Task: task, Prompt: prompt}); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return b.String(), nil
}
