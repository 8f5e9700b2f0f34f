package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/taskrun/internal/models"
)

// maxDiffSummary bounds the diff summary sent for PR drafting.
const maxDiffSummary = 8000

// Client wraps the Anthropic API for pull request drafting and slug translation.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// complete sends one system+user exchange and returns the first text block.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return stripFence(text), nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// buildPRPrompt constructs the system and user prompts for pull request drafting.
func buildPRPrompt(task *models.Task, diffSummary string) (system string, user string) {
	system = `You write pull request descriptions. Given a task and a summary of the changes, return a Markdown PR body with these sections:

## Summary
One or two sentences on what the change does and why.

## Changes
A short bullet list of the notable changes, grounded in the diff summary.

## Testing
How the change can be verified.

Rules:
- Do not invent changes that the diff summary does not support
- Keep the body under 300 words
- Return the Markdown body only, no title and no code fencing around the whole body`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task (%s): %s\n", task.Kind, task.Title)
	if task.Description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}
	if diffSummary != "" {
		if len(diffSummary) > maxDiffSummary {
			diffSummary = diffSummary[:maxDiffSummary] + "\n[truncated]"
		}
		sb.WriteString("\nDiff summary:\n")
		sb.WriteString(diffSummary)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// DraftPRBody writes a pull request body for a task from its diff summary.
func (c *Client) DraftPRBody(ctx context.Context, task *models.Task, diffSummary string) (string, error) {
	system, user := buildPRPrompt(task, diffSummary)
	body, err := c.complete(ctx, system, user, 1024)
	if err != nil {
		return "", err
	}
	return body + fmt.Sprintf("\n\nTask: %s\n", task.ID), nil
}

// slugResponse is the JSON shape the slug prompt asks for.
type slugResponse struct {
	Slug string `json:"slug"`
}

// buildSlugPrompt constructs the system and user prompts for English slug generation.
func buildSlugPrompt(title string) (system string, user string) {
	system = `You turn task titles in any language into short English git branch slugs. Return ONLY a JSON object with one field:
- "slug": 2 to 5 lowercase English words joined by hyphens that capture the title's meaning

Rules:
- Use only a-z, 0-9 and hyphens
- Return valid JSON only, no markdown fencing or explanation`
	user = "Title: " + title
	return
}

// EnglishSlug returns an English branch slug for a title.
func (c *Client) EnglishSlug(ctx context.Context, title string) (string, error) {
	system, user := buildSlugPrompt(title)
	text, err := c.complete(ctx, system, user, 100)
	if err != nil {
		return "", err
	}
	var resp slugResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return "", fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return resp.Slug, nil
}
