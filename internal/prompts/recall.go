// Package prompts implements MCP prompt handlers for learnd.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// RecallPrompt handles the learnd-recall MCP prompt.
// It asks the AI to load and summarize what it has learned about the user.
type RecallPrompt struct{}

// NewRecallPrompt creates a RecallPrompt.
func NewRecallPrompt() *RecallPrompt {
	return &RecallPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *RecallPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("learnd-recall",
		mcp.WithPromptDescription(
			"Show what has been learned about you: profile, memories, the current session "+
				"and the entities you work with.",
		),
		mcp.WithArgument("user_id",
			mcp.ArgumentDescription("Your user id"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("session_id",
			mcp.ArgumentDescription("Current session id, if any"),
		),
	)
}

// Handle processes the learnd-recall prompt request.
func (p *RecallPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	userID := strings.TrimSpace(req.Params.Arguments["user_id"])
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	args := fmt.Sprintf("user_id='%s'", userID)
	if sid := strings.TrimSpace(req.Params.Arguments["session_id"]); sid != "" {
		args += fmt.Sprintf(", session_id='%s'", sid)
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Recall learnings for %s", userID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Please run `learn_retrieve` with %s and detail_level='full'.\n\n"+
						"Then:\n"+
						"1. Summarize my profile and memories in plain language\n"+
						"2. List the entities you know about and their latest events\n"+
						"3. Point out anything that looks outdated so I can correct it",
					args,
				)),
			},
		},
	}, nil
}
