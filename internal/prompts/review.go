package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/learnd/internal/learning"
)

// ReviewPrompt handles the learnd-review MCP prompt.
// It walks the user through pending knowledge proposals one by one.
type ReviewPrompt struct{}

// NewReviewPrompt creates a ReviewPrompt.
func NewReviewPrompt() *ReviewPrompt {
	return &ReviewPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *ReviewPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("learnd-review",
		mcp.WithPromptDescription(
			"Review learnings proposed during past conversations and decide which to keep.",
		),
		mcp.WithArgument("namespace",
			mcp.ArgumentDescription("Knowledge namespace to review (default: global)"),
		),
	)
}

// Handle processes the learnd-review prompt request.
func (p *ReviewPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	ns := strings.TrimSpace(req.Params.Arguments["namespace"])
	if ns == "" {
		ns = learning.DefaultNamespace
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Review proposed learnings in %s", ns),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Please run `learn_drafts` with namespace='%s'.\n\n"+
						"For each proposal, one at a time:\n"+
						"1. Show me the title and the insight\n"+
						"2. Ask whether I want to keep it\n"+
						"3. Call `learn_confirm` or `learn_reject` with its ref_id based on my answer\n\n"+
						"Stop when no proposals are left.",
					ns,
				)),
			},
		},
	}, nil
}
