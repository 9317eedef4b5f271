package memtools

import (
	"context"
	"strings"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/mark3labs/mcp-go/mcp"
)

// ─── AddMemoryTool ──────────────────────────────────────────────────────────

// AddMemoryTool handles the add_memory MCP tool.
type AddMemoryTool struct {
	engine Applier
}

// NewAddMemoryTool creates an AddMemoryTool.
func NewAddMemoryTool(engine Applier) *AddMemoryTool {
	return &AddMemoryTool{engine: engine}
}

// Definition returns the MCP tool definition for add_memory.
func (t *AddMemoryTool) Definition() mcp.Tool {
	return mcp.NewTool("add_memory",
		mcp.WithDescription(
			"Remember an observation about the user for future conversations (preferences, circumstances, goals). "+
				"Near-duplicates of existing memories are merged automatically.",
		),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("ID of the user the memory is about"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The observation, as one self-contained sentence"),
		),
		mcp.WithString("topics",
			mcp.Description("Comma-separated topic tags (e.g. 'food,travel')"),
		),
	)
}

// Handle processes the add_memory tool call.
func (t *AddMemoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, err := userScope(req, learning.StoreUserMemory)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content := strings.TrimSpace(req.GetString("content", ""))
	if content == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	res, err := t.engine.Apply(ctx, scope, learning.Diff{Ops: []learning.Op{{
		Type: learning.OpAdd,
		Record: learning.Record{
			Kind:       learning.KindMemory,
			Content:    content,
			Topics:     topicsArg(req),
			Provenance: "add_memory",
		},
	}}})
	return applyResult(res, err, "add memory")
}

// ─── UpdateMemoryTool ───────────────────────────────────────────────────────

// UpdateMemoryTool handles the update_memory MCP tool.
type UpdateMemoryTool struct {
	engine Applier
}

// NewUpdateMemoryTool creates an UpdateMemoryTool.
func NewUpdateMemoryTool(engine Applier) *UpdateMemoryTool {
	return &UpdateMemoryTool{engine: engine}
}

// Definition returns the MCP tool definition for update_memory.
func (t *UpdateMemoryTool) Definition() mcp.Tool {
	return mcp.NewTool("update_memory",
		mcp.WithDescription(
			"Correct or refine an existing memory. The previous wording is kept in the memory's history.",
		),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("ID of the user the memory is about"),
		),
		mcp.WithString("memory_id",
			mcp.Required(),
			mcp.Description("ID of the memory to update"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("New wording of the memory"),
		),
		mcp.WithString("topics",
			mcp.Description("Comma-separated topic tags to add"),
		),
	)
}

// Handle processes the update_memory tool call.
func (t *UpdateMemoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, err := userScope(req, learning.StoreUserMemory)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("memory_id", "")
	if id == "" {
		return mcp.NewToolResultError("'memory_id' is required"), nil
	}
	content := strings.TrimSpace(req.GetString("content", ""))
	if content == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	res, err := t.engine.Apply(ctx, scope, learning.Diff{Ops: []learning.Op{{
		Type:     learning.OpUpdate,
		TargetID: id,
		Record: learning.Record{
			Kind:       learning.KindMemory,
			Content:    content,
			Topics:     topicsArg(req),
			Provenance: "update_memory",
		},
	}}})
	return applyResult(res, err, "update memory")
}

// ─── DeleteMemoryTool ───────────────────────────────────────────────────────

// DeleteMemoryTool handles the delete_memory MCP tool.
type DeleteMemoryTool struct {
	engine Applier
}

// NewDeleteMemoryTool creates a DeleteMemoryTool.
func NewDeleteMemoryTool(engine Applier) *DeleteMemoryTool {
	return &DeleteMemoryTool{engine: engine}
}

// Definition returns the MCP tool definition for delete_memory.
func (t *DeleteMemoryTool) Definition() mcp.Tool {
	return mcp.NewTool("delete_memory",
		mcp.WithDescription(
			"Forget a memory that is wrong or no longer true. The memory is retired, not erased.",
		),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("ID of the user the memory is about"),
		),
		mcp.WithString("memory_id",
			mcp.Required(),
			mcp.Description("ID of the memory to delete"),
		),
	)
}

// Handle processes the delete_memory tool call.
func (t *DeleteMemoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, err := userScope(req, learning.StoreUserMemory)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("memory_id", "")
	if id == "" {
		return mcp.NewToolResultError("'memory_id' is required"), nil
	}

	res, err := t.engine.Apply(ctx, scope, learning.Diff{Ops: []learning.Op{{
		Type:     learning.OpDelete,
		TargetID: id,
		Record:   learning.Record{Kind: learning.KindMemory},
	}}})
	return applyResult(res, err, "delete memory")
}
