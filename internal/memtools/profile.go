package memtools

import (
	"context"
	"fmt"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/mark3labs/mcp-go/mcp"
)

// UpdateProfileTool handles the update_user_profile MCP tool.
type UpdateProfileTool struct {
	engine Applier
	fields []learning.FieldSpec
}

// NewUpdateProfileTool creates an UpdateProfileTool accepting the given
// profile fields.
func NewUpdateProfileTool(engine Applier, fields []learning.FieldSpec) *UpdateProfileTool {
	return &UpdateProfileTool{engine: engine, fields: fields}
}

// Definition returns the MCP tool definition for update_user_profile.
func (t *UpdateProfileTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(
			"Update structured facts about the user (name, preferred name, and other profile fields). " +
				"Only pass fields that changed. Pass an empty string to clear a field; the old value is kept in history.",
		),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("ID of the user whose profile is updated"),
		),
	}
	for _, f := range t.fields {
		opts = append(opts, mcp.WithString(f.Name, mcp.Description(f.Description)))
	}
	return mcp.NewTool("update_user_profile", opts...)
}

// Handle processes the update_user_profile tool call.
func (t *UpdateProfileTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, err := userScope(req, learning.StoreUserProfile)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()
	fields := map[string]string{}
	for _, f := range t.fields {
		if v, ok := args[f.Name].(string); ok {
			fields[f.Name] = v
		}
	}
	if len(fields) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("at least one profile field is required (%s)", fieldNames(t.fields))), nil
	}

	res, err := t.engine.Apply(ctx, scope, learning.Diff{Ops: []learning.Op{{
		Type:   learning.OpUpdate,
		Record: learning.Record{Kind: learning.KindProfile, Fields: fields, Provenance: "update_user_profile"},
	}}})
	return applyResult(res, err, "update profile")
}

func fieldNames(fields []learning.FieldSpec) string {
	s := ""
	for i, f := range fields {
		if i > 0 {
			s += ", "
		}
		s += f.Name
	}
	return s
}
