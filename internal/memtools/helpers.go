// Package memtools provides MCP tool handlers for the learning subsystem.
//
// Each tool handler follows the same pattern:
// - A struct with its dependencies injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Store tools run synchronously inside the agent's turn and write through
// the consolidation engine, so their failures are returned to the model as
// tool errors instead of being retried in the background.
package memtools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Applier commits a diff to a scope under the scope's lock.
type Applier interface {
	Apply(ctx context.Context, scope learning.Scope, diff learning.Diff) (learning.CommitResult, error)
}

// Tool is implemented by every handler in this package.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// ServerTools converts handlers into server registrations.
func ServerTools(tools ...Tool) []server.ServerTool {
	out := make([]server.ServerTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, server.ServerTool{Tool: t.Definition(), Handler: t.Handle})
	}
	return out
}

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// floatArg extracts a float argument from a tool request.
func floatArg(req mcp.CallToolRequest, key string, defaultVal float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return v
}

// topicsArg accepts topics either as a JSON array or a comma-separated string.
func topicsArg(req mcp.CallToolRequest) []string {
	if list := req.GetStringSlice("topics", nil); len(list) > 0 {
		return learning.MergeTopics(nil, list)
	}
	raw := req.GetString("topics", "")
	if raw == "" {
		return nil
	}
	return learning.MergeTopics(nil, strings.Split(raw, ","))
}

// entityScope resolves the entity scope named by the request.
func entityScope(req mcp.CallToolRequest) (learning.Scope, string, error) {
	entity := strings.TrimSpace(req.GetString("entity", ""))
	if entity == "" {
		return learning.Scope{}, "", errors.New("'entity' is required")
	}
	ns := req.GetString("namespace", learning.DefaultNamespace)
	return learning.Scope{Store: learning.StoreEntityMemory, Owner: learning.EntityOwner(ns, entity)}, entity, nil
}

// userScope resolves a user-owned scope from the user_id argument.
func userScope(req mcp.CallToolRequest, store learning.StoreType) (learning.Scope, error) {
	user := strings.TrimSpace(req.GetString("user_id", ""))
	if user == "" {
		return learning.Scope{}, errors.New("'user_id' is required")
	}
	return learning.Scope{Store: store, Owner: user}, nil
}

// applyResult turns an Apply outcome into a tool result.
func applyResult(res learning.CommitResult, err error, verb string) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", verb, err)), nil
	}
	if !res.Changed() {
		return mcp.NewToolResultText("Nothing changed."), nil
	}

	var sb strings.Builder
	for _, id := range res.Inserted {
		if canonical, ok := res.Merged[id]; ok {
			fmt.Fprintf(&sb, "Already known: merged into %s (duplicate recorded as %s)\n", canonical, id)
			continue
		}
		fmt.Fprintf(&sb, "Saved: %s\n", id)
	}
	for _, id := range res.Updated {
		fmt.Fprintf(&sb, "Updated: %s\n", id)
	}
	for _, id := range res.Tombstoned {
		if _, merged := res.Merged[id]; merged || contains(res.Inserted, id) {
			continue
		}
		fmt.Fprintf(&sb, "Deleted: %s\n", id)
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
