package memtools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/mark3labs/mcp-go/mcp"
)

func entityOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("entity",
			mcp.Required(),
			mcp.Description("Name of the entity (company, person, project, ...)"),
		),
		mcp.WithString("namespace",
			mcp.Description("Knowledge namespace the entity lives in (default: global)"),
		),
	}
}

// ─── AddEntityFactTool ──────────────────────────────────────────────────────

// AddEntityFactTool handles the add_entity_fact MCP tool.
type AddEntityFactTool struct {
	engine Applier
}

// NewAddEntityFactTool creates an AddEntityFactTool.
func NewAddEntityFactTool(engine Applier) *AddEntityFactTool {
	return &AddEntityFactTool{engine: engine}
}

// Definition returns the MCP tool definition for add_entity_fact.
func (t *AddEntityFactTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Record a lasting fact about an entity. Repeated facts are merged."),
	}, entityOptions()...)
	opts = append(opts, mcp.WithString("fact",
		mcp.Required(),
		mcp.Description("The fact, e.g. 'Headquartered in Berlin'"),
	))
	return mcp.NewTool("add_entity_fact", opts...)
}

// Handle processes the add_entity_fact tool call.
func (t *AddEntityFactTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, _, err := entityScope(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fact := strings.TrimSpace(req.GetString("fact", ""))
	if fact == "" {
		return mcp.NewToolResultError("'fact' is required"), nil
	}

	res, err := t.engine.Apply(ctx, scope, learning.Diff{Ops: []learning.Op{{
		Type:   learning.OpAdd,
		Record: learning.Record{Kind: learning.KindFact, Content: fact, Provenance: "add_entity_fact"},
	}}})
	return applyResult(res, err, "add entity fact")
}

// ─── AddEntityEventTool ─────────────────────────────────────────────────────

// AddEntityEventTool handles the add_entity_event MCP tool.
type AddEntityEventTool struct {
	engine Applier
}

// NewAddEntityEventTool creates an AddEntityEventTool.
func NewAddEntityEventTool(engine Applier) *AddEntityEventTool {
	return &AddEntityEventTool{engine: engine}
}

// Definition returns the MCP tool definition for add_entity_event.
func (t *AddEntityEventTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Record something that happened to an entity at a point in time. Events are never merged."),
	}, entityOptions()...)
	opts = append(opts,
		mcp.WithString("event",
			mcp.Required(),
			mcp.Description("What happened"),
		),
		mcp.WithString("occurred_at",
			mcp.Description("When it happened: RFC3339 timestamp or YYYY-MM-DD (default: now)"),
		),
	)
	return mcp.NewTool("add_entity_event", opts...)
}

// Handle processes the add_entity_event tool call.
func (t *AddEntityEventTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, _, err := entityScope(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	event := strings.TrimSpace(req.GetString("event", ""))
	if event == "" {
		return mcp.NewToolResultError("'event' is required"), nil
	}
	var at time.Time
	if raw := req.GetString("occurred_at", ""); raw != "" {
		at, err = ParseTime(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	res, err := t.engine.Apply(ctx, scope, learning.Diff{Ops: []learning.Op{{
		Type:   learning.OpAdd,
		Record: learning.Record{Kind: learning.KindEvent, Content: event, OccurredAt: at, Provenance: "add_entity_event"},
	}}})
	return applyResult(res, err, "add entity event")
}

// ParseTime accepts RFC3339 timestamps and plain dates.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DD", s)
}

// ─── AddEntityRelationshipTool ──────────────────────────────────────────────

// AddEntityRelationshipTool handles the add_entity_relationship MCP tool.
type AddEntityRelationshipTool struct {
	engine Applier
}

// NewAddEntityRelationshipTool creates an AddEntityRelationshipTool.
func NewAddEntityRelationshipTool(engine Applier) *AddEntityRelationshipTool {
	return &AddEntityRelationshipTool{engine: engine}
}

// Definition returns the MCP tool definition for add_entity_relationship.
func (t *AddEntityRelationshipTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Record a (subject, predicate, object) relationship involving an entity, " +
				"e.g. ('Acme', 'acquired', 'Widgets Inc'). Identical triples are stored once.",
		),
	}, entityOptions()...)
	opts = append(opts,
		mcp.WithString("subject",
			mcp.Description("Subject of the relationship (default: the entity)"),
		),
		mcp.WithString("predicate",
			mcp.Required(),
			mcp.Description("Relationship verb, e.g. 'works_at', 'acquired'"),
		),
		mcp.WithString("object",
			mcp.Required(),
			mcp.Description("Object of the relationship"),
		),
	)
	return mcp.NewTool("add_entity_relationship", opts...)
}

// Handle processes the add_entity_relationship tool call.
func (t *AddEntityRelationshipTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, entity, err := entityScope(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	triple := learning.Triple{
		Subject:   strings.TrimSpace(req.GetString("subject", entity)),
		Predicate: strings.TrimSpace(req.GetString("predicate", "")),
		Object:    strings.TrimSpace(req.GetString("object", "")),
	}
	if triple.Predicate == "" || triple.Object == "" {
		return mcp.NewToolResultError("'predicate' and 'object' are required"), nil
	}

	res, err := t.engine.Apply(ctx, scope, learning.Diff{Ops: []learning.Op{{
		Type:   learning.OpAdd,
		Record: learning.Record{Kind: learning.KindRelationship, Triple: &triple, Provenance: "add_entity_relationship"},
	}}})
	return applyResult(res, err, "add entity relationship")
}

// ─── DeleteEntityRecordTool ─────────────────────────────────────────────────

// DeleteEntityRecordTool handles the delete_entity_record MCP tool.
type DeleteEntityRecordTool struct {
	engine Applier
}

// NewDeleteEntityRecordTool creates a DeleteEntityRecordTool.
func NewDeleteEntityRecordTool(engine Applier) *DeleteEntityRecordTool {
	return &DeleteEntityRecordTool{engine: engine}
}

// Definition returns the MCP tool definition for delete_entity_record.
func (t *DeleteEntityRecordTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Retire a fact, event or relationship of an entity that is wrong."),
	}, entityOptions()...)
	opts = append(opts, mcp.WithString("record_id",
		mcp.Required(),
		mcp.Description("ID of the record to delete"),
	))
	return mcp.NewTool("delete_entity_record", opts...)
}

// Handle processes the delete_entity_record tool call.
func (t *DeleteEntityRecordTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, _, err := entityScope(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("record_id", "")
	if id == "" {
		return mcp.NewToolResultError("'record_id' is required"), nil
	}

	// Kind is resolved from the target record.
	res, err := t.engine.Apply(ctx, scope, learning.Diff{Ops: []learning.Op{{
		Type:     learning.OpDelete,
		TargetID: id,
	}}})
	return applyResult(res, err, "delete entity record")
}
