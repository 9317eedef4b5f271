package stores

import (
	"context"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memtools"
)

// EntityMemory keeps facts, events and relationships per entity.
type EntityMemory struct{ base }

// NewEntityMemory creates the entity store.
func NewEntityMemory(deps Deps, opts Options) *EntityMemory {
	s := &EntityMemory{base{
		deps: deps,
		schema: learning.Schema{
			Store: learning.StoreEntityMemory,
			Kinds: []learning.Kind{learning.KindFact, learning.KindEvent, learning.KindRelationship},
			Instructions: "Extract what the conversation says about the entity: lasting facts, " +
				"time-stamped events (with occurred_at), and (subject, predicate, object) relationships. " +
				opts.Instructions,
		},
	}}
	s.accept = func(op *learning.Op) bool {
		switch op.Record.Kind {
		case learning.KindEvent, learning.KindRelationship:
			// Append-only and triple kinds are never updated in place.
			return op.Type != learning.OpUpdate
		case "":
			return op.Type == learning.OpDelete
		}
		return true
	}
	return s
}

// Scopes returns one scope per entity named by the identity.
func (s *EntityMemory) Scopes(id learning.Identity) []learning.Scope {
	out := make([]learning.Scope, 0, len(id.Entities))
	seen := map[string]bool{}
	for _, e := range id.Entities {
		owner := learning.EntityOwner(id.NamespaceOrDefault(), e)
		if e == "" || seen[owner] {
			continue
		}
		seen[owner] = true
		out = append(out, learning.Scope{Store: learning.StoreEntityMemory, Owner: owner})
	}
	return out
}

// Retrieve returns facts, then relationships, then events ordered by when
// they happened rather than when they were recorded.
func (s *EntityMemory) Retrieve(ctx context.Context, scope learning.Scope, _ string) ([]learning.Record, error) {
	act, err := s.active(ctx, scope)
	if err != nil {
		return nil, err
	}
	rank := func(k learning.Kind) int {
		switch k {
		case learning.KindFact:
			return 0
		case learning.KindRelationship:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(act, func(i, j int) bool {
		ri, rj := rank(act[i].Kind), rank(act[j].Kind)
		if ri != rj {
			return ri < rj
		}
		if act[i].Kind == learning.KindEvent {
			return occurred(act[i]).Before(occurred(act[j]))
		}
		return false
	})
	return act, nil
}

func occurred(r learning.Record) time.Time {
	if r.OccurredAt.IsZero() {
		return r.CreatedAt
	}
	return r.OccurredAt
}

// ToolDefinitions implements Store.
func (s *EntityMemory) ToolDefinitions(mode learning.Mode) []server.ServerTool {
	if mode != learning.ModeAgentic {
		return nil
	}
	return memtools.ServerTools(
		memtools.NewAddEntityFactTool(s.deps.Engine),
		memtools.NewAddEntityEventTool(s.deps.Engine),
		memtools.NewAddEntityRelationshipTool(s.deps.Engine),
		memtools.NewDeleteEntityRecordTool(s.deps.Engine),
	)
}
