package stores

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memtools"
)

// ─── UserProfile ────────────────────────────────────────────────────────────

// ProfileFields are the built-in profile fields.
var ProfileFields = []learning.FieldSpec{
	{Name: "name", Description: "The user's full name"},
	{Name: "preferred_name", Description: "What the user wants to be called"},
}

// UserProfile keeps one structured profile record per user.
type UserProfile struct{ base }

// NewUserProfile creates the profile store. opts.Fields extend or override
// the built-in fields.
func NewUserProfile(deps Deps, opts Options) *UserProfile {
	s := &UserProfile{base{
		deps: deps,
		schema: learning.Schema{
			Store:  learning.StoreUserProfile,
			Kinds:  []learning.Kind{learning.KindProfile},
			Fields: mergeFields(ProfileFields, opts.Fields),
			Instructions: "Extract stable facts the user states about themselves into the declared fields. " +
				"Only emit fields whose value changed. " + opts.Instructions,
		},
	}}
	s.accept = func(op *learning.Op) bool {
		if op.Type == learning.OpDelete {
			return false
		}
		op.Type = learning.OpUpdate
		for k := range op.Record.Fields {
			if !s.schema.HasField(k) {
				delete(op.Record.Fields, k)
			}
		}
		return len(op.Record.Fields) > 0
	}
	return s
}

// Scopes implements Store.
func (s *UserProfile) Scopes(id learning.Identity) []learning.Scope {
	if id.UserID == "" {
		return nil
	}
	return []learning.Scope{{Store: learning.StoreUserProfile, Owner: id.UserID}}
}

// Retrieve returns the single active profile, if any.
func (s *UserProfile) Retrieve(ctx context.Context, scope learning.Scope, _ string) ([]learning.Record, error) {
	act, err := s.active(ctx, scope)
	if err != nil || len(act) == 0 {
		return nil, err
	}
	return act[:1], nil
}

// ToolDefinitions implements Store.
func (s *UserProfile) ToolDefinitions(mode learning.Mode) []server.ServerTool {
	if mode != learning.ModeAgentic {
		return nil
	}
	return memtools.ServerTools(memtools.NewUpdateProfileTool(s.deps.Engine, s.schema.Fields))
}

// ─── UserMemory ─────────────────────────────────────────────────────────────

// DefaultMemoryLimit caps retrieved memories.
const DefaultMemoryLimit = 20

// UserMemory keeps free-text observations about a user.
type UserMemory struct{ base }

// NewUserMemory creates the memory store.
func NewUserMemory(deps Deps, opts Options) *UserMemory {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	s := &UserMemory{base{
		deps:  deps,
		limit: limit,
		schema: learning.Schema{
			Store: learning.StoreUserMemory,
			Kinds: []learning.Kind{learning.KindMemory},
			Instructions: "Extract durable observations about the user (preferences, circumstances, goals) " +
				"as self-contained sentences with topic tags. Set duplicate_of when an observation repeats an existing one. " +
				opts.Instructions,
		},
	}}
	return s
}

// Scopes implements Store.
func (s *UserMemory) Scopes(id learning.Identity) []learning.Scope {
	if id.UserID == "" {
		return nil
	}
	return []learning.Scope{{Store: learning.StoreUserMemory, Owner: id.UserID}}
}

// Retrieve returns active memories, newest first.
func (s *UserMemory) Retrieve(ctx context.Context, scope learning.Scope, _ string) ([]learning.Record, error) {
	act, err := s.active(ctx, scope)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(act, func(i, j int) bool { return act[i].CreatedAt.After(act[j].CreatedAt) })
	if len(act) > s.limit {
		act = act[:s.limit]
	}
	return act, nil
}

// ToolDefinitions implements Store.
func (s *UserMemory) ToolDefinitions(mode learning.Mode) []server.ServerTool {
	if mode != learning.ModeAgentic {
		return nil
	}
	return memtools.ServerTools(
		memtools.NewAddMemoryTool(s.deps.Engine),
		memtools.NewUpdateMemoryTool(s.deps.Engine),
		memtools.NewDeleteMemoryTool(s.deps.Engine),
	)
}

// ─── SessionContext ─────────────────────────────────────────────────────────

// SessionFields are the session fields; goal only exists with planning.
var SessionFields = []learning.FieldSpec{
	{Name: "summary", Description: "Running summary of the session so far"},
}

// SessionContext keeps one running summary per session.
type SessionContext struct {
	base
	planning bool
}

// NewSessionContext creates the session store.
func NewSessionContext(deps Deps, opts Options) *SessionContext {
	fields := SessionFields
	instr := "Maintain a concise running summary of the session. "
	if opts.Planning {
		fields = append(append([]learning.FieldSpec(nil), SessionFields...),
			learning.FieldSpec{Name: "goal", Description: "What the user is trying to achieve in this session"})
		instr += "Track the session goal, an ordered plan whose steps are pending, done or skipped, " +
			"and append completed work to the progress log. "
	}
	s := &SessionContext{
		base: base{
			deps: deps,
			schema: learning.Schema{
				Store:        learning.StoreSessionContext,
				Kinds:        []learning.Kind{learning.KindSession},
				Fields:       mergeFields(fields, opts.Fields),
				Instructions: instr + opts.Instructions,
			},
		},
		planning: opts.Planning,
	}
	s.accept = func(op *learning.Op) bool {
		if op.Type == learning.OpDelete {
			return false
		}
		op.Type = learning.OpUpdate
		for k := range op.Record.Fields {
			if !s.schema.HasField(k) {
				delete(op.Record.Fields, k)
			}
		}
		if !s.planning {
			op.Record.Plan = nil
			op.Record.Progress = nil
		}
		for i, step := range op.Record.Plan {
			switch step.Status {
			case learning.PlanPending, learning.PlanDone, learning.PlanSkipped:
			default:
				op.Record.Plan[i].Status = learning.PlanPending
			}
		}
		return len(op.Record.Fields) > 0 || op.Record.Plan != nil || len(op.Record.Progress) > 0
	}
	return s
}

// Scopes implements Store.
func (s *SessionContext) Scopes(id learning.Identity) []learning.Scope {
	if id.SessionID == "" {
		return nil
	}
	return []learning.Scope{{Store: learning.StoreSessionContext, Owner: id.SessionID}}
}

// Retrieve returns the single active session record, if any.
func (s *SessionContext) Retrieve(ctx context.Context, scope learning.Scope, _ string) ([]learning.Record, error) {
	act, err := s.active(ctx, scope)
	if err != nil || len(act) == 0 {
		return nil, err
	}
	return act[:1], nil
}

// ToolDefinitions returns nothing: sessions are only learned in the background.
func (s *SessionContext) ToolDefinitions(learning.Mode) []server.ServerTool { return nil }
