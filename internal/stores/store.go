// Package stores implements the five record-type managers of the learning
// subsystem. Each store declares its schema and supported modes, turns
// extractor output into a diff it is allowed to produce, reads its records
// back in its own order, and exposes its AGENTIC tool operations.
package stores

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memtools"
)

// Store is a record-type manager.
type Store interface {
	Type() learning.StoreType
	Modes() []learning.Mode
	Schema() learning.Schema

	// Scopes returns the scopes an identity touches in this store. It is
	// empty when the identity lacks the owner this store is keyed by.
	Scopes(id learning.Identity) []learning.Scope

	// Extract asks the extractor for a diff against existing and drops
	// operations the store does not accept.
	Extract(ctx context.Context, scope learning.Scope, existing []learning.Record, turnText string) (learning.Diff, error)

	// Retrieve returns the active records of scope in store-specific order.
	Retrieve(ctx context.Context, scope learning.Scope, query string) ([]learning.Record, error)

	// ToolDefinitions returns the tools the store exposes in mode.
	ToolDefinitions(mode learning.Mode) []server.ServerTool
}

// Deps are the collaborators shared by every store.
type Deps struct {
	Gateway   learning.Gateway
	Extractor learning.Extractor
	Engine    memtools.Applier
	Searcher  learning.Searcher
	Proposer  memtools.Proposer
}

// Options customize a store.
type Options struct {
	// Fields adds or overrides structured fields (profile, session).
	Fields []learning.FieldSpec `mapstructure:"fields"`
	// Instructions are appended to the extractor instructions.
	Instructions string `mapstructure:"instructions"`
	// Planning enables goal, plan and progress tracking for sessions.
	Planning bool `mapstructure:"planning"`
	// Limit caps how many records Retrieve returns (memories, knowledge).
	Limit int `mapstructure:"limit"`
}

// SupportedModes is the fixed mode matrix.
func SupportedModes(t learning.StoreType) []learning.Mode {
	switch t {
	case learning.StoreUserProfile, learning.StoreUserMemory, learning.StoreEntityMemory:
		return []learning.Mode{learning.ModeAlways, learning.ModeAgentic}
	case learning.StoreSessionContext:
		return []learning.Mode{learning.ModeAlways}
	case learning.StoreLearnedKnowledge:
		return []learning.Mode{learning.ModeAgentic, learning.ModePropose, learning.ModeAlways}
	}
	return nil
}

// Supports reports whether store type t can run in mode m.
func Supports(t learning.StoreType, m learning.Mode) bool {
	for _, s := range SupportedModes(t) {
		if s == m {
			return true
		}
	}
	return false
}

// New builds the store of type t.
func New(t learning.StoreType, deps Deps, opts Options) (Store, error) {
	switch t {
	case learning.StoreUserProfile:
		return NewUserProfile(deps, opts), nil
	case learning.StoreUserMemory:
		return NewUserMemory(deps, opts), nil
	case learning.StoreSessionContext:
		return NewSessionContext(deps, opts), nil
	case learning.StoreEntityMemory:
		return NewEntityMemory(deps, opts), nil
	case learning.StoreLearnedKnowledge:
		return NewLearnedKnowledge(deps, opts), nil
	}
	return nil, fmt.Errorf("stores: unknown store type %q", t)
}

// ─── base ───────────────────────────────────────────────────────────────────

type base struct {
	schema learning.Schema
	deps   Deps
	limit  int

	// accept filters and rewrites one extracted operation in place.
	accept func(op *learning.Op) bool
}

func (b *base) Type() learning.StoreType { return b.schema.Store }
func (b *base) Modes() []learning.Mode { return SupportedModes(b.schema.Store) }
func (b *base) Schema() learning.Schema { return b.schema }

func (b *base) kindAllowed(k learning.Kind) bool {
	for _, allowed := range b.schema.Kinds {
		if allowed == k {
			return true
		}
	}
	return false
}

func (b *base) Extract(ctx context.Context, scope learning.Scope, existing []learning.Record, turnText string) (learning.Diff, error) {
	if b.deps.Extractor == nil {
		return learning.Diff{}, fmt.Errorf("stores: %s: %w: no extractor configured", b.schema.Store, learning.ErrExtraction)
	}
	diff, err := b.deps.Extractor.Extract(ctx, learning.ExtractRequest{
		Store:    b.schema.Store,
		Scope:    scope,
		Existing: existing,
		TurnText: turnText,
		Schema:   b.schema,
	})
	if err != nil {
		return learning.Diff{}, err
	}
	return b.filter(diff), nil
}

func (b *base) filter(diff learning.Diff) learning.Diff {
	out := learning.Diff{Ops: make([]learning.Op, 0, len(diff.Ops))}
	for _, op := range diff.Ops {
		if op.Record.Kind == "" && op.Type != learning.OpDelete && len(b.schema.Kinds) == 1 {
			op.Record.Kind = b.schema.Kinds[0]
		}
		if op.Record.Kind != "" && !b.kindAllowed(op.Record.Kind) {
			continue
		}
		if b.accept != nil && !b.accept(&op) {
			continue
		}
		out.Ops = append(out.Ops, op)
	}
	return out
}

func (b *base) active(ctx context.Context, scope learning.Scope) ([]learning.Record, error) {
	recs, err := b.deps.Gateway.Get(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("stores: read %s: %w", scope, err)
	}
	act := learning.ActiveOnly(recs)
	learning.SortByCreated(act)
	return act, nil
}

func mergeFields(builtin, custom []learning.FieldSpec) []learning.FieldSpec {
	out := append([]learning.FieldSpec(nil), builtin...)
	for _, c := range custom {
		replaced := false
		for i := range out {
			if out[i].Name == c.Name {
				out[i] = c
				replaced = true
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}
