package stores

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memtools"
)

// DefaultKnowledgeLimit is the top-k used for knowledge retrieval.
const DefaultKnowledgeLimit = 5

// LearnedKnowledge keeps reusable insights shared across users in a namespace.
type LearnedKnowledge struct{ base }

// NewLearnedKnowledge creates the knowledge store.
func NewLearnedKnowledge(deps Deps, opts Options) *LearnedKnowledge {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultKnowledgeLimit
	}
	s := &LearnedKnowledge{base{
		deps:  deps,
		limit: limit,
		schema: learning.Schema{
			Store: learning.StoreLearnedKnowledge,
			Kinds: []learning.Kind{learning.KindKnowledge},
			Instructions: "Extract reusable, non-obvious insights that would help with future tasks for anyone, " +
				"not facts about this user. Give each a short title, the insight, when it applies, and topic tags. " +
				opts.Instructions,
		},
	}}
	s.accept = func(op *learning.Op) bool {
		if op.Type == learning.OpAdd {
			return op.Record.Title != "" || op.Record.Content != ""
		}
		return true
	}
	return s
}

// Scopes returns the identity's namespace.
func (s *LearnedKnowledge) Scopes(id learning.Identity) []learning.Scope {
	return []learning.Scope{{Store: learning.StoreLearnedKnowledge, Owner: id.NamespaceOrDefault()}}
}

// Retrieve returns the top-k insights for query. Without a query, or when
// the searcher fails, the newest active insights are returned instead.
func (s *LearnedKnowledge) Retrieve(ctx context.Context, scope learning.Scope, query string) ([]learning.Record, error) {
	if query != "" && s.deps.Searcher != nil {
		hits, err := s.deps.Searcher.Search(ctx, query, scope.Owner, s.limit)
		if err == nil {
			return learning.ActiveOnly(hits), nil
		}
	}
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

// ToolDefinitions returns save/search in AGENTIC mode and propose/search in
// PROPOSE mode.
func (s *LearnedKnowledge) ToolDefinitions(mode learning.Mode) []server.ServerTool {
	var tools []memtools.Tool
	switch mode {
	case learning.ModeAgentic:
		tools = append(tools, memtools.NewSaveLearningTool(s.deps.Engine))
	case learning.ModePropose:
		if s.deps.Proposer == nil {
			return nil
		}
		tools = append(tools, memtools.NewProposeLearningTool(s.deps.Proposer))
	default:
		return nil
	}
	if s.deps.Searcher != nil {
		tools = append(tools, memtools.NewSearchLearningsTool(s.deps.Searcher))
	}
	return memtools.ServerTools(tools...)
}
