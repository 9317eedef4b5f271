package memtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memory"
	"github.com/mark3labs/mcp-go/mcp"
)

// Proposer stores a diff as a draft awaiting confirmation.
type Proposer interface {
	Propose(ctx context.Context, scope learning.Scope, diff learning.Diff, turnID string) (string, error)
}

func knowledgeScope(req mcp.CallToolRequest) learning.Scope {
	ns := strings.TrimSpace(req.GetString("namespace", ""))
	if ns == "" {
		ns = learning.DefaultNamespace
	}
	return learning.Scope{Store: learning.StoreLearnedKnowledge, Owner: ns}
}

func learningOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short, searchable title (e.g. 'Retry flaky payment API')"),
		),
		mcp.WithString("insight",
			mcp.Required(),
			mcp.Description("The reusable lesson itself"),
		),
		mcp.WithString("context",
			mcp.Description("When the insight applies"),
		),
		mcp.WithString("topics",
			mcp.Description("Comma-separated topic tags"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Confidence between 0 and 1"),
			mcp.Min(0),
			mcp.Max(1),
		),
		mcp.WithString("namespace",
			mcp.Description("Knowledge namespace (default: global)"),
		),
	}
}

func learningRecord(req mcp.CallToolRequest, source string) (learning.Record, error) {
	title := strings.TrimSpace(req.GetString("title", ""))
	insight := strings.TrimSpace(req.GetString("insight", ""))
	if title == "" {
		return learning.Record{}, fmt.Errorf("'title' is required")
	}
	if insight == "" {
		return learning.Record{}, fmt.Errorf("'insight' is required")
	}
	return learning.Record{
		Kind:       learning.KindKnowledge,
		Title:      title,
		Content:    insight,
		Context:    strings.TrimSpace(req.GetString("context", "")),
		Topics:     topicsArg(req),
		Confidence: floatArg(req, "confidence", 0),
		Provenance: source,
	}, nil
}

// ─── SaveLearningTool ───────────────────────────────────────────────────────

// SaveLearningTool handles the save_learning MCP tool.
type SaveLearningTool struct {
	engine Applier
}

// NewSaveLearningTool creates a SaveLearningTool.
func NewSaveLearningTool(engine Applier) *SaveLearningTool {
	return &SaveLearningTool{engine: engine}
}

// Definition returns the MCP tool definition for save_learning.
func (t *SaveLearningTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Save a reusable insight to the shared knowledge base. Call this after solving something " +
				"non-obvious that will help in future conversations. Near-duplicates are merged.",
		),
	}, learningOptions()...)
	return mcp.NewTool("save_learning", opts...)
}

// Handle processes the save_learning tool call.
func (t *SaveLearningTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rec, err := learningRecord(req, "save_learning")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := t.engine.Apply(ctx, knowledgeScope(req), learning.Diff{Ops: []learning.Op{{Type: learning.OpAdd, Record: rec}}})
	return applyResult(res, err, "save learning")
}

// ─── SearchLearningsTool ────────────────────────────────────────────────────

// SearchLearningsTool handles the search_learnings MCP tool.
type SearchLearningsTool struct {
	searcher learning.Searcher
}

// NewSearchLearningsTool creates a SearchLearningsTool.
func NewSearchLearningsTool(searcher learning.Searcher) *SearchLearningsTool {
	return &SearchLearningsTool{searcher: searcher}
}

// Definition returns the MCP tool definition for search_learnings.
func (t *SearchLearningsTool) Definition() mcp.Tool {
	return mcp.NewTool("search_learnings",
		mcp.WithDescription("Search the knowledge base for insights relevant to the current task."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("What you are looking for"),
		),
		mcp.WithString("namespace",
			mcp.Description("Knowledge namespace (default: global)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 5)"),
		),
		mcp.WithString("detail_level",
			mcp.Description("summary, standard (default) or full"),
			mcp.Enum(memory.DetailLevelValues()...),
		),
	)
}

// Handle processes the search_learnings tool call.
func (t *SearchLearningsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	limit := intArg(req, "limit", 5)
	if limit <= 0 {
		limit = 5
	}
	detail := memory.ParseDetailLevel(req.GetString("detail_level", ""))

	// One extra result tells whether the limit cut anything off.
	results, err := t.searcher.Search(ctx, query, knowledgeScope(req).Owner, limit+1)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No learnings found for: %q", query)), nil
	}
	more := len(results) > limit
	if more {
		results = results[:limit]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d learnings:\n\n", len(results))
	for i, r := range results {
		switch detail {
		case memory.DetailSummary:
			fmt.Fprintf(&sb, "[%d] %s - %s\n", i+1, r.ID, r.Title)
		case memory.DetailFull:
			fmt.Fprintf(&sb, "[%d] %s - %s\n    %s\n", i+1, r.ID, r.Title, r.Content)
			if r.Context != "" {
				fmt.Fprintf(&sb, "    When: %s\n", r.Context)
			}
			if len(r.Topics) > 0 {
				fmt.Fprintf(&sb, "    Topics: %s\n", strings.Join(r.Topics, ", "))
			}
			sb.WriteString("\n")
		default:
			fmt.Fprintf(&sb, "[%d] %s - %s\n    %s\n\n", i+1, r.ID, r.Title, memory.Truncate(r.Content, 300))
		}
	}
	out := sb.String()
	out += memory.NavigationHint(len(results), more, "Raise limit or narrow the query to see the rest.")
	if detail == memory.DetailSummary {
		out += memory.SummaryFooter
	}
	out += memory.TokenFooter(memory.EstimateTokens(out))
	return mcp.NewToolResultText(out), nil
}

// ─── ProposeLearningTool ────────────────────────────────────────────────────

// ProposeLearningTool handles the propose_learning MCP tool.
type ProposeLearningTool struct {
	proposer Proposer
}

// NewProposeLearningTool creates a ProposeLearningTool.
func NewProposeLearningTool(proposer Proposer) *ProposeLearningTool {
	return &ProposeLearningTool{proposer: proposer}
}

// Definition returns the MCP tool definition for propose_learning.
func (t *ProposeLearningTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Propose a reusable insight for the knowledge base. The proposal is saved only after a human " +
				"confirms it with learn_confirm; until then it is invisible to retrieval.",
		),
	}, learningOptions()...)
	return mcp.NewTool("propose_learning", opts...)
}

// Handle processes the propose_learning tool call.
func (t *ProposeLearningTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rec, err := learningRecord(req, "propose_learning")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref, err := t.proposer.Propose(ctx, knowledgeScope(req), learning.Diff{Ops: []learning.Op{{Type: learning.OpAdd, Record: rec}}}, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to propose learning: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Proposed %q for confirmation.\nref_id: %s", rec.Title, ref)), nil
}
