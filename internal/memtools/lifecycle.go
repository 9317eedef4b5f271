package memtools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/HendryAvila/learnd/internal/drafts"
	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memory"
	"github.com/HendryAvila/learnd/internal/scheduler"
	"github.com/mark3labs/mcp-go/mcp"
)

// Retriever composes the learned bundle for an identity.
type Retriever interface {
	Retrieve(ctx context.Context, id learning.Identity, query string) *learning.Bundle
}

// TurnRecorder receives completed turns.
type TurnRecorder interface {
	OnTurnComplete(ctx context.Context, turn learning.Turn) []string
}

// Confirmer owns PROPOSE drafts.
type Confirmer interface {
	Confirm(ctx context.Context, refID string) (learning.CommitResult, error)
	Reject(ctx context.Context, refID string) error
	Drafts(ctx context.Context, scope learning.Scope) ([]drafts.Draft, error)
}

// JobInspector exposes background job state.
type JobInspector interface {
	Job(id string) (scheduler.Job, bool)
	Stats() scheduler.Stats
}

// StatsSource reports storage counters.
type StatsSource interface {
	Stats(ctx context.Context) (*memory.Stats, error)
}

func identityOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("user_id",
			mcp.Description("User the turn belongs to"),
		),
		mcp.WithString("session_id",
			mcp.Description("Current session ID"),
		),
		mcp.WithString("namespace",
			mcp.Description("Knowledge and entity namespace (default: global)"),
		),
		mcp.WithString("entities",
			mcp.Description("Comma-separated entities the conversation is about"),
		),
	}
}

func identityArg(req mcp.CallToolRequest) learning.Identity {
	id := learning.Identity{
		UserID:    strings.TrimSpace(req.GetString("user_id", "")),
		SessionID: strings.TrimSpace(req.GetString("session_id", "")),
		Namespace: strings.TrimSpace(req.GetString("namespace", "")),
	}
	list := req.GetStringSlice("entities", nil)
	if len(list) == 0 {
		if raw := req.GetString("entities", ""); raw != "" {
			list = strings.Split(raw, ",")
		}
	}
	for _, e := range list {
		if e = strings.TrimSpace(e); e != "" {
			id.Entities = append(id.Entities, e)
		}
	}
	return id
}

// ─── RetrieveTool ────────────────────────────────────────────────────────────

// RetrieveTool handles the learn_retrieve MCP tool.
type RetrieveTool struct {
	retriever Retriever
}

// NewRetrieveTool creates a RetrieveTool.
func NewRetrieveTool(r Retriever) *RetrieveTool {
	return &RetrieveTool{retriever: r}
}

// Definition returns the MCP tool definition for learn_retrieve.
func (t *RetrieveTool) Definition() mcp.Tool {
	opts := append(identityOptions(),
		mcp.WithDescription(
			"Get everything learned about the user, session, entities and namespace. "+
				"Call at the start of a conversation. Background learning that is still running is not waited for.",
		),
		mcp.WithString("query",
			mcp.Description("Current request, used to pick relevant learned knowledge"),
		),
		mcp.WithString("detail_level",
			mcp.Description("Level of detail: summary, standard (default) or full"),
			mcp.Enum(memory.DetailLevelValues()...),
		),
	)
	return mcp.NewTool("learn_retrieve", opts...)
}

// Handle processes the learn_retrieve tool call.
func (t *RetrieveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := identityArg(req)
	detail := memory.ParseDetailLevel(req.GetString("detail_level", ""))

	b := t.retriever.Retrieve(ctx, id, req.GetString("query", ""))
	if b == nil || b.Empty() {
		if b != nil && b.Stale {
			return mcp.NewToolResultText("Learning storage is unavailable and nothing is cached yet."), nil
		}
		return mcp.NewToolResultText("Nothing learned yet."), nil
	}

	out := memory.FormatBundle(b, detail)
	if detail != memory.DetailFull {
		out += memory.TokenFooter(memory.EstimateTokens(out))
	}
	return mcp.NewToolResultText(out), nil
}

// ─── TurnCompleteTool ───────────────────────────────────────────────────────

// TurnCompleteTool handles the learn_turn_complete MCP tool.
type TurnCompleteTool struct {
	recorder TurnRecorder
}

// NewTurnCompleteTool creates a TurnCompleteTool.
func NewTurnCompleteTool(r TurnRecorder) *TurnCompleteTool {
	return &TurnCompleteTool{recorder: r}
}

// Definition returns the MCP tool definition for learn_turn_complete.
func (t *TurnCompleteTool) Definition() mcp.Tool {
	opts := append(identityOptions(),
		mcp.WithDescription(
			"Report a finished turn so it can be learned from in the background. "+
				"Returns immediately with the IDs of the scheduled learning jobs.",
		),
		mcp.WithString("user_message",
			mcp.Required(),
			mcp.Description("What the user said"),
		),
		mcp.WithString("assistant_response",
			mcp.Description("What the assistant answered"),
		),
		mcp.WithString("turn_id",
			mcp.Description("Stable turn ID (generated when omitted)"),
		),
	)
	return mcp.NewTool("learn_turn_complete", opts...)
}

// Handle processes the learn_turn_complete tool call.
func (t *TurnCompleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg := strings.TrimSpace(req.GetString("user_message", ""))
	if msg == "" {
		return mcp.NewToolResultError("'user_message' is required"), nil
	}

	ids := t.recorder.OnTurnComplete(ctx, learning.Turn{
		Identity:          identityArg(req),
		ID:                req.GetString("turn_id", ""),
		UserMessage:       msg,
		AssistantResponse: req.GetString("assistant_response", ""),
	})
	if len(ids) == 0 {
		return mcp.NewToolResultText("No background learning scheduled."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Scheduled %d learning job(s): %s", len(ids), strings.Join(ids, ", "))), nil
}

// ─── Drafts ─────────────────────────────────────────────────────────────────

// DraftsTool handles the learn_drafts MCP tool.
type DraftsTool struct {
	confirmer Confirmer
}

// NewDraftsTool creates a DraftsTool.
func NewDraftsTool(c Confirmer) *DraftsTool {
	return &DraftsTool{confirmer: c}
}

// Definition returns the MCP tool definition for learn_drafts.
func (t *DraftsTool) Definition() mcp.Tool {
	return mcp.NewTool("learn_drafts",
		mcp.WithDescription("List proposed learnings waiting for the user's confirmation."),
		mcp.WithString("namespace",
			mcp.Description("Knowledge namespace (default: global)"),
		),
	)
}

// Handle processes the learn_drafts tool call.
func (t *DraftsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := knowledgeScope(req)
	list, err := t.confirmer.Drafts(ctx, scope)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list drafts: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No pending proposals in %q.", scope.Owner)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Pending proposals (%d)\n\n", len(list))
	for _, d := range list {
		fmt.Fprintf(&sb, "### %s (expires %s)\n", d.RefID, d.ExpiresAt.Format("2006-01-02 15:04"))
		for _, op := range d.Diff.Ops {
			r := op.Record
			if r.Title != "" {
				fmt.Fprintf(&sb, "- **%s**: %s\n", r.Title, r.Content)
			} else {
				fmt.Fprintf(&sb, "- %s\n", r.Text())
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Ask the user, then call learn_confirm or learn_reject with the ref ID.")
	return mcp.NewToolResultText(sb.String()), nil
}

// ConfirmTool handles the learn_confirm MCP tool.
type ConfirmTool struct {
	confirmer Confirmer
}

// NewConfirmTool creates a ConfirmTool.
func NewConfirmTool(c Confirmer) *ConfirmTool {
	return &ConfirmTool{confirmer: c}
}

// Definition returns the MCP tool definition for learn_confirm.
func (t *ConfirmTool) Definition() mcp.Tool {
	return mcp.NewTool("learn_confirm",
		mcp.WithDescription("Save a proposed learning after the user approved it."),
		mcp.WithString("ref_id",
			mcp.Required(),
			mcp.Description("Reference ID of the proposal"),
		),
	)
}

// Handle processes the learn_confirm tool call.
func (t *ConfirmTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := strings.TrimSpace(req.GetString("ref_id", ""))
	if ref == "" {
		return mcp.NewToolResultError("'ref_id' is required"), nil
	}
	res, err := t.confirmer.Confirm(ctx, ref)
	return applyResult(res, err, "confirm proposal")
}

// RejectTool handles the learn_reject MCP tool.
type RejectTool struct {
	confirmer Confirmer
}

// NewRejectTool creates a RejectTool.
func NewRejectTool(c Confirmer) *RejectTool {
	return &RejectTool{confirmer: c}
}

// Definition returns the MCP tool definition for learn_reject.
func (t *RejectTool) Definition() mcp.Tool {
	return mcp.NewTool("learn_reject",
		mcp.WithDescription("Discard a proposed learning the user declined. It is never saved."),
		mcp.WithString("ref_id",
			mcp.Required(),
			mcp.Description("Reference ID of the proposal"),
		),
	)
}

// Handle processes the learn_reject tool call.
func (t *RejectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := strings.TrimSpace(req.GetString("ref_id", ""))
	if ref == "" {
		return mcp.NewToolResultError("'ref_id' is required"), nil
	}
	if err := t.confirmer.Reject(ctx, ref); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reject proposal: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Proposal %s discarded.", ref)), nil
}

// ─── StatusTool ─────────────────────────────────────────────────────────────

// StatusTool handles the learn_status MCP tool.
type StatusTool struct {
	jobs  JobInspector
	store StatsSource
}

// NewStatusTool creates a StatusTool. store may be nil.
func NewStatusTool(jobs JobInspector, store StatsSource) *StatusTool {
	return &StatusTool{jobs: jobs, store: store}
}

// Definition returns the MCP tool definition for learn_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("learn_status",
		mcp.WithDescription(
			"Show background learning status: queued and finished jobs and stored record counts. "+
				"Pass job_id to inspect one job.",
		),
		mcp.WithString("job_id",
			mcp.Description("Job ID returned by learn_turn_complete"),
		),
	)
}

// Handle processes the learn_status tool call.
func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := strings.TrimSpace(req.GetString("job_id", "")); id != "" {
		job, ok := t.jobs.Job(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("job %s not found (it may have aged out of history)", id)), nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "## Job %s\n\n", job.ID)
		fmt.Fprintf(&sb, "- **Store**: %s\n", job.Store)
		fmt.Fprintf(&sb, "- **Scope**: %s\n", job.Scope.Owner)
		fmt.Fprintf(&sb, "- **Status**: %s\n", job.Status)
		fmt.Fprintf(&sb, "- **Turns**: %d\n", len(job.Turns))
		if job.MergedInto != "" {
			fmt.Fprintf(&sb, "- **Merged into**: %s\n", job.MergedInto)
		}
		if job.Error != "" {
			fmt.Fprintf(&sb, "- **Error**: %s\n", job.Error)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}

	s := t.jobs.Stats()
	var sb strings.Builder
	sb.WriteString("## Learning Status\n\n")
	fmt.Fprintf(&sb, "- **Jobs**: %d pending, %d running across %d scope(s)\n", s.Pending, s.Running, s.Scopes)
	fmt.Fprintf(&sb, "- **Finished**: %d done, %d failed, %d coalesced, %d cancelled\n", s.Done, s.Failed, s.Coalesced, s.Cancelled)
	if s.Requeued > 0 {
		fmt.Fprintf(&sb, "- **Re-queued on contention**: %d\n", s.Requeued)
	}

	if t.store != nil {
		st, err := t.store.Stats(ctx)
		if err != nil {
			fmt.Fprintf(&sb, "- **Records**: unavailable (%v)\n", err)
		} else {
			types := make([]string, 0, len(st.Active))
			for k := range st.Active {
				types = append(types, string(k))
			}
			sort.Strings(types)
			fmt.Fprintf(&sb, "- **Scopes**: %d\n", st.Scopes)
			for _, k := range types {
				typ := learning.StoreType(k)
				fmt.Fprintf(&sb, "- **%s**: %d active, %d superseded\n", k, st.Active[typ], st.Tombstoned[typ])
			}
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ─── RecordTool ─────────────────────────────────────────────────────────────

// RecordGetter loads one record by ID whatever its status.
type RecordGetter interface {
	GetRecord(ctx context.Context, id string) (*learning.Record, error)
}

// RecordTool handles the learn_record MCP tool.
type RecordTool struct {
	records RecordGetter
}

// NewRecordTool creates a RecordTool.
func NewRecordTool(records RecordGetter) *RecordTool {
	return &RecordTool{records: records}
}

// Definition returns the MCP tool definition for learn_record.
func (t *RecordTool) Definition() mcp.Tool {
	return mcp.NewTool("learn_record",
		mcp.WithDescription(
			"Show one stored record by ID, including superseded ones: its status, the canonical record "+
				"it was merged into and the history of changed values.",
		),
		mcp.WithString("record_id",
			mcp.Required(),
			mcp.Description("Record ID as shown by learn_retrieve or search_learnings"),
		),
	)
}

// Handle processes the learn_record tool call.
func (t *RecordTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("record_id", ""))
	if id == "" {
		return mcp.NewToolResultError("'record_id' is required"), nil
	}
	r, err := t.records.GetRecord(ctx, id)
	if errors.Is(err, learning.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("record %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("loading record failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Record %s\n\n", r.ID)
	fmt.Fprintf(&sb, "- **Store**: %s\n", r.Scope.Store)
	fmt.Fprintf(&sb, "- **Scope**: %s\n", r.Scope.Owner)
	fmt.Fprintf(&sb, "- **Kind**: %s\n", r.Kind)
	fmt.Fprintf(&sb, "- **Status**: %s\n", r.Status)
	if r.CanonicalRef != "" {
		fmt.Fprintf(&sb, "- **Merged into**: %s\n", r.CanonicalRef)
	}
	if r.DuplicateCount > 0 {
		fmt.Fprintf(&sb, "- **Duplicates folded in**: %d\n", r.DuplicateCount)
	}
	if r.Title != "" {
		fmt.Fprintf(&sb, "- **Title**: %s\n", r.Title)
	}
	if text := r.Text(); text != "" {
		fmt.Fprintf(&sb, "\n%s\n", text)
	}
	if len(r.History) > 0 {
		sb.WriteString("\n### History\n\n")
		for _, h := range r.History {
			fmt.Fprintf(&sb, "- %s %s: %q → %q\n", h.ChangedAt.Format("2006-01-02 15:04"), h.Field, h.Old, h.New)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}
