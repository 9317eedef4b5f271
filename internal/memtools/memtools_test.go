package memtools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/HendryAvila/learnd/internal/consolidate"
	"github.com/HendryAvila/learnd/internal/drafts"
	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/learning/learningtest"
	"github.com/HendryAvila/learnd/internal/scheduler"
	"github.com/mark3labs/mcp-go/mcp"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

func newTestEngine(t *testing.T) (*consolidate.Engine, *learningtest.Gateway) {
	t.Helper()
	gw := learningtest.NewGateway()
	return consolidate.New(gw), gw
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, tool Tool, args map[string]interface{}) (*mcp.CallToolResult, string) {
	t.Helper()
	res, err := tool.Handle(context.Background(), makeReq(args))
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	return res, resultText(res)
}

func mustSucceed(t *testing.T, tool Tool, args map[string]interface{}) string {
	t.Helper()
	res, text := call(t, tool, args)
	if res.IsError {
		t.Fatalf("%s failed: %s", tool.Definition().Name, text)
	}
	return text
}

func requireParam(t *testing.T, def mcp.Tool, name string) {
	t.Helper()
	for _, r := range def.InputSchema.Required {
		if r == name {
			return
		}
	}
	t.Errorf("%s: %q should be required", def.Name, name)
}

var memScope = learning.Scope{Store: learning.StoreUserMemory, Owner: "u1"}

// ─── Memory tools ────────────────────────────────────────────────────────────

func TestAddMemoryTool(t *testing.T) {
	engine, gw := newTestEngine(t)
	tool := NewAddMemoryTool(engine)

	def := tool.Definition()
	if def.Name != "add_memory" {
		t.Errorf("tool name = %q, want %q", def.Name, "add_memory")
	}
	requireParam(t, def, "user_id")
	requireParam(t, def, "content")

	if res, _ := call(t, tool, map[string]interface{}{"content": "likes tea"}); !res.IsError {
		t.Error("expected error without user_id")
	}
	if res, _ := call(t, tool, map[string]interface{}{"user_id": "u1"}); !res.IsError {
		t.Error("expected error without content")
	}

	text := mustSucceed(t, tool, map[string]interface{}{
		"user_id": "u1", "content": "Prefers green tea in the morning", "topics": "food, habits",
	})
	if !strings.HasPrefix(text, "Saved: ") {
		t.Errorf("unexpected result: %q", text)
	}
	text = mustSucceed(t, tool, map[string]interface{}{"user_id": "u1", "content": "prefers green tea in the morning"})
	if !strings.Contains(text, "Already known") {
		t.Errorf("expected duplicate to be merged, got %q", text)
	}

	active := gw.Active(memScope)
	if len(active) != 1 {
		t.Fatalf("active memories = %d, want 1", len(active))
	}
	if active[0].DuplicateCount != 1 {
		t.Errorf("duplicate count = %d, want 1", active[0].DuplicateCount)
	}
	if got := strings.Join(active[0].Topics, ","); got != "food,habits" {
		t.Errorf("topics = %q", got)
	}
}

func TestUpdateAndDeleteMemoryTools(t *testing.T) {
	engine, gw := newTestEngine(t)
	mustSucceed(t, NewAddMemoryTool(engine), map[string]interface{}{"user_id": "u1", "content": "Lives in Lisbon"})
	id := gw.Active(memScope)[0].ID

	update := NewUpdateMemoryTool(engine)
	text := mustSucceed(t, update, map[string]interface{}{"user_id": "u1", "memory_id": id, "content": "Lives in Porto"})
	if !strings.Contains(text, "Updated: "+id) {
		t.Errorf("unexpected update result: %q", text)
	}
	if got := gw.Active(memScope)[0].Content; got != "Lives in Porto" {
		t.Errorf("content = %q", got)
	}
	if res, _ := call(t, update, map[string]interface{}{"user_id": "u1", "memory_id": "missing", "content": "x"}); !res.IsError {
		t.Error("expected error for unknown memory")
	}

	del := NewDeleteMemoryTool(engine)
	text = mustSucceed(t, del, map[string]interface{}{"user_id": "u1", "memory_id": id})
	if !strings.Contains(text, "Deleted: "+id) {
		t.Errorf("unexpected delete result: %q", text)
	}
	if n := len(gw.Active(memScope)); n != 0 {
		t.Errorf("active after delete = %d", n)
	}
	if res, _ := call(t, del, map[string]interface{}{"user_id": "u1", "memory_id": id}); !res.IsError {
		t.Error("expected error deleting a retired memory")
	}
}

// ─── Profile ────────────────────────────────────────────────────────────────

func TestUpdateProfileTool(t *testing.T) {
	engine, gw := newTestEngine(t)
	fields := []learning.FieldSpec{{Name: "name"}, {Name: "preferred_name"}, {Name: "timezone"}}
	tool := NewUpdateProfileTool(engine, fields)

	props := tool.Definition().InputSchema.Properties
	for _, f := range fields {
		if _, ok := props[f.Name]; !ok {
			t.Errorf("missing %q parameter", f.Name)
		}
	}

	res, text := call(t, tool, map[string]interface{}{"user_id": "u1"})
	if !res.IsError || !strings.Contains(text, "timezone") {
		t.Errorf("expected field list error, got %q", text)
	}

	mustSucceed(t, tool, map[string]interface{}{"user_id": "u1", "name": "Jane Roe"})
	mustSucceed(t, tool, map[string]interface{}{"user_id": "u1", "timezone": "Europe/Madrid", "unknown": "ignored"})

	scope := learning.Scope{Store: learning.StoreUserProfile, Owner: "u1"}
	active := gw.Active(scope)
	if len(active) != 1 {
		t.Fatalf("profiles = %d, want 1", len(active))
	}
	if active[0].Fields["name"] != "Jane Roe" || active[0].Fields["timezone"] != "Europe/Madrid" {
		t.Errorf("fields = %v", active[0].Fields)
	}
	if _, ok := active[0].Fields["unknown"]; ok {
		t.Error("undeclared field was stored")
	}
}

// ─── Entity tools ───────────────────────────────────────────────────────────

func TestEntityTools(t *testing.T) {
	engine, gw := newTestEngine(t)
	scope := learning.Scope{Store: learning.StoreEntityMemory, Owner: learning.EntityOwner("", "Acme")}

	if res, _ := call(t, NewAddEntityFactTool(engine), map[string]interface{}{"fact": "x"}); !res.IsError {
		t.Error("expected error without entity")
	}
	mustSucceed(t, NewAddEntityFactTool(engine), map[string]interface{}{"entity": "Acme", "fact": "Headquartered in Berlin"})

	events := NewAddEntityEventTool(engine)
	if res, _ := call(t, events, map[string]interface{}{"entity": "Acme", "event": "IPO", "occurred_at": "last week"}); !res.IsError {
		t.Error("expected error for unparseable date")
	}
	mustSucceed(t, events, map[string]interface{}{"entity": "Acme", "event": "Series B closed", "occurred_at": "2025-11-03"})

	rel := NewAddEntityRelationshipTool(engine)
	if res, _ := call(t, rel, map[string]interface{}{"entity": "Acme", "predicate": "acquired"}); !res.IsError {
		t.Error("expected error without object")
	}
	mustSucceed(t, rel, map[string]interface{}{"entity": "Acme", "predicate": "acquired", "object": "Widgets Inc"})

	active := gw.Active(scope)
	if len(active) != 3 {
		t.Fatalf("active entity records = %d, want 3", len(active))
	}
	var event, relationship learning.Record
	for _, r := range active {
		switch r.Kind {
		case learning.KindEvent:
			event = r
		case learning.KindRelationship:
			relationship = r
		}
	}
	if want := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC); !event.OccurredAt.Equal(want) {
		t.Errorf("occurred_at = %v, want %v", event.OccurredAt, want)
	}
	if relationship.Triple == nil || relationship.Triple.Subject != "Acme" {
		t.Errorf("triple = %+v", relationship.Triple)
	}

	mustSucceed(t, NewDeleteEntityRecordTool(engine), map[string]interface{}{"entity": "Acme", "record_id": event.ID})
	if n := len(gw.Active(scope)); n != 2 {
		t.Errorf("active after delete = %d, want 2", n)
	}
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{"2026-01-02", "2026-01-02T10:30", "2026-01-02T10:30:00Z"} {
		if _, err := ParseTime(in); err != nil {
			t.Errorf("ParseTime(%q): %v", in, err)
		}
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error")
	}
}

// ─── Knowledge tools ────────────────────────────────────────────────────────

type fakeSearcher struct {
	results []learning.Record
	err     error
	gotNS   string
	gotK    int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, ns string, k int) ([]learning.Record, error) {
	f.gotNS, f.gotK = ns, k
	if k < len(f.results) {
		return f.results[:k], f.err
	}
	return f.results, f.err
}

func TestSaveAndSearchLearning(t *testing.T) {
	engine, gw := newTestEngine(t)
	save := NewSaveLearningTool(engine)
	requireParam(t, save.Definition(), "title")
	requireParam(t, save.Definition(), "insight")

	if res, _ := call(t, save, map[string]interface{}{"title": "Only a title"}); !res.IsError {
		t.Error("expected error without insight")
	}
	mustSucceed(t, save, map[string]interface{}{
		"title": "Pin base images", "insight": "Pin Docker base images by digest", "namespace": "infra", "confidence": 0.9,
	})
	active := gw.Active(learning.Scope{Store: learning.StoreLearnedKnowledge, Owner: "infra"})
	if len(active) != 1 || active[0].Confidence != 0.9 {
		t.Fatalf("unexpected knowledge: %+v", active)
	}

	searcher := &fakeSearcher{results: active}
	search := NewSearchLearningsTool(searcher)
	text := mustSucceed(t, search, map[string]interface{}{"query": "docker", "namespace": "infra"})
	if !strings.Contains(text, "Pin base images") || searcher.gotNS != "infra" {
		t.Errorf("unexpected search result %q (ns %q)", text, searcher.gotNS)
	}

	mustSucceed(t, search, map[string]interface{}{"query": "docker"})
	if searcher.gotNS != learning.DefaultNamespace {
		t.Errorf("namespace = %q, want default", searcher.gotNS)
	}

	searcher.results = nil
	if text := mustSucceed(t, search, map[string]interface{}{"query": "nothing"}); !strings.Contains(text, "No learnings found") {
		t.Errorf("unexpected empty result %q", text)
	}
	searcher.err = errors.New("index down")
	if res, _ := call(t, search, map[string]interface{}{"query": "x"}); !res.IsError {
		t.Error("expected search error")
	}
}

func TestSearchLearningsHintsAtMoreResults(t *testing.T) {
	searcher := &fakeSearcher{results: []learning.Record{
		{ID: "k1", Kind: learning.KindKnowledge, Title: "first"},
		{ID: "k2", Kind: learning.KindKnowledge, Title: "second"},
		{ID: "k3", Kind: learning.KindKnowledge, Title: "third"},
	}}
	search := NewSearchLearningsTool(searcher)

	text := mustSucceed(t, search, map[string]interface{}{"query": "x", "limit": float64(2)})
	if searcher.gotK != 3 {
		t.Errorf("searched with k=%d, want 3", searcher.gotK)
	}
	if strings.Contains(text, "third") || !strings.Contains(text, "Found 2 learnings") {
		t.Errorf("limit not applied: %q", text)
	}
	if !strings.Contains(text, "Showing the first 2") {
		t.Errorf("expected navigation hint, got %q", text)
	}

	text = mustSucceed(t, search, map[string]interface{}{"query": "x", "limit": float64(3)})
	if strings.Contains(text, "Showing the first") {
		t.Errorf("unexpected hint when everything fits: %q", text)
	}
}

type fakeRecords map[string]learning.Record

func (f fakeRecords) GetRecord(_ context.Context, id string) (*learning.Record, error) {
	r, ok := f[id]
	if !ok {
		return nil, learning.ErrNotFound
	}
	return &r, nil
}

func TestRecordTool(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	tool := NewRecordTool(fakeRecords{
		"r1": {ID: "r1", Scope: memScope, Kind: learning.KindMemory, Status: learning.StatusActive,
			Content: "Works remotely from Porto", DuplicateCount: 2,
			History: []learning.FieldChange{{Field: "content", Old: "Works remotely from Lisbon", New: "Works remotely from Porto", ChangedAt: at}}},
		"r2": {ID: "r2", Scope: memScope, Kind: learning.KindMemory, Status: learning.StatusTombstoned,
			CanonicalRef: "r1", Content: "works remotely from porto"},
	})
	requireParam(t, tool.Definition(), "record_id")

	text := mustSucceed(t, tool, map[string]interface{}{"record_id": "r1"})
	for _, want := range []string{"Works remotely from Porto", "Duplicates folded in**: 2", "Lisbon", "2026-03-01 09:30"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in %q", want, text)
		}
	}
	text = mustSucceed(t, tool, map[string]interface{}{"record_id": "r2"})
	if !strings.Contains(text, "tombstoned") || !strings.Contains(text, "Merged into**: r1") {
		t.Errorf("unexpected tombstone view %q", text)
	}
	if res, _ := call(t, tool, map[string]interface{}{"record_id": "nope"}); !res.IsError {
		t.Error("expected error for unknown record")
	}
	if res, _ := call(t, tool, nil); !res.IsError {
		t.Error("expected error without record_id")
	}
}

type fakeProposer struct {
	scope learning.Scope
	diff  learning.Diff
	err   error
}

func (f *fakeProposer) Propose(_ context.Context, scope learning.Scope, diff learning.Diff, _ string) (string, error) {
	f.scope, f.diff = scope, diff
	return "ref-1", f.err
}

func TestProposeLearningTool(t *testing.T) {
	p := &fakeProposer{}
	tool := NewProposeLearningTool(p)
	text := mustSucceed(t, tool, map[string]interface{}{"title": "Warm caches", "insight": "Warm the cache before cutover"})
	if !strings.Contains(text, "ref_id: ref-1") {
		t.Errorf("unexpected result %q", text)
	}
	if p.scope.Owner != learning.DefaultNamespace || len(p.diff.Ops) != 1 {
		t.Errorf("unexpected proposal %+v %+v", p.scope, p.diff)
	}

	p.err = learning.ErrUnsupportedMode
	if res, _ := call(t, tool, map[string]interface{}{"title": "a", "insight": "b"}); !res.IsError {
		t.Error("expected error from proposer")
	}
}

// ─── Lifecycle tools ────────────────────────────────────────────────────────

type fakeMachine struct {
	bundle    *learning.Bundle
	gotID     learning.Identity
	gotQuery  string
	turns     []learning.Turn
	drafts    []drafts.Draft
	confirmed []string
	rejectErr error
	jobs      map[string]scheduler.Job
}

func (f *fakeMachine) Retrieve(_ context.Context, id learning.Identity, query string) *learning.Bundle {
	f.gotID, f.gotQuery = id, query
	return f.bundle
}

func (f *fakeMachine) OnTurnComplete(_ context.Context, turn learning.Turn) []string {
	f.turns = append(f.turns, turn)
	return []string{"job-1", "job-2"}
}

func (f *fakeMachine) Confirm(_ context.Context, ref string) (learning.CommitResult, error) {
	if ref != "ref-1" {
		return learning.CommitResult{}, learning.ErrDraftNotFound
	}
	f.confirmed = append(f.confirmed, ref)
	return learning.CommitResult{Inserted: []string{"k1"}}, nil
}

func (f *fakeMachine) Reject(context.Context, string) error { return f.rejectErr }

func (f *fakeMachine) Drafts(context.Context, learning.Scope) ([]drafts.Draft, error) {
	return f.drafts, nil
}

func (f *fakeMachine) Job(id string) (scheduler.Job, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeMachine) Stats() scheduler.Stats { return scheduler.Stats{Pending: 2, Done: 5, Failed: 1} }

func TestRetrieveTool(t *testing.T) {
	m := &fakeMachine{bundle: &learning.Bundle{}}
	tool := NewRetrieveTool(m)

	text := mustSucceed(t, tool, map[string]interface{}{"user_id": "u1", "entities": "Acme, Globex", "query": "deploy"})
	if text != "Nothing learned yet." {
		t.Errorf("unexpected empty result %q", text)
	}
	if len(m.gotID.Entities) != 2 || m.gotID.Entities[1] != "Globex" || m.gotQuery != "deploy" {
		t.Errorf("identity not parsed: %+v", m.gotID)
	}

	m.bundle = &learning.Bundle{
		Profile: &learning.Record{Kind: learning.KindProfile, Fields: map[string]string{"name": "Jane Roe"}, Status: learning.StatusActive},
		Stale:   true,
	}
	text = mustSucceed(t, tool, map[string]interface{}{"user_id": "u1"})
	if !strings.Contains(text, "Jane Roe") || !strings.Contains(text, "last known state") {
		t.Errorf("unexpected result %q", text)
	}
}

func TestTurnCompleteTool(t *testing.T) {
	m := &fakeMachine{}
	tool := NewTurnCompleteTool(m)
	requireParam(t, tool.Definition(), "user_message")

	if res, _ := call(t, tool, map[string]interface{}{"user_id": "u1"}); !res.IsError {
		t.Error("expected error without user_message")
	}
	text := mustSucceed(t, tool, map[string]interface{}{
		"user_id": "u1", "session_id": "s1", "user_message": "hi", "assistant_response": "hello",
	})
	if !strings.Contains(text, "job-1, job-2") {
		t.Errorf("unexpected result %q", text)
	}
	if len(m.turns) != 1 || m.turns[0].SessionID != "s1" || m.turns[0].AssistantResponse != "hello" {
		t.Errorf("turn not forwarded: %+v", m.turns)
	}
}

func TestDraftTools(t *testing.T) {
	m := &fakeMachine{}
	list := NewDraftsTool(m)
	if text := mustSucceed(t, list, nil); !strings.Contains(text, "No pending proposals") {
		t.Errorf("unexpected result %q", text)
	}
	m.drafts = []drafts.Draft{{
		RefID:     "ref-1",
		ExpiresAt: time.Now().Add(time.Hour),
		Diff: learning.Diff{Ops: []learning.Op{{Type: learning.OpAdd, Record: learning.Record{
			Kind: learning.KindKnowledge, Title: "Warm caches", Content: "Warm the cache before cutover",
		}}}},
	}}
	if text := mustSucceed(t, list, nil); !strings.Contains(text, "ref-1") || !strings.Contains(text, "Warm caches") {
		t.Errorf("unexpected listing %q", text)
	}

	confirm := NewConfirmTool(m)
	if text := mustSucceed(t, confirm, map[string]interface{}{"ref_id": "ref-1"}); !strings.Contains(text, "Saved: k1") {
		t.Errorf("unexpected confirm result %q", text)
	}
	if res, _ := call(t, confirm, map[string]interface{}{"ref_id": "gone"}); !res.IsError {
		t.Error("expected error for unknown draft")
	}

	reject := NewRejectTool(m)
	mustSucceed(t, reject, map[string]interface{}{"ref_id": "ref-2"})
	m.rejectErr = learning.ErrDraftNotFound
	if res, _ := call(t, reject, map[string]interface{}{"ref_id": "ref-2"}); !res.IsError {
		t.Error("expected error for unknown draft")
	}
}

func TestStatusTool(t *testing.T) {
	m := &fakeMachine{jobs: map[string]scheduler.Job{
		"job-1": {ID: "job-1", Store: learning.StoreUserMemory, Scope: memScope, Status: scheduler.StatusFailed, Error: "boom"},
	}}
	tool := NewStatusTool(m, nil)

	text := mustSucceed(t, tool, nil)
	if !strings.Contains(text, "2 pending") || !strings.Contains(text, "1 failed") {
		t.Errorf("unexpected status %q", text)
	}
	text = mustSucceed(t, tool, map[string]interface{}{"job_id": "job-1"})
	if !strings.Contains(text, "failed") || !strings.Contains(text, "boom") {
		t.Errorf("unexpected job status %q", text)
	}
	if res, _ := call(t, tool, map[string]interface{}{"job_id": "nope"}); !res.IsError {
		t.Error("expected error for unknown job")
	}
}
