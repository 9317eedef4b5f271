package consolidate_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/learnd/internal/consolidate"
	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/learning/learningtest"
)

var (
	profileScope = learning.Scope{Store: learning.StoreUserProfile, Owner: "u1"}
	memoryScope  = learning.Scope{Store: learning.StoreUserMemory, Owner: "u1"}
	entityScope  = learning.Scope{Store: learning.StoreEntityMemory, Owner: "global/acme"}
)

func newEngine(t *testing.T, gw learning.Gateway, opts ...consolidate.Option) *consolidate.Engine {
	t.Helper()
	n := 0
	var mu sync.Mutex
	base := []consolidate.Option{
		consolidate.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("r%d", n)
		}),
		consolidate.WithPersistBackoff(learning.Backoff{Attempts: 3, BaseDelay: time.Millisecond}),
	}
	return consolidate.New(gw, append(base, opts...)...)
}

func addMemory(text string) learning.Op {
	return learning.Op{Type: learning.OpAdd, Record: learning.Record{Kind: learning.KindMemory, Content: text}}
}

func setFields(kv ...string) learning.Op {
	f := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[kv[i]] = kv[i+1]
	}
	return learning.Op{Type: learning.OpUpdate, Record: learning.Record{Kind: learning.KindProfile, Fields: f}}
}

func apply(t *testing.T, e *consolidate.Engine, scope learning.Scope, ops ...learning.Op) learning.CommitResult {
	t.Helper()
	res, err := e.Apply(context.Background(), scope, learning.Diff{Ops: ops})
	require.NoError(t, err)
	return res
}

// ─── Single-record kinds ────────────────────────────────────────────────────

func TestApply_ProfileFieldAppend(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	apply(t, e, profileScope, setFields("name", "John Doe"))
	apply(t, e, profileScope, setFields("preferred_name", "Johnny"))

	act := gw.Active(profileScope)
	require.Len(t, act, 1)
	assert.Equal(t, map[string]string{"name": "John Doe", "preferred_name": "Johnny"}, act[0].Fields)
}

func TestApply_ProfileChangeKeepsHistory(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	apply(t, e, profileScope, setFields("name", "John Doe"))
	apply(t, e, profileScope, setFields("name", "Jon Doe"))
	apply(t, e, profileScope, setFields("name", "Jon Doe"))

	act := gw.Active(profileScope)
	require.Len(t, act, 1)
	assert.Equal(t, "Jon Doe", act[0].Fields["name"])
	require.Len(t, act[0].History, 1)
	assert.Equal(t, "John Doe", act[0].History[0].Old)
	assert.Equal(t, "Jon Doe", act[0].History[0].New)
}

func TestApply_ProfileEmptyValueRemovesField(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	apply(t, e, profileScope, setFields("name", "Ann", "city", "Oslo"))
	apply(t, e, profileScope, setFields("city", ""))

	act := gw.Active(profileScope)
	require.Len(t, act, 1)
	_, ok := act[0].Fields["city"]
	assert.False(t, ok)
	require.Len(t, act[0].History, 1)
	assert.Equal(t, "Oslo", act[0].History[0].Old)
}

func TestApply_SessionPlanAndProgress(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)
	scope := learning.Scope{Store: learning.StoreSessionContext, Owner: "s1"}

	apply(t, e, scope, learning.Op{Type: learning.OpAdd, Record: learning.Record{
		Kind:   learning.KindSession,
		Fields: map[string]string{"summary": "trip planning", "goal": "book travel"},
		Plan:   []learning.PlanStep{{Step: "dates", Status: learning.PlanPending}},
	}})
	apply(t, e, scope, learning.Op{Type: learning.OpUpdate, Record: learning.Record{
		Kind:     learning.KindSession,
		Plan:     []learning.PlanStep{{Step: "dates", Status: learning.PlanDone}, {Step: "flights", Status: learning.PlanPending}},
		Progress: []string{"picked May 3"},
	}})

	act := gw.Active(scope)
	require.Len(t, act, 1)
	assert.Equal(t, "trip planning", act[0].Fields["summary"])
	require.Len(t, act[0].Plan, 2)
	assert.Equal(t, learning.PlanDone, act[0].Plan[0].Status)
	assert.Equal(t, []string{"picked May 3"}, act[0].Progress)

	require.Len(t, act[0].History, 1)
	h := act[0].History[0]
	assert.Equal(t, "plan", h.Field)
	assert.Equal(t, "dates (pending)", h.Old)
	assert.Equal(t, "dates (done); flights (pending)", h.New)
}

func TestApply_SamePlanIsNoop(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)
	scope := learning.Scope{Store: learning.StoreSessionContext, Owner: "s1"}
	plan := []learning.PlanStep{{Step: "dates", Status: learning.PlanPending}}

	apply(t, e, scope, learning.Op{Type: learning.OpAdd, Record: learning.Record{Kind: learning.KindSession, Plan: plan}})
	res := apply(t, e, scope, learning.Op{Type: learning.OpUpdate, Record: learning.Record{Kind: learning.KindSession, Plan: plan}})

	assert.False(t, res.Changed())
	assert.Empty(t, gw.Active(scope)[0].History)
}

// ─── Dedup ──────────────────────────────────────────────────────────────────

func TestApply_NearDuplicateMemoryTombstoned(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	first := apply(t, e, memoryScope, addMemory("User prefers dark mode in every editor"))
	second := apply(t, e, memoryScope, addMemory("User prefers dark mode in every editor."))

	act := gw.Active(memoryScope)
	require.Len(t, act, 1)
	assert.Equal(t, first.Inserted[0], act[0].ID)
	assert.Equal(t, 1, act[0].DuplicateCount)

	all := gw.All(memoryScope)
	require.Len(t, all, 2)
	dup := all[1]
	assert.Equal(t, learning.StatusTombstoned, dup.Status)
	assert.Equal(t, act[0].ID, dup.CanonicalRef)
	assert.Equal(t, map[string]string{dup.ID: act[0].ID}, second.Merged)
}

func TestApply_DistinctMemoriesBothActive(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	apply(t, e, memoryScope, addMemory("likes hiking in the alps"), addMemory("allergic to peanuts"))
	assert.Len(t, gw.Active(memoryScope), 2)
}

func TestApply_DuplicateWithinOneDiff(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	res := apply(t, e, memoryScope, addMemory("drinks oat milk"), addMemory("Drinks oat milk!"))
	assert.Len(t, gw.Active(memoryScope), 1)
	assert.Len(t, res.Tombstoned, 1)
	assert.Equal(t, 1, gw.Commits(), "one diff must commit as one batch")
}

func TestApply_CanonicalIsEarliestCreated(t *testing.T) {
	gw := learningtest.NewGateway()
	// Everything is a duplicate of everything.
	e := newEngine(t, gw, consolidate.WithPolicy(consolidate.PolicyFunc(
		func(context.Context, learning.Record, learning.Record) (bool, error) { return true, nil })))

	// Seed two actives directly so the engine has to pick between them.
	b := &learning.Batch{}
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Put(learning.Record{ID: "late", Scope: memoryScope, Kind: learning.KindMemory, Status: learning.StatusActive, Content: "x", CreatedAt: t0.Add(time.Hour)})
	b.Put(learning.Record{ID: "early", Scope: memoryScope, Kind: learning.KindMemory, Status: learning.StatusActive, Content: "y", CreatedAt: t0})
	require.NoError(t, gw.Commit(context.Background(), memoryScope, b))

	res := apply(t, e, memoryScope, addMemory("z"))
	for _, canonical := range res.Merged {
		assert.Equal(t, "early", canonical)
	}
}

func TestApply_ExtractorDuplicateHint(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	first := apply(t, e, memoryScope, addMemory("works at Acme as a data engineer"))
	op := addMemory("is employed by Acme Corp in the data team")
	op.DuplicateOf = first.Inserted[0]
	op.Record.Topics = []string{"work"}
	apply(t, e, memoryScope, op)

	act := gw.Active(memoryScope)
	require.Len(t, act, 1)
	assert.Equal(t, []string{"work"}, act[0].Topics)
}

func TestApply_HintToUnknownRecordIgnored(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	op := addMemory("keeps a sourdough starter")
	op.DuplicateOf = "does-not-exist"
	apply(t, e, memoryScope, op)
	assert.Len(t, gw.Active(memoryScope), 1)
}

func TestApply_UpdateIntoDuplicateCollapses(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	res := apply(t, e, memoryScope, addMemory("plays chess on weekends"), addMemory("owns two cats"))
	second := res.Inserted[1]
	apply(t, e, memoryScope, learning.Op{Type: learning.OpUpdate, TargetID: second,
		Record: learning.Record{Kind: learning.KindMemory, Content: "plays chess on weekends"}})

	act := gw.Active(memoryScope)
	require.Len(t, act, 1)
	assert.Equal(t, res.Inserted[0], act[0].ID)
}

func TestApply_UpdateKeepsOldContentInHistory(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	res := apply(t, e, memoryScope, addMemory("lives in Paris"))
	apply(t, e, memoryScope, learning.Op{Type: learning.OpUpdate, TargetID: res.Inserted[0],
		Record: learning.Record{Kind: learning.KindMemory, Content: "moved to Lyon last spring"}})

	act := gw.Active(memoryScope)
	require.Len(t, act, 1)
	assert.Equal(t, "moved to Lyon last spring", act[0].Content)
	require.Len(t, act[0].History, 1)
	assert.Equal(t, "lives in Paris", act[0].History[0].Old)
}

func TestApply_DeleteTombstonesWithoutCanonical(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	res := apply(t, e, memoryScope, addMemory("prefers window seats"))
	apply(t, e, memoryScope, learning.Op{Type: learning.OpDelete, TargetID: res.Inserted[0]})

	assert.Empty(t, gw.Active(memoryScope))
	all := gw.All(memoryScope)
	require.Len(t, all, 1)
	assert.Equal(t, learning.StatusTombstoned, all[0].Status)
	assert.Empty(t, all[0].CanonicalRef)
}

// ─── Entity kinds ───────────────────────────────────────────────────────────

func TestApply_EventsNeverDedupe(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	later := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	apply(t, e, entityScope, learning.Op{Type: learning.OpAdd, Record: learning.Record{Kind: learning.KindEvent, Content: "Acme raised funding", OccurredAt: later}})
	apply(t, e, entityScope, learning.Op{Type: learning.OpAdd, Record: learning.Record{Kind: learning.KindEvent, Content: "Acme raised funding", OccurredAt: earlier}})

	assert.Len(t, gw.Active(entityScope), 2)
}

func TestApply_EventUpdateRejected(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	res := apply(t, e, entityScope, learning.Op{Type: learning.OpAdd, Record: learning.Record{Kind: learning.KindEvent, Content: "launch"}})
	_, err := e.Apply(context.Background(), entityScope, learning.Diff{Ops: []learning.Op{
		{Type: learning.OpUpdate, TargetID: res.Inserted[0], Record: learning.Record{Kind: learning.KindEvent, Content: "relaunch"}},
	}})
	assert.ErrorIs(t, err, learning.ErrInvalidOp)
}

func TestApply_RelationshipExactTripleOnly(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	rel := func(s, p, o string) learning.Op {
		return learning.Op{Type: learning.OpAdd, Record: learning.Record{
			Kind: learning.KindRelationship, Triple: &learning.Triple{Subject: s, Predicate: p, Object: o}}}
	}
	first := apply(t, e, entityScope, rel("Acme", "acquired", "Widgets"))
	dup := apply(t, e, entityScope, rel(" Acme", "acquired", "Widgets "))
	apply(t, e, entityScope, rel("acme", "ACQUIRED", "widgets"))
	apply(t, e, entityScope, rel("Acme", "acquired", "Gadgets"))

	// Only the whitespace variant collapses; a case variant is a distinct triple.
	assert.Equal(t, map[string]string{dup.Tombstoned[0]: first.Inserted[0]}, dup.Merged)
	act := gw.Active(entityScope)
	assert.Len(t, act, 3)
	assert.Len(t, gw.All(entityScope), 4)
}

// ─── Atomicity / errors ─────────────────────────────────────────────────────

func TestApply_StrictInvalidOpWritesNothing(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	_, err := e.Apply(context.Background(), memoryScope, learning.Diff{Ops: []learning.Op{
		addMemory("valid one"),
		{Type: learning.OpDelete, TargetID: "ghost", Record: learning.Record{Kind: learning.KindMemory}},
	}})
	assert.ErrorIs(t, err, learning.ErrNotFound)
	assert.Empty(t, gw.All(memoryScope))
}

func TestApplyLenient_SkipsInvalidOps(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)

	_, err := e.ApplyLenient(context.Background(), memoryScope, learning.Diff{Ops: []learning.Op{
		addMemory("valid one"),
		{Type: learning.OpDelete, TargetID: "ghost", Record: learning.Record{Kind: learning.KindMemory}},
	}})
	require.NoError(t, err)
	assert.Len(t, gw.Active(memoryScope), 1)
}

func TestApply_CommitRetriedThenSucceeds(t *testing.T) {
	gw := learningtest.NewGateway()
	gw.FailCommits(2)
	e := newEngine(t, gw)

	apply(t, e, memoryScope, addMemory("retries work"))
	assert.Len(t, gw.Active(memoryScope), 1)
}

func TestApply_PersistenceExhausted(t *testing.T) {
	gw := learningtest.NewGateway()
	gw.FailCommits(-1)
	e := newEngine(t, gw)

	_, err := e.Apply(context.Background(), memoryScope, learning.Diff{Ops: []learning.Op{addMemory("lost?")}})
	assert.ErrorIs(t, err, learning.ErrPersistence)
	assert.Empty(t, gw.All(memoryScope))
}

func TestApply_LockTimeoutIsConflict(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw, consolidate.WithLockTimeout(20*time.Millisecond))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw.OnCommit = func(learning.Scope, *learning.Batch) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Apply(context.Background(), memoryScope, learning.Diff{Ops: []learning.Op{addMemory("slow writer")}})
		done <- err
	}()
	<-entered

	_, err := e.Apply(context.Background(), memoryScope, learning.Diff{Ops: []learning.Op{addMemory("impatient writer")}})
	assert.ErrorIs(t, err, learning.ErrConflict)

	// A different scope is not blocked.
	_, err = e.Apply(context.Background(), profileScope, learning.Diff{Ops: []learning.Op{setFields("name", "Ann")}})
	assert.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, consolidate.LockCount(e))
}

func TestApply_ConcurrentWritersConverge(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw, consolidate.WithLockTimeout(0))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Apply(context.Background(), memoryScope, learning.Diff{Ops: []learning.Op{addMemory("enjoys jazz concerts")}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	act := gw.Active(memoryScope)
	require.Len(t, act, 1)
	assert.Equal(t, 19, act[0].DuplicateCount)
	assert.Len(t, gw.All(memoryScope), 20)
}

func TestApply_ObserverSeesCommit(t *testing.T) {
	gw := learningtest.NewGateway()
	var seen []learning.CommitResult
	e := newEngine(t, gw, consolidate.WithObserver(func(_ context.Context, r learning.CommitResult) {
		seen = append(seen, r)
	}))

	apply(t, e, memoryScope, addMemory("observer test"))
	require.Len(t, seen, 1)
	assert.Len(t, seen[0].Records, 1)
	assert.True(t, seen[0].Changed())
}

// redactingGateway rewrites content on write the way the sqlite store does.
type redactingGateway struct {
	*learningtest.Gateway
}

func (redactingGateway) Normalize(r learning.Record) learning.Record {
	r.Content = strings.ReplaceAll(r.Content, "hunter2", "[REDACTED]")
	return r
}

func TestApply_ObserverSeesNormalizedRecords(t *testing.T) {
	gw := redactingGateway{learningtest.NewGateway()}
	var seen []learning.Record
	e := newEngine(t, gw, consolidate.WithObserver(func(_ context.Context, r learning.CommitResult) {
		seen = append(seen, r.Records...)
	}))

	apply(t, e, memoryScope, addMemory("wifi password is hunter2"))
	require.Len(t, seen, 1)
	assert.Equal(t, "wifi password is [REDACTED]", seen[0].Content)
	assert.Equal(t, seen[0].Content, gw.Active(memoryScope)[0].Content)
}

func TestApply_ScopeLocksReleased(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw, consolidate.WithLockTimeout(time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope := learning.Scope{Store: learning.StoreUserMemory, Owner: fmt.Sprintf("u%d", i%10)}
			_, err := e.Apply(context.Background(), scope, learning.Diff{Ops: []learning.Op{addMemory(fmt.Sprintf("fact number %d", i))}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, consolidate.LockCount(e))
}

func TestApply_EmptyDiffIsNoop(t *testing.T) {
	gw := learningtest.NewGateway()
	e := newEngine(t, gw)
	res := apply(t, e, memoryScope)
	assert.False(t, res.Changed())
	assert.Equal(t, 0, gw.Gets())
}
