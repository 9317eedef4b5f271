package drafts_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/learnd/internal/drafts"
	"github.com/HendryAvila/learnd/internal/learning"
)

var (
	scopeA = learning.Scope{Store: learning.StoreLearnedKnowledge, Owner: "global"}
	scopeB = learning.Scope{Store: learning.StoreLearnedKnowledge, Owner: "acme"}
)

func draft(ref string, scope learning.Scope, created time.Time) drafts.Draft {
	return drafts.Draft{
		RefID:     ref,
		Scope:     scope,
		TurnID:    "t-" + ref,
		CreatedAt: created,
		Diff: learning.Diff{Ops: []learning.Op{{
			Type:   learning.OpAdd,
			Record: learning.Record{Kind: learning.KindKnowledge, Title: "insight " + ref, Content: "body"},
		}}},
	}
}

// harness builds a store and knows how to move its clock past the TTL.
type harness struct {
	store   drafts.Store
	advance func(d time.Duration)
}

func memoryHarness(t *testing.T, ttl time.Duration) harness {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := drafts.NewMemory(ttl, 0, drafts.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	t.Cleanup(func() { _ = m.Close() })
	return harness{store: m, advance: func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}}
}

func redisHarness(t *testing.T, ttl time.Duration) harness {
	mr := miniredis.RunT(t)
	r, err := drafts.NewRedis(drafts.RedisOptions{URL: fmt.Sprintf("redis://%s", mr.Addr()), TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return harness{store: r, advance: mr.FastForward}
}

func eachStore(t *testing.T, fn func(t *testing.T, h harness)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryHarness(t, time.Hour)) })
	t.Run("redis", func(t *testing.T) { fn(t, redisHarness(t, time.Hour)) })
}

func TestPutGetList(t *testing.T) {
	eachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		saved, err := h.store.Put(ctx, draft("d2", scopeA, t0.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, saved.ExpiresAt.IsZero())
		_, err = h.store.Put(ctx, draft("d1", scopeA, t0))
		require.NoError(t, err)
		_, err = h.store.Put(ctx, draft("d3", scopeB, t0))
		require.NoError(t, err)

		got, err := h.store.Get(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, scopeA, got.Scope)
		assert.Equal(t, "t-d1", got.TurnID)
		require.Len(t, got.Diff.Ops, 1)
		assert.Equal(t, "insight d1", got.Diff.Ops[0].Record.Title)

		list, err := h.store.List(ctx, scopeA)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "d1", list[0].RefID)
		assert.Equal(t, "d2", list[1].RefID)

		_, err = h.store.Put(ctx, drafts.Draft{Scope: scopeA})
		assert.Error(t, err)
	})
}

func TestTakeAndDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		_, err := h.store.Put(ctx, draft("d1", scopeA, time.Now()))
		require.NoError(t, err)
		_, err = h.store.Put(ctx, draft("d2", scopeA, time.Now()))
		require.NoError(t, err)

		d, err := h.store.Take(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "d1", d.RefID)

		_, err = h.store.Take(ctx, "d1")
		assert.ErrorIs(t, err, learning.ErrDraftNotFound)
		_, err = h.store.Get(ctx, "d1")
		assert.ErrorIs(t, err, learning.ErrDraftNotFound)

		require.NoError(t, h.store.Delete(ctx, "d2"))
		assert.ErrorIs(t, h.store.Delete(ctx, "d2"), learning.ErrDraftNotFound)
		assert.ErrorIs(t, h.store.Delete(ctx, "nope"), learning.ErrDraftNotFound)

		list, err := h.store.List(ctx, scopeA)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestTakeIsExclusive(t *testing.T) {
	eachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		_, err := h.store.Put(ctx, draft("d1", scopeA, time.Now()))
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h.store.Take(ctx, "d1"); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		_, err := h.store.Put(ctx, draft("d1", scopeA, time.Now()))
		require.NoError(t, err)

		h.advance(30 * time.Minute)
		_, err = h.store.Get(ctx, "d1")
		require.NoError(t, err)

		h.advance(31 * time.Minute)
		_, err = h.store.Get(ctx, "d1")
		assert.ErrorIs(t, err, learning.ErrDraftNotFound)
		_, err = h.store.Take(ctx, "d1")
		assert.ErrorIs(t, err, learning.ErrDraftNotFound)

		list, err := h.store.List(ctx, scopeA)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestPutKeepsExistingExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		saved, err := h.store.Put(ctx, draft("d1", scopeA, time.Now()))
		require.NoError(t, err)

		taken, err := h.store.Take(ctx, "d1")
		require.NoError(t, err)
		restored, err := h.store.Put(ctx, taken)
		require.NoError(t, err)
		assert.True(t, saved.ExpiresAt.Equal(restored.ExpiresAt), "expiry moved from %s to %s", saved.ExpiresAt, restored.ExpiresAt)

		got, err := h.store.Get(ctx, "d1")
		require.NoError(t, err)
		assert.True(t, saved.ExpiresAt.Equal(got.ExpiresAt))
	})
}

func TestMemoryRestoredDraftKeepsDeadline(t *testing.T) {
	h := memoryHarness(t, time.Hour)
	ctx := context.Background()
	_, err := h.store.Put(ctx, draft("d1", scopeA, time.Now()))
	require.NoError(t, err)

	h.advance(50 * time.Minute)
	taken, err := h.store.Take(ctx, "d1")
	require.NoError(t, err)
	_, err = h.store.Put(ctx, taken)
	require.NoError(t, err)

	h.advance(11 * time.Minute)
	_, err = h.store.Get(ctx, "d1")
	assert.ErrorIs(t, err, learning.ErrDraftNotFound)

	_, err = h.store.Put(ctx, taken)
	assert.ErrorIs(t, err, learning.ErrDraftNotFound)
}

func TestMemorySweep(t *testing.T) {
	h := memoryHarness(t, time.Minute)
	m := h.store.(*drafts.Memory)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.Put(ctx, draft(fmt.Sprintf("d%d", i), scopeA, time.Now()))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, m.Sweep())
	h.advance(2 * time.Minute)
	assert.Equal(t, 3, m.Sweep())
}

func TestMemoryBackgroundSweeper(t *testing.T) {
	m := drafts.NewMemory(time.Millisecond, 5*time.Millisecond)
	defer func() { _ = m.Close() }()

	_, err := m.Put(context.Background(), draft("d1", scopeA, time.Now()))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())
}

func TestNewRedisConnectError(t *testing.T) {
	_, err := drafts.NewRedis(drafts.RedisOptions{URL: "redis://127.0.0.1:1", ConnectTimeout: 50 * time.Millisecond})
	assert.Error(t, err)

	_, err = drafts.NewRedis(drafts.RedisOptions{URL: "::not a url"})
	assert.Error(t, err)
}
