package drafts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/HendryAvila/learnd/internal/learning"
)

// Memory is an in-process Store. Expired drafts are dropped on access and by
// a background sweep.
type Memory struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	drafts map[string]Draft

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption { return func(m *Memory) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MemoryOption { return func(m *Memory) { m.logger = l } }

// NewMemory creates a Memory store. A sweep interval of zero disables the
// background sweeper.
func NewMemory(ttl, sweepEvery time.Duration, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
		drafts: make(map[string]Draft),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if sweepEvery > 0 {
		go m.sweepLoop(sweepEvery)
	} else {
		close(m.done)
	}
	return m
}

func (m *Memory) sweepLoop(every time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep drops expired drafts and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, d := range m.drafts {
		if m.expired(d, now) {
			delete(m.drafts, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored drafts, expired ones not yet swept
// included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.drafts)
}

// expired must be called with mu held.
func (m *Memory) expired(d Draft, now time.Time) bool {
	if now.Before(d.ExpiresAt) {
		return false
	}
	m.logger.Debug("proposal expired", "ref_id", d.RefID, "scope", d.Scope.Key())
	return true
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, d Draft) (Draft, error) {
	if d.RefID == "" {
		return Draft{}, fmt.Errorf("drafts: empty ref id")
	}
	now := m.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.ExpiresAt.IsZero() {
		d.ExpiresAt = now.Add(m.ttl)
	}
	if !d.ExpiresAt.After(now) {
		return Draft{}, fmt.Errorf("drafts: %s expired: %w", d.RefID, learning.ErrDraftNotFound)
	}
	m.mu.Lock()
	m.drafts[d.RefID] = d
	m.mu.Unlock()
	return d, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, refID string) (Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(refID)
}

// live must be called with mu held.
func (m *Memory) live(refID string) (Draft, error) {
	d, ok := m.drafts[refID]
	if !ok {
		return Draft{}, fmt.Errorf("drafts: %s: %w", refID, learning.ErrDraftNotFound)
	}
	if m.expired(d, m.now()) {
		delete(m.drafts, refID)
		return Draft{}, fmt.Errorf("drafts: %s expired: %w", refID, learning.ErrDraftNotFound)
	}
	return d, nil
}

// Take implements Store.
func (m *Memory) Take(_ context.Context, refID string) (Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.live(refID)
	if err != nil {
		return Draft{}, err
	}
	delete(m.drafts, refID)
	return d, nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, refID string) error {
	_, err := m.Take(ctx, refID)
	return err
}

// List implements Store.
func (m *Memory) List(_ context.Context, scope learning.Scope) ([]Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Draft
	for id, d := range m.drafts {
		if d.Scope != scope {
			continue
		}
		if m.expired(d, now) {
			delete(m.drafts, id)
			continue
		}
		out = append(out, d)
	}
	sortDrafts(out)
	return out, nil
}

// Close stops the sweeper.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

func sortDrafts(ds []Draft) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].RefID < ds[j].RefID
	})
}
