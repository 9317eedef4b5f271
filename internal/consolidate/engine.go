// Package consolidate applies typed diffs to a scope's canonical record set.
//
// Every Apply runs under an exclusive per-scope lock, re-reads the scope
// from the gateway, plans the whole change set in memory and commits it in
// one atomic batch. Tool handlers and background jobs share the same locks,
// so synchronous and asynchronous writers of one scope never interleave.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/HendryAvila/learnd/internal/learning"
)

const instrumentation = "github.com/HendryAvila/learnd/internal/consolidate"

// DefaultLockTimeout bounds how long Apply waits for a busy scope.
const DefaultLockTimeout = 5 * time.Second

// Observer is told about every committed change set, in commit order per
// scope. It runs while the scope lock is still held and must not call
// back into the engine for the same scope.
type Observer func(ctx context.Context, result learning.CommitResult)

// Engine is the single writer of canonical record sets.
type Engine struct {
	gw          learning.Gateway
	policy      Policy
	lockTimeout time.Duration
	persist     learning.Backoff
	logger      *slog.Logger
	observers   []Observer
	normalize   func(learning.Record) learning.Record
	now         func() time.Time
	newID       func() string

	tracer     trace.Tracer
	applied    metric.Int64Counter
	duplicates metric.Int64Counter

	mu     sync.Mutex
	locks  map[string]*scopeLock
	lastTS time.Time
}

// scopeLock is a one-slot semaphore shared by the callers currently
// holding or waiting for a scope. It is dropped when refs reaches zero.
type scopeLock struct {
	ch   chan struct{}
	refs int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the similarity policy for dedup-eligible kinds.
func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

// WithLockTimeout sets how long Apply waits for the scope lock before
// returning learning.ErrConflict.
func WithLockTimeout(d time.Duration) Option { return func(e *Engine) { e.lockTimeout = d } }

// WithPersistBackoff sets the retry policy for gateway failures.
func WithPersistBackoff(b learning.Backoff) Option { return func(e *Engine) { e.persist = b } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithObserver registers a commit observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides record ID generation.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// New creates an Engine writing through gw.
func New(gw learning.Gateway, opts ...Option) *Engine {
	e := &Engine{
		gw:          gw,
		policy:      TokenOverlap{Threshold: DefaultOverlapThreshold},
		lockTimeout: DefaultLockTimeout,
		persist:     learning.DefaultBackoff,
		logger:      slog.Default(),
		now:         time.Now,
		newID:       uuid.NewString,
		locks:       make(map[string]*scopeLock),
		tracer:      otel.Tracer(instrumentation),
	}
	for _, opt := range opts {
		opt(e)
	}
	if n, ok := gw.(learning.Normalizer); ok {
		e.normalize = n.Normalize
	}

	meter := otel.Meter(instrumentation)
	var err error
	e.applied, err = meter.Int64Counter("learning_consolidate_applied",
		metric.WithDescription("Apply calls that committed at least one write"))
	if err != nil {
		e.logger.Warn("otel counter", "name", "learning_consolidate_applied", "error", err)
	}
	e.duplicates, err = meter.Int64Counter("learning_consolidate_duplicates",
		metric.WithDescription("candidates tombstoned as duplicates of a canonical record"))
	if err != nil {
		e.logger.Warn("otel counter", "name", "learning_consolidate_duplicates", "error", err)
	}
	return e
}

// Apply commits diff to scope. Any invalid operation (unknown target,
// missing payload, update of an append-only kind) fails the whole call
// with learning.ErrNotFound or learning.ErrInvalidOp and nothing is written.
func (e *Engine) Apply(ctx context.Context, scope learning.Scope, diff learning.Diff) (learning.CommitResult, error) {
	return e.apply(ctx, scope, diff, true)
}

// ApplyLenient is Apply for extractor output: invalid operations are
// logged and skipped instead of failing the call.
func (e *Engine) ApplyLenient(ctx context.Context, scope learning.Scope, diff learning.Diff) (learning.CommitResult, error) {
	return e.apply(ctx, scope, diff, false)
}

func (e *Engine) apply(ctx context.Context, scope learning.Scope, diff learning.Diff, strict bool) (learning.CommitResult, error) {
	ctx, span := e.tracer.Start(ctx, "consolidate.apply", trace.WithAttributes(
		attribute.String("learning.store", string(scope.Store)),
		attribute.String("learning.scope", scope.Key()),
		attribute.Int("learning.ops", len(diff.Ops)),
	))
	defer span.End()

	result := learning.CommitResult{Scope: scope}
	if diff.Empty() {
		return result, nil
	}

	unlock, err := e.lock(ctx, scope)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	defer unlock()

	var existing []learning.Record
	if _, err := e.persist.Retry(ctx, retryable, func(ctx context.Context) error {
		var getErr error
		existing, getErr = e.gw.Get(ctx, scope)
		return getErr
	}); err != nil {
		err = fmt.Errorf("%w: read %s: %v", learning.ErrPersistence, scope, err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	p := newPlan(e, scope, existing)
	for i, op := range diff.Ops {
		if err := p.apply(ctx, op); err != nil {
			if errors.Is(err, learning.ErrInvalidOp) || errors.Is(err, learning.ErrNotFound) {
				if strict {
					span.SetStatus(codes.Error, err.Error())
					return result, fmt.Errorf("consolidate: op %d: %w", i, err)
				}
				e.logger.Warn("skipping invalid operation",
					"scope", scope.Key(), "op", i, "type", op.Type, "error", err)
				continue
			}
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("consolidate: op %d: %w", i, err)
		}
	}

	batch, result := p.build()
	if batch.Len() == 0 {
		return result, nil
	}

	attempts, err := e.persist.Retry(ctx, retryable, func(ctx context.Context) error {
		return e.gw.Commit(ctx, scope, batch)
	})
	if err != nil {
		e.logger.Warn("commit failed", "scope", scope.Key(), "attempts", attempts, "error", err)
		err = fmt.Errorf("%w: commit %s after %d attempts: %v", learning.ErrPersistence, scope, attempts, err)
		span.SetStatus(codes.Error, err.Error())
		return learning.CommitResult{Scope: scope}, err
	}

	if e.applied != nil {
		e.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("store", string(scope.Store))))
	}
	if e.duplicates != nil && len(result.Merged) > 0 {
		e.duplicates.Add(ctx, int64(len(result.Merged)), metric.WithAttributes(attribute.String("store", string(scope.Store))))
	}
	span.SetAttributes(
		attribute.Int("learning.inserted", len(result.Inserted)),
		attribute.Int("learning.tombstoned", len(result.Tombstoned)),
	)
	e.logger.Debug("committed",
		"scope", scope.Key(),
		"inserted", len(result.Inserted),
		"updated", len(result.Updated),
		"tombstoned", len(result.Tombstoned))

	for _, o := range e.observers {
		o(ctx, result)
	}
	return result, nil
}

// retryable stops retries once the caller has given up.
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ─── Scope locks ────────────────────────────────────────────────────────────

func (e *Engine) lock(ctx context.Context, scope learning.Scope) (func(), error) {
	key := scope.Key()
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &scopeLock{ch: make(chan struct{}, 1)}
		e.locks[key] = l
	}
	l.refs++
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, key)
		}
		e.mu.Unlock()
	}

	var timeout <-chan time.Time
	if e.lockTimeout > 0 {
		t := time.NewTimer(e.lockTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-timeout:
		release()
		return nil, fmt.Errorf("%w: %s busy for %s", learning.ErrConflict, scope, e.lockTimeout)
	case <-ctx.Done():
		release()
		return nil, fmt.Errorf("consolidate: wait for %s: %w", scope, ctx.Err())
	}
}

// lockCount reports how many scope locks are currently tracked.
func (e *Engine) lockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.locks)
}

// stamp returns a strictly increasing timestamp so records created in one
// Apply keep their operation order.
func (e *Engine) stamp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.now().UTC()
	if !t.After(e.lastTS) {
		t = e.lastTS.Add(time.Nanosecond)
	}
	e.lastTS = t
	return t
}
