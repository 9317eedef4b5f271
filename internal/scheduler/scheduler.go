// Package scheduler runs background extraction jobs.
//
// Each scope has its own FIFO queue. A bounded pool of workers drains the
// queues so that different scopes run in parallel while jobs of one scope
// never overlap and start strictly in trigger order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/HendryAvila/learnd/internal/learning"
)

const instrumentation = "github.com/HendryAvila/learnd/internal/scheduler"

// Defaults.
const (
	DefaultWorkers     = 4
	DefaultMaxDepth    = 8
	DefaultHistorySize = 256
	DefaultMaxRequeues = 20
)

// RunFunc executes one job. Returning an error wrapping learning.ErrConflict
// puts the job back at the end of its scope's queue; any other error marks
// it failed.
type RunFunc func(ctx context.Context, job *Job) error

type scopeQueue struct {
	pending []*Job
	running bool
	ready   bool
}

// Scheduler is a per-scope FIFO job queue with a bounded worker pool.
type Scheduler struct {
	run         RunFunc
	workers     int
	maxDepth    int
	historySize int
	maxRequeues int
	logger      *slog.Logger

	mu       sync.Mutex
	queues   map[string]*scopeQueue
	ready    []string
	jobs     map[string]*Job
	history  []*Job
	stats    Stats
	inflight int
	idle     chan struct{}
	closed   bool
	started  bool
	nextSeq  uint64

	signal chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed metric.Int64Counter
	requeued  metric.Int64Counter
	coalesced metric.Int64Counter
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option { return func(s *Scheduler) { s.workers = n } }

// WithMaxDepth sets the pending depth above which a scope's queue is
// coalesced into a single job. Zero disables coalescing.
func WithMaxDepth(n int) Option { return func(s *Scheduler) { s.maxDepth = n } }

// WithHistorySize bounds how many finished jobs stay inspectable.
func WithHistorySize(n int) Option { return func(s *Scheduler) { s.historySize = n } }

// WithMaxRequeues bounds how often a conflicting job is re-queued before it
// is marked failed.
func WithMaxRequeues(n int) Option { return func(s *Scheduler) { s.maxRequeues = n } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates a stopped Scheduler. Call Start to launch the workers.
func New(run RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		run:         run,
		workers:     DefaultWorkers,
		maxDepth:    DefaultMaxDepth,
		historySize: DefaultHistorySize,
		maxRequeues: DefaultMaxRequeues,
		logger:      slog.Default(),
		queues:      make(map[string]*scopeQueue),
		jobs:        make(map[string]*Job),
		signal:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers <= 0 {
		s.workers = 1
	}

	meter := otel.Meter(instrumentation)
	var err error
	s.completed, err = meter.Int64Counter("learning_jobs_completed")
	if err != nil {
		s.logger.Warn("otel counter", "name", "learning_jobs_completed", "error", err)
	}
	s.requeued, err = meter.Int64Counter("learning_jobs_requeued")
	if err != nil {
		s.logger.Warn("otel counter", "name", "learning_jobs_requeued", "error", err)
	}
	s.coalesced, err = meter.Int64Counter("learning_jobs_coalesced")
	if err != nil {
		s.logger.Warn("otel counter", "name", "learning_jobs_coalesced", "error", err)
	}
	return s
}

// Start launches the worker pool. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.notify()
}

// Enqueue adds job to the back of its scope's queue and returns its ID.
func (s *Scheduler) Enqueue(job Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", learning.ErrClosed
	}

	j := job.snapshot()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Store == "" {
		j.Store = j.Scope.Store
	}
	j.Status = StatusPending
	j.EnqueuedAt = time.Now().UTC()
	s.nextSeq++
	j.seq = s.nextSeq

	key := j.Scope.Key()
	q := s.queues[key]
	if q == nil {
		q = &scopeQueue{}
		s.queues[key] = q
	}
	q.pending = append(q.pending, &j)
	s.jobs[j.ID] = &j
	s.inflight++
	if s.idle == nil {
		s.idle = make(chan struct{})
	}

	if s.maxDepth > 0 && len(q.pending) > s.maxDepth {
		s.coalesceLocked(q)
	}
	s.markReadyLocked(key, q)
	return j.ID, nil
}

// coalesceLocked folds every pending job of q into the earliest enqueued
// one. A requeued job may sit behind later turns, so pending is put back
// into enqueue order first.
func (s *Scheduler) coalesceLocked(q *scopeQueue) {
	sort.SliceStable(q.pending, func(a, b int) bool { return q.pending[a].seq < q.pending[b].seq })
	head := q.pending[0]
	for _, j := range q.pending[1:] {
		head.Turns = append(head.Turns, j.Turns...)
		head.TriggerTurnID = j.TriggerTurnID
		head.Coalesced += 1 + j.Coalesced
		j.MergedInto = head.ID
		s.finishLocked(j, StatusCoalesced, nil)
	}
	q.pending = q.pending[:1]
	if s.coalesced != nil {
		s.coalesced.Add(context.Background(), 1, metric.WithAttributes(attribute.String("store", string(head.Store))))
	}
	s.logger.Debug("coalesced pending jobs", "scope", head.Scope.Key(), "job_id", head.ID, "turns", len(head.Turns))
}

func (s *Scheduler) markReadyLocked(key string, q *scopeQueue) {
	if q.running || q.ready || len(q.pending) == 0 {
		return
	}
	q.ready = true
	s.ready = append(s.ready, key)
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// ─── Workers ────────────────────────────────────────────────────────────────

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		job := s.next()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.signal:
				continue
			}
		}
		s.execute(ctx, job)
	}
}

// next pops the head job of the first ready scope.
func (s *Scheduler) next() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	key := s.ready[0]
	s.ready[0] = ""
	s.ready = s.ready[1:]
	if len(s.ready) > 0 {
		s.notify()
	}

	q := s.queues[key]
	q.ready = false
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.running = true

	job.Status = StatusRunning
	job.Attempts++
	job.StartedAt = time.Now().UTC()
	s.stats.Running++
	return job
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	logger := s.logger.With("job_id", job.ID, "scope", job.Scope.Key(), "store", job.Store)

	err := s.safeRun(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Running--
	key := job.Scope.Key()
	q := s.queues[key]
	q.running = false

	switch {
	case err == nil:
		s.finishLocked(job, StatusDone, nil)
	case errors.Is(err, learning.ErrConflict) && job.Requeues < s.maxRequeues:
		job.Requeues++
		job.Status = StatusPending
		q.pending = append(q.pending, job)
		s.stats.Requeued++
		if s.requeued != nil {
			s.requeued.Add(ctx, 1, metric.WithAttributes(attribute.String("store", string(job.Store))))
		}
		logger.Debug("scope busy, job re-queued", "requeues", job.Requeues)
	default:
		logger.Warn("job failed", "attempts", job.Attempts, "error", err)
		s.finishLocked(job, StatusFailed, err)
	}

	if len(q.pending) == 0 {
		delete(s.queues, key)
		return
	}
	s.markReadyLocked(key, q)
}

func (s *Scheduler) safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job panicked: %v", r)
		}
	}()
	return s.run(ctx, job)
}

func (s *Scheduler) finishLocked(job *Job, status Status, err error) {
	job.Status = status
	job.FinishedAt = time.Now().UTC()
	if err != nil {
		job.Error = err.Error()
	}
	switch status {
	case StatusDone:
		s.stats.Done++
	case StatusFailed:
		s.stats.Failed++
	case StatusCoalesced:
		s.stats.Coalesced++
	case StatusCancelled:
		s.stats.Cancelled++
	}
	if s.completed != nil {
		s.completed.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("store", string(job.Store)),
			attribute.String("status", string(status)),
		))
	}

	delete(s.jobs, job.ID)
	s.history = append(s.history, job)
	if s.historySize > 0 && len(s.history) > s.historySize {
		s.history[0] = nil
		s.history = s.history[1:]
	}

	s.inflight--
	if s.inflight == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// ─── Inspection / control ───────────────────────────────────────────────────

// Cancel removes a job that has not started yet. It reports whether the
// job was cancelled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != StatusPending {
		return false
	}
	key := job.Scope.Key()
	q := s.queues[key]
	for i, j := range q.pending {
		if j.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	s.finishLocked(job, StatusCancelled, nil)
	if len(q.pending) == 0 && !q.running {
		if q.ready {
			s.dropReadyLocked(key)
		}
		delete(s.queues, key)
	}
	return true
}

func (s *Scheduler) dropReadyLocked(key string) {
	for i, k := range s.ready {
		if k == key {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// Job returns a copy of a pending, running or recently finished job.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.snapshot(), true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i].snapshot(), true
		}
	}
	return Job{}, false
}

// Pending returns copies of the pending jobs of scope in queue order.
func (s *Scheduler) Pending(scope learning.Scope) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[scope.Key()]
	if q == nil {
		return nil
	}
	out := make([]Job, 0, len(q.pending))
	for _, j := range q.pending {
		out = append(out, j.snapshot())
	}
	return out
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = 0
	for _, q := range s.queues {
		st.Pending += len(q.pending)
	}
	st.Scopes = len(s.queues)
	return st
}

// Drain blocks until no job is pending or running, or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.inflight == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting jobs, drains what is queued and stops the workers.
// Jobs still queued when ctx expires are abandoned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	started := s.started
	s.mu.Unlock()

	var err error
	if started {
		err = s.Drain(ctx)
		s.cancel()
		s.wg.Wait()
	}
	return err
}
