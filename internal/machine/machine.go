// Package machine is the root orchestrator of the learning subsystem. It
// dispatches completed turns to the enabled stores according to their mode,
// composes retrieval bundles, and owns the confirmation channel for
// PROPOSE-mode drafts.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/learnd/internal/consolidate"
	"github.com/HendryAvila/learnd/internal/drafts"
	"github.com/HendryAvila/learnd/internal/extractor"
	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memory"
	"github.com/HendryAvila/learnd/internal/scheduler"
	"github.com/HendryAvila/learnd/internal/stores"
)

// Deps are the machine's collaborators. Only Gateway is required.
type Deps struct {
	Gateway   learning.Gateway
	Extractor learning.Extractor
	Searcher  learning.Searcher
	Drafts    drafts.Store

	// Engine is built from Gateway when nil. Pass one to register commit
	// observers.
	Engine *consolidate.Engine
}

// ProposalHandler is told about every draft produced by a PROPOSE job.
type ProposalHandler func(ctx context.Context, d drafts.Draft)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithProposalHandler registers the PROPOSE callback.
func WithProposalHandler(h ProposalHandler) Option { return func(m *Machine) { m.onProposal = h } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// Machine is the learning orchestrator.
type Machine struct {
	cfg        Config
	gw         learning.Gateway
	engine     *consolidate.Engine
	drafts     drafts.Store
	ownDrafts  bool
	sched      *scheduler.Scheduler
	snapshots  *ristretto.Cache
	logger     *slog.Logger
	onProposal ProposalHandler
	now        func() time.Time

	order  []learning.StoreType
	stores map[learning.StoreType]stores.Store
	modes  map[learning.StoreType]learning.Mode

	mu      sync.Mutex
	pending map[string][]learning.Turn // scope key -> turns of failed jobs
}

// New validates cfg, builds the stores and starts the background scheduler.
func New(cfg Config, deps Deps, opts ...Option) (*Machine, error) {
	if deps.Gateway == nil {
		return nil, errors.New("machine: gateway is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:     cfg.clone(),
		gw:      deps.Gateway,
		engine:  deps.Engine,
		drafts:  deps.Drafts,
		logger:  slog.Default(),
		now:     time.Now,
		stores:  make(map[learning.StoreType]stores.Store),
		modes:   make(map[learning.StoreType]learning.Mode),
		pending: make(map[string][]learning.Turn),
	}
	for _, o := range opts {
		o(m)
	}
	if m.engine == nil {
		m.engine = consolidate.New(deps.Gateway, consolidate.WithLogger(m.logger))
	}
	if m.drafts == nil {
		m.drafts = drafts.NewMemory(drafts.DefaultTTL, time.Minute, drafts.WithLogger(m.logger))
		m.ownDrafts = true
	}
	ex := deps.Extractor
	if ex == nil {
		m.logger.Info("no extractor configured, using rule-based extraction")
		ex = extractor.NewRules()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        1e5,
		MaxCost:            1 << 14,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("machine: snapshot cache: %w", err)
	}
	m.snapshots = cache

	sdeps := stores.Deps{
		Gateway:   deps.Gateway,
		Extractor: ex,
		Engine:    m.engine,
		Searcher:  deps.Searcher,
		Proposer:  m,
	}
	for _, t := range learning.AllStoreTypes() {
		sc, ok := m.cfg.Stores[t]
		if !ok {
			continue
		}
		st, err := stores.New(t, sdeps, sc.Options)
		if err != nil {
			return nil, err
		}
		m.order = append(m.order, t)
		m.stores[t] = st
		m.modes[t] = sc.Mode
	}

	m.sched = scheduler.New(m.runJob,
		scheduler.WithWorkers(m.cfg.Workers),
		scheduler.WithMaxDepth(m.cfg.MaxQueueDepth),
		scheduler.WithMaxRequeues(m.cfg.MaxRequeues),
		scheduler.WithLogger(m.logger),
	)
	m.sched.Start(context.Background())
	return m, nil
}

// Store returns an enabled store.
func (m *Machine) Store(t learning.StoreType) (stores.Store, bool) {
	st, ok := m.stores[t]
	return st, ok
}

// Mode returns the configured mode of an enabled store.
func (m *Machine) Mode(t learning.StoreType) (learning.Mode, bool) {
	mode, ok := m.modes[t]
	return mode, ok
}

// ─── Turn dispatch ──────────────────────────────────────────────────────────

// OnTurnComplete dispatches a finished turn to every enabled store and
// returns the ids of the background jobs it enqueued. ALWAYS and PROPOSE
// stores get a job per scope; AGENTIC stores were already written during
// the turn. It never blocks on extraction and never fails the caller.
func (m *Machine) OnTurnComplete(_ context.Context, turn learning.Turn) []string {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.At.IsZero() {
		turn.At = m.now().UTC()
	}

	var ids []string
	for _, t := range m.order {
		mode := m.modes[t]
		if mode == learning.ModeAgentic {
			continue
		}
		for _, scope := range m.stores[t].Scopes(turn.Identity) {
			turns := append(m.takePending(scope), turn)
			id, err := m.sched.Enqueue(scheduler.Job{
				Store:         t,
				Scope:         scope,
				TriggerTurnID: turn.ID,
				Turns:         turns,
				Propose:       mode == learning.ModePropose,
			})
			if err != nil {
				m.logger.Warn("could not schedule extraction", "store", t, "scope", scope.Key(), "error", err)
				m.keepPending(scope, turns)
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Machine) takePending(scope learning.Scope) []learning.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.pending[scope.Key()]
	delete(m.pending, scope.Key())
	return turns
}

// keepPending remembers turns whose extraction could not be committed so
// the next turn on the scope re-extracts them.
func (m *Machine) keepPending(scope learning.Scope, turns []learning.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scope.Key()
	all := append(m.pending[key], turns...)
	if limit := m.cfg.MaxPendingTurns; limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	m.pending[key] = all
}

// PendingTurns returns the turns waiting to be re-extracted for scope.
func (m *Machine) PendingTurns(scope learning.Scope) []learning.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]learning.Turn(nil), m.pending[scope.Key()]...)
}

func retryableExtraction(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// runJob is the scheduler's RunFunc.
func (m *Machine) runJob(ctx context.Context, job *scheduler.Job) error {
	logger := m.logger.With("job_id", job.ID, "store", job.Store, "scope", job.Scope.Key())
	st, ok := m.stores[job.Store]
	if !ok {
		return fmt.Errorf("machine: store %s not enabled", job.Store)
	}

	existing, err := m.gw.Get(ctx, job.Scope)
	if err != nil {
		m.keepPending(job.Scope, job.Turns)
		return fmt.Errorf("machine: read %s: %v: %w", job.Scope, err, learning.ErrPersistence)
	}
	active := learning.ActiveOnly(existing)
	learning.SortByCreated(active)
	text := learning.TurnsText(job.Turns)

	var diff learning.Diff
	attempts, err := m.cfg.ExtractBackoff.Retry(ctx, retryableExtraction, func(ctx context.Context) error {
		var err error
		diff, err = st.Extract(ctx, job.Scope, active, text)
		if err != nil {
			logger.Debug("extraction attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		logger.Warn("extraction failed, turn dropped", "attempts", attempts, "error", err)
		return fmt.Errorf("machine: extract after %d attempts: %v: %w", attempts, err, learning.ErrExtraction)
	}
	if diff.Empty() {
		return nil
	}

	if job.Propose {
		_, err := m.Propose(ctx, job.Scope, diff, job.TriggerTurnID)
		return err
	}

	// ErrConflict passes through untouched so the scheduler requeues.
	res, err := m.engine.ApplyLenient(ctx, job.Scope, diff)
	if err != nil {
		if errors.Is(err, learning.ErrPersistence) {
			m.keepPending(job.Scope, job.Turns)
		}
		return err
	}
	if res.Changed() {
		logger.Debug("learned",
			"inserted", len(res.Inserted), "updated", len(res.Updated), "tombstoned", len(res.Tombstoned))
	}
	return nil
}

// ─── Retrieval ──────────────────────────────────────────────────────────────

// Retrieve composes the active records of every enabled store for id. It
// never waits on background jobs. If storage fails for a scope, that
// scope's last-good snapshot is used and the bundle is marked stale.
func (m *Machine) Retrieve(ctx context.Context, id learning.Identity, query string) *learning.Bundle {
	b := &learning.Bundle{}
	for _, t := range m.order {
		st := m.stores[t]
		for _, scope := range st.Scopes(id) {
			recs := m.retrieveScope(ctx, st, scope, query, b)
			if len(recs) == 0 {
				continue
			}
			switch t {
			case learning.StoreUserProfile:
				r := recs[0]
				b.Profile = &r
			case learning.StoreUserMemory:
				b.Memories = append(b.Memories, recs...)
			case learning.StoreSessionContext:
				r := recs[0]
				b.Session = &r
			case learning.StoreEntityMemory:
				if b.Entities == nil {
					b.Entities = make(map[string][]learning.Record)
				}
				b.Entities[scope.Owner] = recs
			case learning.StoreLearnedKnowledge:
				b.Knowledge = append(b.Knowledge, recs...)
			}
		}
	}
	return b
}

func snapshotKey(scope learning.Scope, query string) string {
	if scope.Store == learning.StoreLearnedKnowledge {
		return scope.Key() + "?" + query
	}
	return scope.Key()
}

func (m *Machine) retrieveScope(ctx context.Context, st stores.Store, scope learning.Scope, query string, b *learning.Bundle) []learning.Record {
	key := snapshotKey(scope, query)
	recs, err := st.Retrieve(ctx, scope, query)
	if err == nil {
		snap := make([]learning.Record, len(recs))
		for i, r := range recs {
			snap[i] = r.Clone()
		}
		m.snapshots.SetWithTTL(key, snap, 1, m.cfg.SnapshotTTL)
		m.snapshots.Wait()
		return recs
	}

	b.Stale = true
	cached, ok := m.snapshots.Get(key)
	if !ok {
		m.logger.Warn("retrieve failed, no snapshot", "scope", scope.Key(), "error", err)
		return nil
	}
	m.logger.Warn("retrieve failed, serving last-good snapshot", "scope", scope.Key(), "error", err)
	snap := cached.([]learning.Record)
	out := make([]learning.Record, len(snap))
	for i, r := range snap {
		out[i] = r.Clone()
	}
	return out
}

// BeforeRun retrieves the bundle for id and formats it for the agent's
// system prompt. It returns "" when nothing is known yet.
func (m *Machine) BeforeRun(ctx context.Context, id learning.Identity, query string) string {
	return memory.FormatBundle(m.Retrieve(ctx, id, query), m.cfg.DetailLevel)
}

// AfterRun is OnTurnComplete under the agent hook name.
func (m *Machine) AfterRun(ctx context.Context, turn learning.Turn) []string {
	return m.OnTurnComplete(ctx, turn)
}

// Tools returns the tool operations of every store enabled in a mode that
// exposes them.
func (m *Machine) Tools() []server.ServerTool {
	var out []server.ServerTool
	for _, t := range m.order {
		out = append(out, m.stores[t].ToolDefinitions(m.modes[t])...)
	}
	return out
}

// ─── Confirmation channel ───────────────────────────────────────────────────

// Propose stores diff as a draft awaiting confirmation and returns its
// ref id. The scope's store must be enabled in PROPOSE mode.
func (m *Machine) Propose(ctx context.Context, scope learning.Scope, diff learning.Diff, turnID string) (string, error) {
	if mode, ok := m.modes[scope.Store]; !ok || mode != learning.ModePropose {
		return "", fmt.Errorf("machine: propose to %s: %w", scope.Store, learning.ErrUnsupportedMode)
	}
	if diff.Empty() {
		return "", fmt.Errorf("machine: propose to %s: empty diff: %w", scope, learning.ErrInvalidOp)
	}

	pending := learning.Diff{Ops: make([]learning.Op, len(diff.Ops))}
	for i, op := range diff.Ops {
		op.Record = op.Record.Clone()
		op.Record.Status = learning.StatusPendingConfirmation
		pending.Ops[i] = op
	}
	d, err := m.drafts.Put(ctx, drafts.Draft{
		RefID:     uuid.NewString(),
		Scope:     scope,
		Diff:      pending,
		TurnID:    turnID,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("machine: save draft: %w", err)
	}
	m.logger.Info("proposal pending confirmation", "ref_id", d.RefID, "scope", scope.Key(), "ops", len(pending.Ops))
	if m.onProposal != nil {
		m.onProposal(ctx, d)
	}
	return d.RefID, nil
}

// Confirm promotes a draft through the consolidation engine, exactly like
// a background commit. A draft that overlaps an existing record is folded
// into it as a duplicate. If the commit fails the draft is kept so the
// confirmation can be retried.
func (m *Machine) Confirm(ctx context.Context, refID string) (learning.CommitResult, error) {
	d, err := m.drafts.Take(ctx, refID)
	if err != nil {
		return learning.CommitResult{}, err
	}
	res, err := m.engine.ApplyLenient(ctx, d.Scope, d.Diff)
	if err != nil {
		if _, perr := m.drafts.Put(ctx, d); perr != nil {
			m.logger.Warn("could not restore draft after failed confirm", "ref_id", refID, "error", perr)
		}
		return learning.CommitResult{}, fmt.Errorf("machine: confirm %s: %w", refID, err)
	}
	m.logger.Info("proposal confirmed", "ref_id", refID, "scope", d.Scope.Key())
	return res, nil
}

// Reject discards a draft permanently.
func (m *Machine) Reject(ctx context.Context, refID string) error {
	if err := m.drafts.Delete(ctx, refID); err != nil {
		return err
	}
	m.logger.Info("proposal rejected", "ref_id", refID)
	return nil
}

// Drafts lists the live drafts of scope.
func (m *Machine) Drafts(ctx context.Context, scope learning.Scope) ([]drafts.Draft, error) {
	return m.drafts.List(ctx, scope)
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

// Job returns a background job by id.
func (m *Machine) Job(id string) (scheduler.Job, bool) { return m.sched.Job(id) }

// Cancel cancels a job that has not started.
func (m *Machine) Cancel(id string) bool { return m.sched.Cancel(id) }

// Stats returns scheduler counters.
func (m *Machine) Stats() scheduler.Stats { return m.sched.Stats() }

// Drain waits until every queued job has finished.
func (m *Machine) Drain(ctx context.Context) error { return m.sched.Drain(ctx) }

// Close drains the scheduler and releases the machine's own resources.
func (m *Machine) Close(ctx context.Context) error {
	err := m.sched.Close(ctx)
	m.snapshots.Close()
	if m.ownDrafts {
		_ = m.drafts.Close()
	}
	return err
}
