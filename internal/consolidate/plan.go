package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/HendryAvila/learnd/internal/learning"
)

// plan is the in-memory working copy of one scope during an Apply.
type plan struct {
	e     *Engine
	scope learning.Scope

	records map[string]*learning.Record
	order   []string // creation order, new records appended

	isNew    map[string]bool
	modified map[string]bool
	killed   map[string]bool
	touched  []string

	merged map[string]string
}

func newPlan(e *Engine, scope learning.Scope, existing []learning.Record) *plan {
	sorted := append([]learning.Record(nil), existing...)
	learning.SortByCreated(sorted)

	p := &plan{
		e:        e,
		scope:    scope,
		records:  make(map[string]*learning.Record, len(sorted)),
		isNew:    map[string]bool{},
		modified: map[string]bool{},
		killed:   map[string]bool{},
		merged:   map[string]string{},
	}
	for _, r := range sorted {
		r := r.Clone()
		p.records[r.ID] = &r
		p.order = append(p.order, r.ID)
	}
	return p
}

func (p *plan) touch(id string) {
	if !p.isNew[id] && !p.modified[id] && !p.killed[id] {
		p.touched = append(p.touched, id)
	}
}

func (p *plan) markModified(id string) {
	p.touch(id)
	p.modified[id] = true
	p.records[id].UpdatedAt = p.e.stamp()
}

func (p *plan) kill(id, canonical string) {
	p.touch(id)
	p.killed[id] = true
	r := p.records[id]
	r.Status = learning.StatusTombstoned
	r.CanonicalRef = canonical
	r.UpdatedAt = p.e.stamp()
	if canonical != "" {
		p.merged[id] = canonical
	}
}

func (p *plan) insert(r learning.Record) *learning.Record {
	if r.ID == "" {
		r.ID = p.e.newID()
	}
	r.Scope = p.scope
	r.CreatedAt = p.e.stamp()
	r.UpdatedAt = r.CreatedAt
	if r.Status == "" || r.Status == learning.StatusPendingConfirmation {
		r.Status = learning.StatusActive
	}
	p.records[r.ID] = &r
	p.order = append(p.order, r.ID)
	p.isNew[r.ID] = true
	p.touched = append(p.touched, r.ID)
	return &r
}

// active returns active records of kind in creation order.
func (p *plan) active(kind learning.Kind) []*learning.Record {
	var out []*learning.Record
	for _, id := range p.order {
		r := p.records[id]
		if r.Active() && r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (p *plan) target(op learning.Op) (*learning.Record, error) {
	r, ok := p.records[op.TargetID]
	if op.TargetID == "" || !ok || !r.Active() {
		return nil, fmt.Errorf("%s %q in %s: %w", op.Type, op.TargetID, p.scope, learning.ErrNotFound)
	}
	return r, nil
}

// ─── Dispatch ───────────────────────────────────────────────────────────────

func (p *plan) apply(ctx context.Context, op learning.Op) error {
	kind := op.Record.Kind
	if kind == "" && op.TargetID != "" {
		r, err := p.target(op)
		if err != nil {
			return err
		}
		kind = r.Kind
	}
	if kind == "" {
		return fmt.Errorf("record kind missing: %w", learning.ErrInvalidOp)
	}
	op.Record.Kind = kind

	if op.Type == learning.OpDelete {
		if kind.SingleRecord() && op.TargetID == "" {
			cur := p.single(kind)
			if cur == nil {
				return fmt.Errorf("no active %s in %s: %w", kind, p.scope, learning.ErrNotFound)
			}
			op.TargetID = cur.ID
		}
		r, err := p.target(op)
		if err != nil {
			return err
		}
		p.kill(r.ID, "")
		return nil
	}

	switch {
	case kind.SingleRecord():
		return p.mergeSingle(op)
	case kind == learning.KindEvent:
		return p.appendEvent(op)
	case kind == learning.KindRelationship:
		return p.addRelationship(op)
	case kind.DedupEligible():
		return p.dedupe(ctx, op)
	default:
		return fmt.Errorf("unknown kind %q: %w", kind, learning.ErrInvalidOp)
	}
}

// ─── Single-record kinds ────────────────────────────────────────────────────

func (p *plan) single(kind learning.Kind) *learning.Record {
	act := p.active(kind)
	if len(act) == 0 {
		return nil
	}
	// Collapse any stray extra actives into the earliest.
	for _, extra := range act[1:] {
		p.kill(extra.ID, act[0].ID)
	}
	return act[0]
}

func (p *plan) mergeSingle(op learning.Op) error {
	in := op.Record
	cur := p.single(in.Kind)
	if cur == nil {
		fresh := in.Clone()
		fresh.Fields = map[string]string{}
		for k, v := range in.Fields {
			if v = strings.TrimSpace(v); v != "" {
				fresh.Fields[k] = v
			}
		}
		fresh.History = nil
		if len(fresh.Fields) == 0 && len(fresh.Plan) == 0 && len(fresh.Progress) == 0 {
			return fmt.Errorf("%s without fields: %w", in.Kind, learning.ErrInvalidOp)
		}
		fresh.ID = ""
		p.insert(fresh)
		return nil
	}

	changed := false
	at := p.e.stamp()
	if cur.Fields == nil {
		cur.Fields = map[string]string{}
	}
	for _, k := range sortedFieldNames(in.Fields) {
		v := strings.TrimSpace(in.Fields[k])
		old, had := cur.Fields[k]
		if v == old || (!had && v == "") {
			continue
		}
		if had {
			cur.History = append(cur.History, learning.FieldChange{
				Field: k, Old: old, New: v, ChangedAt: at, Provenance: in.Provenance,
			})
		}
		if v == "" {
			delete(cur.Fields, k)
		} else {
			cur.Fields[k] = v
		}
		changed = true
	}
	if in.Plan != nil {
		old, next := learning.FormatPlan(cur.Plan), learning.FormatPlan(in.Plan)
		if old != next {
			if len(cur.Plan) > 0 {
				cur.History = append(cur.History, learning.FieldChange{
					Field: "plan", Old: old, New: next, ChangedAt: at, Provenance: in.Provenance,
				})
			}
			cur.Plan = append([]learning.PlanStep(nil), in.Plan...)
			changed = true
		}
	}
	for _, entry := range in.Progress {
		if !contains(cur.Progress, entry) {
			cur.Progress = append(cur.Progress, entry)
			changed = true
		}
	}
	if changed {
		if in.Provenance != "" {
			cur.Provenance = in.Provenance
		}
		p.markModified(cur.ID)
	}
	return nil
}

// ─── Append-only events ─────────────────────────────────────────────────────

func (p *plan) appendEvent(op learning.Op) error {
	if op.Type != learning.OpAdd {
		return fmt.Errorf("events are append-only: %w", learning.ErrInvalidOp)
	}
	if strings.TrimSpace(op.Record.Content) == "" {
		return fmt.Errorf("event content empty: %w", learning.ErrInvalidOp)
	}
	ev := op.Record.Clone()
	ev.ID = ""
	r := p.insert(ev)
	if r.OccurredAt.IsZero() {
		r.OccurredAt = r.CreatedAt
	}
	return nil
}

// ─── Relationship triples ───────────────────────────────────────────────────

func (p *plan) addRelationship(op learning.Op) error {
	if op.Type != learning.OpAdd {
		return fmt.Errorf("relationships can only be added or deleted: %w", learning.ErrInvalidOp)
	}
	if op.Record.Triple == nil {
		return fmt.Errorf("relationship needs subject, predicate and object: %w", learning.ErrInvalidOp)
	}
	t := op.Record.Triple.Trimmed()
	if t.Subject == "" || t.Predicate == "" || t.Object == "" {
		return fmt.Errorf("relationship needs subject, predicate and object: %w", learning.ErrInvalidOp)
	}
	for _, r := range p.active(learning.KindRelationship) {
		if r.Triple != nil && r.Triple.Equal(t) {
			p.duplicateOf(op.Record, r)
			return nil
		}
	}
	rel := op.Record.Clone()
	rel.ID = ""
	rel.Triple = &t
	p.insert(rel)
	return nil
}

// ─── Dedup-eligible kinds ───────────────────────────────────────────────────

func (p *plan) dedupe(ctx context.Context, op learning.Op) error {
	switch op.Type {
	case learning.OpAdd:
		if strings.TrimSpace(op.Record.Text()) == "" {
			return fmt.Errorf("%s content empty: %w", op.Record.Kind, learning.ErrInvalidOp)
		}
		canonical, err := p.findCanonical(ctx, op.Record, op.DuplicateOf, "")
		if err != nil {
			return err
		}
		if canonical != nil {
			p.duplicateOf(op.Record, canonical)
			return nil
		}
		cand := op.Record.Clone()
		cand.ID = ""
		p.insert(cand)
		return nil

	case learning.OpUpdate:
		r, err := p.target(op)
		if err != nil {
			return err
		}
		if r.Kind != op.Record.Kind {
			return fmt.Errorf("update %s as %s: %w", r.Kind, op.Record.Kind, learning.ErrInvalidOp)
		}
		p.update(r, op.Record)

		other, err := p.findCanonical(ctx, *r, op.DuplicateOf, r.ID)
		if err != nil {
			return err
		}
		if other != nil {
			p.collapse(r, other)
		}
		return nil

	default:
		return fmt.Errorf("op type %q: %w", op.Type, learning.ErrInvalidOp)
	}
}

// findCanonical returns the earliest active record of the candidate's kind
// that the candidate duplicates. An extractor hint wins when it names an
// active record of the same kind.
func (p *plan) findCanonical(ctx context.Context, cand learning.Record, hint, skip string) (*learning.Record, error) {
	if hint != "" && hint != skip {
		if r, ok := p.records[hint]; ok && r.Active() && r.Kind == cand.Kind {
			return r, nil
		}
	}
	for _, r := range p.active(cand.Kind) {
		if r.ID == skip {
			continue
		}
		same, err := p.e.policy.Similar(ctx, cand, *r)
		if err != nil {
			return nil, fmt.Errorf("similarity: %w", err)
		}
		if same {
			return r, nil
		}
	}
	return nil, nil
}

// duplicateOf records cand as a tombstone of canonical and folds its
// distinguishing detail into the canonical record.
func (p *plan) duplicateOf(cand learning.Record, canonical *learning.Record) {
	t := cand.Clone()
	t.ID = ""
	t.Status = learning.StatusActive
	r := p.insert(t)
	p.kill(r.ID, canonical.ID)
	p.fold(canonical, cand)
}

func (p *plan) fold(canonical *learning.Record, dup learning.Record) {
	canonical.Topics = learning.MergeTopics(canonical.Topics, dup.Topics)
	if dup.Confidence > canonical.Confidence {
		canonical.Confidence = dup.Confidence
	}
	if canonical.Context == "" && dup.Context != "" {
		canonical.Context = dup.Context
	}
	canonical.DuplicateCount += 1 + dup.DuplicateCount
	p.markModified(canonical.ID)
}

// collapse resolves two active duplicates after an update: the later
// created one becomes a tombstone of the earlier.
func (p *plan) collapse(a, b *learning.Record) {
	keep, drop := a, b
	if b.CreatedAt.Before(a.CreatedAt) {
		keep, drop = b, a
	}
	p.kill(drop.ID, keep.ID)
	p.fold(keep, *drop)
}

func (p *plan) update(r *learning.Record, in learning.Record) {
	at := p.e.stamp()
	set := func(field string, dst *string, v string) {
		v = strings.TrimSpace(v)
		if v == "" || v == *dst {
			return
		}
		if *dst != "" {
			r.History = append(r.History, learning.FieldChange{
				Field: field, Old: *dst, New: v, ChangedAt: at, Provenance: in.Provenance,
			})
		}
		*dst = v
	}
	set("content", &r.Content, in.Content)
	set("title", &r.Title, in.Title)
	set("context", &r.Context, in.Context)
	r.Topics = learning.MergeTopics(r.Topics, in.Topics)
	if in.Confidence > 0 {
		r.Confidence = in.Confidence
	}
	if in.Provenance != "" {
		r.Provenance = in.Provenance
	}
	p.markModified(r.ID)
}

// ─── Batch ──────────────────────────────────────────────────────────────────

func (p *plan) build() (*learning.Batch, learning.CommitResult) {
	batch := &learning.Batch{}
	res := learning.CommitResult{Scope: p.scope}
	for _, id := range p.touched {
		r := *p.records[id]
		if p.e.normalize != nil {
			r = p.e.normalize(r)
		}
		switch {
		case p.isNew[id]:
			batch.Put(r)
			res.Inserted = append(res.Inserted, id)
		case p.modified[id]:
			batch.Put(r)
			res.Updated = append(res.Updated, id)
		case p.killed[id]:
			batch.Tombstone(id, r.CanonicalRef)
		}
		if p.killed[id] {
			res.Tombstoned = append(res.Tombstoned, id)
		}
		res.Records = append(res.Records, r)
	}
	if len(p.merged) > 0 {
		res.Merged = p.merged
	}
	return batch, res
}

func sortedFieldNames(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
