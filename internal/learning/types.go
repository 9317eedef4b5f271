// Package learning holds the domain model shared by every part of the
// learning subsystem: scopes, records, diffs, turns, and the narrow
// interfaces through which the subsystem talks to its collaborators
// (persistence, extraction, knowledge search).
package learning

import (
	"sort"
	"strings"
	"time"
)

// StoreType identifies one of the five record-type managers.
type StoreType string

// Store types.
const (
	StoreUserProfile      StoreType = "user_profile"
	StoreUserMemory       StoreType = "user_memory"
	StoreSessionContext   StoreType = "session_context"
	StoreEntityMemory     StoreType = "entity_memory"
	StoreLearnedKnowledge StoreType = "learned_knowledge"
)

// AllStoreTypes returns the store types in composition order.
func AllStoreTypes() []StoreType {
	return []StoreType{
		StoreUserProfile,
		StoreUserMemory,
		StoreSessionContext,
		StoreEntityMemory,
		StoreLearnedKnowledge,
	}
}

// Mode is the triggering policy of a store.
type Mode string

// Modes.
const (
	ModeAlways  Mode = "always"
	ModeAgentic Mode = "agentic"
	ModePropose Mode = "propose"
)

// ParseMode normalizes a mode string. The second result is false for
// unknown values.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAlways:
		return ModeAlways, true
	case ModeAgentic:
		return ModeAgentic, true
	case ModePropose:
		return ModePropose, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a record.
type Status string

// Record statuses.
const (
	StatusActive              Status = "active"
	StatusTombstoned          Status = "tombstoned"
	StatusPendingConfirmation Status = "pending_confirmation"
)

// Kind discriminates the payload carried by a Record.
type Kind string

// Record kinds.
const (
	KindProfile      Kind = "profile"
	KindMemory       Kind = "memory"
	KindSession      Kind = "session"
	KindFact         Kind = "fact"
	KindEvent        Kind = "event"
	KindRelationship Kind = "relationship"
	KindKnowledge    Kind = "knowledge"
)

// SingleRecord reports whether at most one active record of this kind may
// exist per scope.
func (k Kind) SingleRecord() bool {
	return k == KindProfile || k == KindSession
}

// DedupEligible reports whether records of this kind are clustered by
// similarity.
func (k Kind) DedupEligible() bool {
	return k == KindMemory || k == KindFact || k == KindKnowledge
}

// Scope identifies the owner of a record set. All writes to one scope are
// serialized.
type Scope struct {
	Store StoreType `json:"store"`
	Owner string    `json:"owner"`
}

// Key returns the string form used for locks, queues and cache keys.
func (s Scope) Key() string {
	return string(s.Store) + ":" + s.Owner
}

func (s Scope) String() string { return s.Key() }

// EntityOwner builds the owner key of an entity-memory scope.
func EntityOwner(namespace, entity string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/" + strings.ToLower(strings.TrimSpace(entity))
}

// DefaultNamespace is used when a turn or tool call names no namespace.
const DefaultNamespace = "global"

// PlanStatus is the state of one session plan step.
type PlanStatus string

// Plan step statuses.
const (
	PlanPending PlanStatus = "pending"
	PlanDone    PlanStatus = "done"
	PlanSkipped PlanStatus = "skipped"
)

// PlanStep is one ordered step of a session plan.
type PlanStep struct {
	Step   string     `json:"step"`
	Status PlanStatus `json:"status"`
}

// FormatPlan renders steps as "step (status); step (status)". It is the
// form in which superseded plans are kept in a record's history.
func FormatPlan(steps []PlanStep) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.Step + " (" + string(s.Status) + ")"
	}
	return strings.Join(parts, "; ")
}

// FieldChange preserves a superseded field value.
type FieldChange struct {
	Field      string    `json:"field"`
	Old        string    `json:"old"`
	New        string    `json:"new"`
	ChangedAt  time.Time `json:"changed_at"`
	Provenance string    `json:"provenance,omitempty"`
}

// Triple is a (subject, predicate, object) relationship.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// Equal reports exact equality of all three parts.
func (t Triple) Equal(o Triple) bool {
	return t == o
}

// Trimmed returns t with surrounding whitespace removed from each part.
func (t Triple) Trimmed() Triple {
	return Triple{
		Subject:   strings.TrimSpace(t.Subject),
		Predicate: strings.TrimSpace(t.Predicate),
		Object:    strings.TrimSpace(t.Object),
	}
}

func (t Triple) String() string {
	return t.Subject + " " + t.Predicate + " " + t.Object
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Record is one unit of learned knowledge. Which payload fields are
// meaningful depends on Kind.
type Record struct {
	ID           string `json:"id"`
	Scope        Scope  `json:"scope"`
	Kind         Kind   `json:"kind"`
	Status       Status `json:"status"`
	CanonicalRef string `json:"canonical_ref,omitempty"`

	// Content is the free-text body: memory observation, entity fact or
	// event, knowledge insight.
	Content string   `json:"content,omitempty"`
	Title   string   `json:"title,omitempty"`
	Context string   `json:"context,omitempty"`
	Topics  []string `json:"topics,omitempty"`

	// Fields holds structured profile and session fields.
	Fields   map[string]string `json:"fields,omitempty"`
	History  []FieldChange     `json:"history,omitempty"`
	Plan     []PlanStep        `json:"plan,omitempty"`
	Progress []string          `json:"progress,omitempty"`

	Triple     *Triple   `json:"triple,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`

	DuplicateCount int    `json:"duplicate_count,omitempty"`
	Provenance     string `json:"provenance,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the record is part of the canonical set.
func (r Record) Active() bool { return r.Status == StatusActive }

// Text returns the text used for similarity judgments and search.
func (r Record) Text() string {
	switch r.Kind {
	case KindKnowledge:
		parts := make([]string, 0, 3)
		for _, s := range []string{r.Title, r.Context, r.Content} {
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case KindRelationship:
		if r.Triple != nil {
			return r.Triple.String()
		}
	}
	return r.Content
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	if r.Topics != nil {
		c.Topics = append([]string(nil), r.Topics...)
	}
	if r.Fields != nil {
		c.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	if r.History != nil {
		c.History = append([]FieldChange(nil), r.History...)
	}
	if r.Plan != nil {
		c.Plan = append([]PlanStep(nil), r.Plan...)
	}
	if r.Progress != nil {
		c.Progress = append([]string(nil), r.Progress...)
	}
	if r.Triple != nil {
		t := *r.Triple
		c.Triple = &t
	}
	return c
}

// ActiveOnly filters records down to active ones, preserving order.
func ActiveOnly(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

// SortByCreated orders records by creation time, then ID for stability.
func SortByCreated(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// MergeTopics returns the union of a and b, keeping a's order first.
func MergeTopics(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string(nil), a...), b...) {
		k := norm(t)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(t))
	}
	return out
}
