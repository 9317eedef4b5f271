package scheduler

import (
	"time"

	"github.com/HendryAvila/learnd/internal/learning"
)

// Status is the lifecycle state of a job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusCoalesced Status = "coalesced"
)

// Finished reports whether the job will never run again.
func (s Status) Finished() bool {
	return s != StatusPending && s != StatusRunning
}

// Job is one background extraction for one scope.
type Job struct {
	ID            string             `json:"id"`
	Store         learning.StoreType `json:"store"`
	Scope         learning.Scope     `json:"scope"`
	TriggerTurnID string             `json:"trigger_turn_id"`

	// Turns is the accumulated turn context in trigger order. It holds more
	// than one turn after coalescing or when retrying earlier failed turns.
	Turns []learning.Turn `json:"turns"`

	// Propose marks jobs whose output becomes a draft instead of a commit.
	Propose bool `json:"propose,omitempty"`

	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	Requeues   int       `json:"requeues,omitempty"`
	Coalesced  int       `json:"coalesced,omitempty"`
	MergedInto string    `json:"merged_into,omitempty"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// seq is the enqueue order; it survives requeues.
	seq uint64
}

func (j *Job) snapshot() Job {
	c := *j
	c.Turns = append([]learning.Turn(nil), j.Turns...)
	return c
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Scopes    int `json:"scopes"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Coalesced int `json:"coalesced"`
	Cancelled int `json:"cancelled"`
}
