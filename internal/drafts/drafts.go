// Package drafts holds PROPOSE-mode proposals while they wait for a human to
// confirm or reject them. Drafts are never visible to retrieval; they expire
// after a TTL.
package drafts

import (
	"context"
	"time"

	"github.com/HendryAvila/learnd/internal/learning"
)

// DefaultTTL is how long an unanswered proposal is kept.
const DefaultTTL = 24 * time.Hour

// Draft is one pending proposal.
type Draft struct {
	RefID     string         `json:"ref_id"`
	Scope     learning.Scope `json:"scope"`
	Diff      learning.Diff  `json:"diff"`
	TurnID    string         `json:"turn_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Store keeps drafts until they are taken, deleted or expire.
type Store interface {
	// Put saves d. A zero ExpiresAt is set from the store's TTL; a set one
	// is kept, so restoring a taken draft does not extend its life. Putting
	// a draft whose ExpiresAt has passed yields learning.ErrDraftNotFound.
	Put(ctx context.Context, d Draft) (Draft, error)

	// Get returns a live draft or learning.ErrDraftNotFound.
	Get(ctx context.Context, refID string) (Draft, error)

	// Take atomically removes and returns a live draft, so a draft can be
	// confirmed at most once.
	Take(ctx context.Context, refID string) (Draft, error)

	// Delete removes a draft. Missing drafts yield learning.ErrDraftNotFound.
	Delete(ctx context.Context, refID string) error

	// List returns the live drafts of scope, oldest first.
	List(ctx context.Context, scope learning.Scope) ([]Draft, error)

	Close() error
}
