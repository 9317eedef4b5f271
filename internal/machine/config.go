package machine

import (
	"fmt"
	"time"

	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memory"
	"github.com/HendryAvila/learnd/internal/scheduler"
	"github.com/HendryAvila/learnd/internal/stores"
)

// StoreConfig enables one store in one mode.
type StoreConfig struct {
	Mode    learning.Mode
	Options stores.Options
}

// Config is the machine configuration. New copies it; later changes to
// the caller's value have no effect.
type Config struct {
	// Stores lists the enabled stores. Stores not present are disabled.
	Stores map[learning.StoreType]StoreConfig

	Workers       int
	MaxQueueDepth int
	MaxRequeues   int

	// ExtractBackoff bounds extractor retries within one job.
	ExtractBackoff learning.Backoff

	// MaxPendingTurns caps how many turns of failed jobs are carried into
	// the next extraction for a scope.
	MaxPendingTurns int

	// SnapshotTTL is how long a last-good retrieval snapshot may be served
	// during a storage outage.
	SnapshotTTL time.Duration

	// DetailLevel is used by BeforeRun when formatting the bundle.
	DetailLevel string
}

// DefaultConfig enables every store: background learning for the user,
// session and entity stores and tool-driven learning for knowledge.
func DefaultConfig() Config {
	return Config{
		Stores: map[learning.StoreType]StoreConfig{
			learning.StoreUserProfile:      {Mode: learning.ModeAlways},
			learning.StoreUserMemory:       {Mode: learning.ModeAlways},
			learning.StoreSessionContext:   {Mode: learning.ModeAlways},
			learning.StoreEntityMemory:     {Mode: learning.ModeAlways},
			learning.StoreLearnedKnowledge: {Mode: learning.ModeAgentic},
		},
		Workers:         scheduler.DefaultWorkers,
		MaxQueueDepth:   scheduler.DefaultMaxDepth,
		MaxRequeues:     scheduler.DefaultMaxRequeues,
		ExtractBackoff:  learning.DefaultBackoff,
		MaxPendingTurns: 20,
		SnapshotTTL:     time.Hour,
		DetailLevel:     memory.DetailStandard,
	}
}

// Validate checks every enabled store against the mode matrix.
func (c Config) Validate() error {
	for t, sc := range c.Stores {
		if stores.SupportedModes(t) == nil {
			return fmt.Errorf("machine: unknown store %q", t)
		}
		if !stores.Supports(t, sc.Mode) {
			return fmt.Errorf("machine: %s does not support mode %q: %w", t, sc.Mode, learning.ErrUnsupportedMode)
		}
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Stores = make(map[learning.StoreType]StoreConfig, len(c.Stores))
	for t, sc := range c.Stores {
		sc.Options.Fields = append([]learning.FieldSpec(nil), sc.Options.Fields...)
		out.Stores[t] = sc
	}
	return out
}
