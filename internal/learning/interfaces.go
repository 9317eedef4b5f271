package learning

import "context"

// Gateway is the narrow persistence interface. Get returns every record of
// the scope, tombstones included. Commit applies a batch atomically: all
// writes succeed or none do.
type Gateway interface {
	Get(ctx context.Context, scope Scope) ([]Record, error)
	Commit(ctx context.Context, scope Scope, batch *Batch) error
}

// Tombstone marks a record as superseded. CanonicalRef is empty for an
// explicit delete.
type Tombstone struct {
	ID           string
	CanonicalRef string
}

// Batch collects the writes of one Apply call.
type Batch struct {
	puts       []Record
	tombstones []Tombstone
}

// Put schedules an insert or full replacement of r.
func (b *Batch) Put(r Record) { b.puts = append(b.puts, r) }

// Tombstone schedules id to be tombstoned.
func (b *Batch) Tombstone(id, canonicalRef string) {
	b.tombstones = append(b.tombstones, Tombstone{ID: id, CanonicalRef: canonicalRef})
}

// Puts returns the scheduled puts in order.
func (b *Batch) Puts() []Record { return b.puts }

// Tombstones returns the scheduled tombstones in order.
func (b *Batch) Tombstones() []Tombstone { return b.tombstones }

// Len is the number of scheduled writes.
func (b *Batch) Len() int { return len(b.puts) + len(b.tombstones) }

// ExtractRequest is the input to one extraction.
type ExtractRequest struct {
	Store    StoreType
	Scope    Scope
	Existing []Record
	TurnText string
	Schema   Schema
}

// Extractor turns turn text plus existing records into a typed diff. It is
// an opaque oracle, usually backed by a language model.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (Diff, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, req ExtractRequest) (Diff, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, req ExtractRequest) (Diff, error) {
	return f(ctx, req)
}

// Normalizer is implemented by gateways that rewrite records on write, for
// example by redacting or truncating content. Normalize must be idempotent.
type Normalizer interface {
	Normalize(r Record) Record
}

// Searcher finds learned knowledge relevant to a query.
type Searcher interface {
	Search(ctx context.Context, query, namespace string, k int) ([]Record, error)
}

// Embedder converts text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
