// Package knowledge provides vector search over learned knowledge on top of
// chromem-go, an embedded pure-Go vector database. The index is derived
// state: it is rebuilt from the gateway at startup and kept in sync by
// observing consolidation commits.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/HendryAvila/learnd/internal/learning"
)

// Index is a learning.Searcher over active knowledge records, with one
// collection per namespace.
type Index struct {
	db          *chromem.DB
	embedder    learning.Embedder
	logger      *slog.Logger
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// Option configures an Index.
type Option func(*Index)

// WithEmbedder sets the embedder. The default is a HashEmbedder.
func WithEmbedder(e learning.Embedder) Option { return func(i *Index) { i.embedder = e } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(i *Index) { i.logger = l } }

// New creates an empty in-memory index.
func New(opts ...Option) *Index {
	i := &Index{
		db:          chromem.NewDB(),
		embedder:    NewHashEmbedder(DefaultDimensions),
		logger:      slog.Default(),
		collections: make(map[string]*chromem.Collection),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// collection returns the collection for a namespace, creating it if asked.
func (i *Index) collection(namespace string, create bool) (*chromem.Collection, error) {
	i.mu.RLock()
	col, ok := i.collections[namespace]
	i.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if col, ok := i.collections[namespace]; ok {
		return col, nil
	}
	// Embeddings are always supplied, so no embedding func is needed.
	col, err := i.db.CreateCollection("knowledge_"+namespace, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create collection %q: %w", namespace, err)
	}
	i.collections[namespace] = col
	return col, nil
}

// Upsert indexes an active knowledge record, replacing any previous version.
// Inactive records are removed instead.
func (i *Index) Upsert(ctx context.Context, r learning.Record) error {
	if r.Scope.Store != learning.StoreLearnedKnowledge {
		return nil
	}
	if !r.Active() {
		return i.Remove(ctx, r.Scope.Owner, r.ID)
	}
	emb, err := i.embedder.Embed(ctx, r.Text())
	if err != nil {
		return fmt.Errorf("knowledge: embed %s: %w", r.ID, err)
	}
	if isZero(emb) {
		// Nothing searchable; make sure no stale version lingers.
		return i.Remove(ctx, r.Scope.Owner, r.ID)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("knowledge: encode %s: %w", r.ID, err)
	}
	col, err := i.collection(r.Scope.Owner, true)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        r.ID,
		Content:   string(body),
		Embedding: emb,
		Metadata:  map[string]string{"namespace": r.Scope.Owner, "kind": string(r.Kind)},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("knowledge: add %s: %w", r.ID, err)
	}
	return nil
}

// Remove drops a record from a namespace. Unknown ids are ignored.
func (i *Index) Remove(ctx context.Context, namespace, id string) error {
	col, err := i.collection(namespace, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("knowledge: delete %s: %w", id, err)
	}
	return nil
}

// Load indexes every active knowledge record in recs. Used at startup.
func (i *Index) Load(ctx context.Context, recs []learning.Record) (int, error) {
	n := 0
	for _, r := range recs {
		if r.Scope.Store != learning.StoreLearnedKnowledge || !r.Active() {
			continue
		}
		if err := i.Upsert(ctx, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Observe keeps the index in sync with a committed change set. Its
// signature matches consolidate.Observer.
func (i *Index) Observe(ctx context.Context, res learning.CommitResult) {
	if res.Scope.Store != learning.StoreLearnedKnowledge {
		return
	}
	for _, r := range res.Records {
		if err := i.Upsert(ctx, r); err != nil {
			i.logger.Warn("knowledge index update failed", "scope", res.Scope.Key(), "record", r.ID, "error", err)
		}
	}
	for _, id := range res.Tombstoned {
		if err := i.Remove(ctx, res.Scope.Owner, id); err != nil {
			i.logger.Warn("knowledge index removal failed", "scope", res.Scope.Key(), "record", id, "error", err)
		}
	}
}

// Count returns the number of indexed records in a namespace.
func (i *Index) Count(namespace string) int {
	col, _ := i.collection(namespace, false)
	if col == nil {
		return 0
	}
	return col.Count()
}

// Search implements learning.Searcher. Only records sharing some signal
// with the query are returned, best match first.
func (i *Index) Search(ctx context.Context, query, namespace string, k int) ([]learning.Record, error) {
	if namespace == "" {
		namespace = learning.DefaultNamespace
	}
	col, err := i.collection(namespace, false)
	if err != nil || col == nil {
		return nil, err
	}
	emb, err := i.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if isZero(emb) {
		return nil, nil
	}

	// chromem requires nResults <= collection size.
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > 0 && k < n {
		n = k
	}
	results, err := col.QueryEmbedding(ctx, emb, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: query: %w", err)
	}

	out := make([]learning.Record, 0, len(results))
	for _, res := range results {
		if res.Similarity <= 0 {
			continue
		}
		var r learning.Record
		if err := json.Unmarshal([]byte(res.Content), &r); err != nil {
			i.logger.Warn("knowledge index: skipping undecodable document", "id", res.ID, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
