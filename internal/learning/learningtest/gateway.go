// Package learningtest provides in-memory collaborators for tests.
package learningtest

import (
	"context"
	"errors"
	"sync"

	"github.com/HendryAvila/learnd/internal/learning"
)

// ErrInjected is returned by Gateway when a failure has been injected.
var ErrInjected = errors.New("learningtest: injected failure")

// Gateway is an in-memory learning.Gateway. Commits are atomic: a batch
// that fails validation writes nothing.
type Gateway struct {
	mu      sync.Mutex
	records map[string][]learning.Record // scope key -> records in insertion order

	failGets    int
	failCommits int
	commits     int
	gets        int

	// OnCommit, if set, runs before every commit with the scope lock of the
	// caller still held.
	OnCommit func(scope learning.Scope, batch *learning.Batch)
}

// NewGateway returns an empty Gateway.
func NewGateway() *Gateway {
	return &Gateway{records: map[string][]learning.Record{}}
}

// FailGets makes the next n Get calls fail. n < 0 fails forever.
func (g *Gateway) FailGets(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failGets = n
}

// FailCommits makes the next n Commit calls fail. n < 0 fails forever.
func (g *Gateway) FailCommits(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCommits = n
}

// Commits returns the number of successful commits.
func (g *Gateway) Commits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commits
}

// Gets returns the number of Get calls, failed ones included.
func (g *Gateway) Gets() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gets
}

// Get implements learning.Gateway.
func (g *Gateway) Get(_ context.Context, scope learning.Scope) ([]learning.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gets++
	if g.failGets != 0 {
		if g.failGets > 0 {
			g.failGets--
		}
		return nil, ErrInjected
	}
	src := g.records[scope.Key()]
	out := make([]learning.Record, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out, nil
}

// Commit implements learning.Gateway.
func (g *Gateway) Commit(_ context.Context, scope learning.Scope, batch *learning.Batch) error {
	if g.OnCommit != nil {
		g.OnCommit(scope, batch)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCommits != 0 {
		if g.failCommits > 0 {
			g.failCommits--
		}
		return ErrInjected
	}

	recs := append([]learning.Record(nil), g.records[scope.Key()]...)
	index := make(map[string]int, len(recs))
	for i, r := range recs {
		index[r.ID] = i
	}
	for _, r := range batch.Puts() {
		if r.Scope != scope {
			return errors.New("learningtest: record outside scope")
		}
		if i, ok := index[r.ID]; ok {
			recs[i] = r.Clone()
			continue
		}
		index[r.ID] = len(recs)
		recs = append(recs, r.Clone())
	}
	for _, ts := range batch.Tombstones() {
		i, ok := index[ts.ID]
		if !ok {
			return learning.ErrNotFound
		}
		recs[i].Status = learning.StatusTombstoned
		recs[i].CanonicalRef = ts.CanonicalRef
	}
	g.records[scope.Key()] = recs
	g.commits++
	return nil
}

// Active returns the active records of scope.
func (g *Gateway) Active(scope learning.Scope) []learning.Record {
	all, _ := g.peek(scope)
	return learning.ActiveOnly(all)
}

// All returns every record of scope, tombstones included.
func (g *Gateway) All(scope learning.Scope) []learning.Record {
	all, _ := g.peek(scope)
	return all
}

func (g *Gateway) peek(scope learning.Scope) ([]learning.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	src := g.records[scope.Key()]
	out := make([]learning.Record, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out, nil
}
