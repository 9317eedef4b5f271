package consolidate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/HendryAvila/learnd/internal/learning"
)

// Policy judges whether a candidate repeats an existing record.
type Policy interface {
	Similar(ctx context.Context, candidate, existing learning.Record) (bool, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, candidate, existing learning.Record) (bool, error)

// Similar calls f.
func (f PolicyFunc) Similar(ctx context.Context, candidate, existing learning.Record) (bool, error) {
	return f(ctx, candidate, existing)
}

// ─── Token overlap ──────────────────────────────────────────────────────────

// DefaultOverlapThreshold is the Jaccard score at or above which two texts
// are considered the same observation.
const DefaultOverlapThreshold = 0.8

// TokenOverlap compares the Jaccard index of the two records' word sets.
type TokenOverlap struct {
	Threshold float64
}

// Similar implements Policy.
func (p TokenOverlap) Similar(_ context.Context, candidate, existing learning.Record) (bool, error) {
	th := p.Threshold
	if th <= 0 {
		th = DefaultOverlapThreshold
	}
	return Jaccard(candidate.Text(), existing.Text()) >= th, nil
}

// Jaccard returns |A∩B| / |A∪B| over lower-cased alphanumeric tokens.
// Two empty texts score 0.
func Jaccard(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// Tokens splits text into a set of lower-cased words.
func Tokens(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// ─── Cosine ─────────────────────────────────────────────────────────────────

// DefaultCosineThreshold is the cosine similarity at or above which two
// embeddings are considered the same observation.
const DefaultCosineThreshold = 0.9

// Cosine compares embeddings produced by an Embedder.
type Cosine struct {
	Embedder  learning.Embedder
	Threshold float64
}

// Similar implements Policy.
func (p Cosine) Similar(ctx context.Context, candidate, existing learning.Record) (bool, error) {
	th := p.Threshold
	if th <= 0 {
		th = DefaultCosineThreshold
	}
	a, err := p.Embedder.Embed(ctx, candidate.Text())
	if err != nil {
		return false, fmt.Errorf("consolidate: embed candidate: %w", err)
	}
	b, err := p.Embedder.Embed(ctx, existing.Text())
	if err != nil {
		return false, fmt.Errorf("consolidate: embed existing: %w", err)
	}
	return CosineSimilarity(a, b) >= th, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
