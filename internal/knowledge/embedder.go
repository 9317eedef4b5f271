package knowledge

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// DefaultDimensions is the vector size of HashEmbedder.
const DefaultDimensions = 256

// HashEmbedder maps text to a bag-of-tokens vector by hashing each token
// into a fixed number of buckets. It needs no model files, so texts sharing
// words score high and texts sharing none score zero.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder with dims buckets.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Embed implements learning.Embedder. Text without tokens yields a zero
// vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, h.dims)
	for _, tok := range Tokens(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		v[f.Sum32()%uint32(h.dims)]++
	}
	return v, nil
}

// Dimensions implements learning.Embedder.
func (h *HashEmbedder) Dimensions() int { return h.dims }

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"are": true, "was": true, "you": true, "not": true, "but": true, "from": true,
	"its": true, "into": true, "when": true, "has": true, "have": true,
}

// Tokens lowercases text and splits it into words of two or more letters
// or digits, dropping common stop words.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
