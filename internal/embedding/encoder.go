// Package embedding provides the pluggable text encoder used by tool
// discovery, plus the vector math that ranks tools against a query.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Dim is the vector length produced by every encoder in this package.
// All tools in a registry must share one dimension, so encoders are not
// allowed to pick their own.
const Dim = 384

// Encoder turns text into a fixed-length vector. Implementations must be
// deterministic: the same text always yields the same vector.
type Encoder interface {
	// Encode returns a Dim-length vector for the given text: unit length,
	// or all zeros when the text yields nothing to encode.
	Encode(ctx context.Context, text string) ([]float32, error)
}

// HashEncoder is the default encoder: a feature-hashing bag-of-words model.
// It has no external dependencies, runs in bounded time, and gives useful
// lexical-overlap similarity. Swap in the Ollama encoder for real semantic
// vectors.
type HashEncoder struct{}

// NewHashEncoder creates the deterministic hashing encoder.
func NewHashEncoder() *HashEncoder { return &HashEncoder{} }

func (e *HashEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, Dim)
	for _, token := range Tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % Dim)
		// one bit above the index decides the sign, which keeps unrelated
		// tokens from systematically accumulating in the same direction
		if (sum>>40)&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}
	Normalize(vec)
	return vec, nil
}

// Tokenize lowercases the text and splits it into alphanumeric runs,
// dropping single-character fragments.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Normalize scales vec to unit length in place. The zero vector is left as is.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths
// or zero vectors score 0 rather than producing NaN.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
