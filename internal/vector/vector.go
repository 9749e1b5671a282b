// Package vector provides an in-memory VectorStore implementation used
// when no external vector binding is configured. Similarity math is
// cosine distance over float64 slices.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/blakebauman/fleetd/internal/collab"
)

type entry struct {
	vector   []float64
	metadata map[string]any
}

// Memory is a concurrency-safe in-memory vector store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

// Insert stores or replaces the vector for id.
func (m *Memory) Insert(ctx context.Context, id string, vec []float64, metadata map[string]any) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector for %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry{vector: append([]float64(nil), vec...), metadata: metadata}
	return nil
}

// Query returns the topK nearest entries by cosine similarity, best
// first. Vectors of mismatched dimension are skipped.
func (m *Memory) Query(ctx context.Context, vec []float64, topK int, returnMetadata bool) ([]collab.VectorMatch, error) {
	if topK <= 0 {
		topK = 5
	}

	m.mu.RLock()
	matches := make([]collab.VectorMatch, 0, len(m.entries))
	for id, e := range m.entries {
		score, ok := cosine(vec, e.vector)
		if !ok {
			continue
		}
		match := collab.VectorMatch{ID: id, Score: score}
		if returnMetadata {
			match.Metadata = e.metadata
		}
		matches = append(matches, match)
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteByIDs removes entries; unknown ids are ignored.
func (m *Memory) DeleteByIDs(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

// Len returns the number of stored vectors.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cosine(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
