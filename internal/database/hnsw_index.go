package database

import (
	"errors"
	"sync"

	"github.com/coder/hnsw"
)

// ErrIndexEmpty is returned when searching an index without nodes.
var ErrIndexEmpty = errors.New("index not initialized")

// HNSWIndex wraps the HNSW graph for template embedding search.
// Node keys are caller-chosen positions (for a roster, the template's
// position in roster order), so exact distances can be recomputed by the caller.
type HNSWIndex struct {
	graph *hnsw.Graph[int]
	mu    sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{}
}

func newGraph() *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// Build replaces the index contents with the given vectors, keyed by slice position.
// Empty vectors are skipped.
func (h *HNSWIndex) Build(vectors [][]float32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(vectors) == 0 {
		h.graph = nil
		return
	}

	g := newGraph()
	for i, vec := range vectors {
		if len(vec) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(i, vec))
	}
	h.graph = g
}

// Search returns the keys of up to k approximate nearest neighbors.
func (h *HNSWIndex) Search(query []float32, k int) ([]int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil || h.graph.Len() == 0 {
		return nil, ErrIndexEmpty
	}

	neighbors := h.graph.Search(query, k)
	keys := make([]int, len(neighbors))
	for i, n := range neighbors {
		keys[i] = n.Key
	}
	return keys, nil
}

// Len returns the number of indexed vectors.
func (h *HNSWIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.graph == nil {
		return 0
	}
	return h.graph.Len()
}
