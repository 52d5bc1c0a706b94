package identity

import (
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
)

// HNSW index parameters for face embeddings
const (
	// indexMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	indexMaxNeighbors = 16
)

// neighbor is one ANN candidate. Exact distance computation is left to the
// caller, which re-ranks candidates precisely.
type neighbor struct {
	node    int64
	visitor uuid.UUID
	vector  []float32
}

// index maps embedding nodes to visitors through an HNSW graph. A visitor
// may own several nodes, one per representative embedding.
type index struct {
	graph       *hnsw.Graph[int64]
	nodeVisitor map[int64]uuid.UUID
	nextNode    int64
	metric      Metric
	mu          sync.RWMutex
}

func newIndex(metric Metric) *index {
	return &index{
		nodeVisitor: make(map[int64]uuid.UUID),
		metric:      metric,
	}
}

// add inserts one representative embedding for the visitor.
func (ix *index) add(visitorID uuid.UUID, embedding []float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.graph == nil {
		g := hnsw.NewGraph[int64]()
		g.M = indexMaxNeighbors
		g.Ml = 1.0 / float64(indexMaxNeighbors) // Standard HNSW formula
		g.Distance = ix.metric.graphDistance()
		ix.graph = g
	}

	id := ix.nextNode
	ix.nextNode++
	ix.graph.Add(hnsw.MakeNode(id, embedding))
	ix.nodeVisitor[id] = visitorID
}

// search returns up to k approximate nearest embedding nodes.
func (ix *index) search(query []float32, k int) []neighbor {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph == nil {
		return nil
	}

	nodes := ix.graph.Search(query, k)
	out := make([]neighbor, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, neighbor{
			node:    n.Key,
			visitor: ix.nodeVisitor[n.Key],
			vector:  n.Value,
		})
	}
	return out
}

func (ix *index) size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodeVisitor)
}
