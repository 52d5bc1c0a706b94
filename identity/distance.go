package identity

import (
	"math"

	"github.com/coder/hnsw"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Metric selects the embedding distance used for identity decisions.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
)

func (m Metric) Validate() error {
	switch m {
	case MetricCosine, MetricEuclidean:
		return nil
	}
	return errors.Errorf("unknown distance metric %q", string(m))
}

// graphDistance returns the distance function the ANN index runs on.
func (m Metric) graphDistance() hnsw.DistanceFunc {
	if m == MetricEuclidean {
		return hnsw.EuclideanDistance
	}
	return hnsw.CosineDistance
}

// maxDistance is the value returned for input no embedding can match.
func (m Metric) maxDistance() float64 {
	if m == MetricEuclidean {
		return math.MaxFloat64
	}
	return 2.0
}

// Distance computes the exact distance between two embeddings. Cosine
// distance ranges from 0 (identical direction) to 2 (opposite); Euclidean is
// unbounded. Invalid input gets maximum distance so it can never match.
func Distance(m Metric, a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return m.maxDistance()
	}
	a64 := toFloat64(a)
	b64 := toFloat64(b)

	if m == MetricEuclidean {
		return floats.Distance(a64, b64, 2)
	}

	normA := floats.Norm(a64, 2)
	normB := floats.Norm(b64, 2)
	if normA == 0 || normB == 0 {
		return m.maxDistance()
	}
	similarity := floats.Dot(a64, b64) / (normA * normB)
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return 1 - similarity
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
