package identity

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embedderFunc func(ctx context.Context, crop image.Image) ([]float32, error)

func (f embedderFunc) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	return f(ctx, crop)
}

func newTestResolver(t *testing.T) (*Resolver, *Registry) {
	t.Helper()
	registry := NewRegistry(DefaultRegistryParams())
	embedder := embedderFunc(func(ctx context.Context, crop image.Image) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	})
	return NewResolver(registry, embedder, DefaultResolverParams()), registry
}

func TestResolveEmptyRegistryRegistersNew(t *testing.T) {
	resolver, registry := newTestResolver(t)

	res, err := resolver.ResolveEmbedding([]float32{1, 0, 0}, registryEpoch)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)
	require.Equal(t, 1, registry.Count())

	v, ok := registry.Get(res.VisitorID)
	require.True(t, ok)
	assert.Equal(t, 1, v.TotalVisits, "registration counts the first visit itself")
}

func TestResolveMatchesWithinThreshold(t *testing.T) {
	resolver, registry := newTestResolver(t)

	known, err := registry.Register([]float32{1, 0, 0}, registryEpoch)
	require.NoError(t, err)

	// Slightly different view of the same face: cosine distance ~0.05
	res, err := resolver.ResolveEmbedding([]float32{0.95, 0.312, 0}, registryEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, known, res.VisitorID)
	assert.LessOrEqual(t, res.Distance, DefaultResolverParams().MatchThreshold)
	assert.Equal(t, 1, registry.Count(), "a match must not create a visitor")

	v, _ := registry.Get(known)
	assert.Len(t, v.Embeddings, 2, "a confident match learns the new view")
	assert.Equal(t, 1, v.TotalVisits, "resolution alone must not count a visit")
}

func TestResolveAmbiguousBandDefers(t *testing.T) {
	resolver, registry := newTestResolver(t)

	_, err := registry.Register([]float32{1, 0, 0}, registryEpoch)
	require.NoError(t, err)

	// Cosine distance 0.4 sits between match (0.35) and new (0.55)
	res, err := resolver.ResolveEmbedding([]float32{0.6, 0.8, 0}, registryEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInconclusive, res.Outcome)
	assert.Equal(t, 1, registry.Count(), "an inconclusive attempt must leave the registry untouched")

	visitors := registry.Visitors()
	require.Len(t, visitors, 1)
	assert.Len(t, visitors[0].Embeddings, 1)
	assert.Equal(t, 1, visitors[0].TotalVisits)
}

func TestResolveDistantEmbeddingRegistersNew(t *testing.T) {
	resolver, registry := newTestResolver(t)

	first, err := registry.Register([]float32{1, 0, 0}, registryEpoch)
	require.NoError(t, err)

	// Orthogonal: cosine distance 1.0, well beyond the new threshold
	res, err := resolver.ResolveEmbedding([]float32{0, 1, 0}, registryEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)
	assert.NotEqual(t, first, res.VisitorID)
	assert.Equal(t, 2, registry.Count())
}

func TestResolveThresholdProperties(t *testing.T) {
	// Two crops within match distance resolve to the same visitor; two
	// crops beyond new distance resolve to distinct visitors.
	resolver, _ := newTestResolver(t)

	resA, err := resolver.ResolveEmbedding([]float32{1, 0, 0}, registryEpoch)
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, resA.Outcome)

	resB, err := resolver.ResolveEmbedding([]float32{0.995, 0.0999, 0}, registryEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, resB.Outcome)
	assert.Equal(t, resA.VisitorID, resB.VisitorID)

	resC, err := resolver.ResolveEmbedding([]float32{0, 0, 1}, registryEpoch.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, resC.Outcome)
	assert.NotEqual(t, resA.VisitorID, resC.VisitorID)
}

func TestResolveEmbedderFailure(t *testing.T) {
	registry := NewRegistry(DefaultRegistryParams())
	embedder := embedderFunc(func(ctx context.Context, crop image.Image) ([]float32, error) {
		return nil, errors.New("inference timeout")
	})
	resolver := NewResolver(registry, embedder, DefaultResolverParams())

	crop := image.NewRGBA(image.Rect(0, 0, 8, 8))
	res, err := resolver.Resolve(context.Background(), crop, registryEpoch)
	require.Error(t, err)
	assert.Equal(t, OutcomeInconclusive, res.Outcome)
	assert.Equal(t, 0, registry.Count(), "a failed attempt must leave the registry untouched")
}

func TestResolveLookupFailureIsInconclusive(t *testing.T) {
	resolver, registry := newTestResolver(t)

	_, err := registry.Register([]float32{1, 0, 0}, registryEpoch)
	require.NoError(t, err)

	// Wrong dimensionality makes the lookup fail
	res, err := resolver.ResolveEmbedding([]float32{1, 0}, registryEpoch.Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, OutcomeInconclusive, res.Outcome)
	assert.Equal(t, 1, registry.Count())
}

func TestResolveViaEmbedder(t *testing.T) {
	resolver, registry := newTestResolver(t)

	crop := image.NewRGBA(image.Rect(0, 0, 8, 8))
	res, err := resolver.Resolve(context.Background(), crop, registryEpoch)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)
	assert.Equal(t, 1, registry.Count())
}
