package identity

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Embedder turns a face crop into a fixed-length appearance vector. It must
// be deterministic for identical crops; only distance semantics are assumed
// of the vectors it produces.
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
}

// Outcome classifies a resolution decision.
type Outcome string

const (
	// OutcomeNew means a fresh visitor was registered.
	OutcomeNew Outcome = "new"
	// OutcomeMatched means the embedding matched a known visitor.
	OutcomeMatched Outcome = "matched"
	// OutcomeInconclusive means the decision is deferred, the registry
	// untouched, and the caller should retry on the next re-check cycle.
	OutcomeInconclusive Outcome = "inconclusive"
)

// Resolution is the decision for one identity attempt.
type Resolution struct {
	Outcome   Outcome
	VisitorID uuid.UUID
	// Distance to the nearest known visitor. Zero when the registry was
	// empty.
	Distance float64
}

// ResolverParams holds the decision thresholds, in units of the registry's
// distance metric.
type ResolverParams struct {
	// MatchThreshold is the distance at or below which the nearest visitor
	// is accepted.
	MatchThreshold float64
	// NewThreshold is the distance above which a fresh visitor is
	// registered. Distances between the two thresholds defer the decision,
	// which avoids duplicate registrations from a single noisy frame.
	NewThreshold float64
}

// DefaultResolverParams returns the documented default thresholds for cosine
// distance.
func DefaultResolverParams() ResolverParams {
	return ResolverParams{
		MatchThreshold: 0.35,
		NewThreshold:   0.55,
	}
}

// Resolver decides whether a face belongs to a known visitor or a new one.
// It is the only component permitted to mutate the registry.
type Resolver struct {
	registry *Registry
	embedder Embedder
	params   ResolverParams
}

// NewResolver creates a resolver over the given registry and embedding
// source.
func NewResolver(registry *Registry, embedder Embedder, params ResolverParams) *Resolver {
	return &Resolver{
		registry: registry,
		embedder: embedder,
		params:   params,
	}
}

// Resolve computes an embedding for the crop and decides the identity. On
// error the returned outcome is still valid; failures that prevent any
// decision come back INCONCLUSIVE so the caller can retry later.
func (rs *Resolver) Resolve(ctx context.Context, crop image.Image, now time.Time) (Resolution, error) {
	embedding, err := rs.embedder.Embed(ctx, crop)
	if err != nil {
		return Resolution{Outcome: OutcomeInconclusive}, errors.Wrap(err, "embedding source failed")
	}
	return rs.ResolveEmbedding(embedding, now)
}

// ResolveEmbedding decides the identity for an already computed embedding.
// Used directly when embedding work ran on a worker and only the decision
// needs to happen on the frame-loop timeline.
func (rs *Resolver) ResolveEmbedding(embedding []float32, now time.Time) (Resolution, error) {
	match, err := rs.registry.LookupNearest(embedding)
	if err != nil {
		return Resolution{Outcome: OutcomeInconclusive}, errors.Wrap(err, "registry lookup failed")
	}

	if match == nil {
		// Empty registry: first visitor ever
		id, err := rs.registry.Register(embedding, now)
		if err != nil {
			return Resolution{Outcome: OutcomeInconclusive}, errors.Wrap(err, "can't register first visitor")
		}
		return Resolution{Outcome: OutcomeNew, VisitorID: id}, nil
	}

	switch {
	case match.Distance <= rs.params.MatchThreshold:
		res := Resolution{Outcome: OutcomeMatched, VisitorID: match.VisitorID, Distance: match.Distance}
		// A confident match is a safe chance to learn this view too
		if err := rs.registry.AddEmbedding(match.VisitorID, embedding); err != nil {
			return res, errors.Wrap(err, "can't extend visitor embeddings")
		}
		return res, nil
	case match.Distance <= rs.params.NewThreshold:
		return Resolution{Outcome: OutcomeInconclusive, Distance: match.Distance}, nil
	default:
		id, err := rs.registry.Register(embedding, now)
		if err != nil {
			return Resolution{Outcome: OutcomeInconclusive, Distance: match.Distance}, errors.Wrap(err, "can't register new visitor")
		}
		return Resolution{Outcome: OutcomeNew, VisitorID: id, Distance: match.Distance}, nil
	}
}
