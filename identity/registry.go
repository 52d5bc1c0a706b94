package identity

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrCorruptRegistry marks persisted visitor data that cannot be trusted.
// Startup must fail loudly on it: silently dropping known identities would
// cause mass re-registration and inflate visitor counts.
var ErrCorruptRegistry = errors.New("corrupt visitor registry")

// ErrUnknownVisitor is returned for operations on an identifier the registry
// has never issued.
var ErrUnknownVisitor = errors.New("unknown visitor")

// Visitor is a durable identity with its representative embeddings and visit
// statistics. Identifiers are never reused or merged.
type Visitor struct {
	ID          uuid.UUID
	FirstSeen   time.Time
	LastSeen    time.Time
	TotalVisits int
	Embeddings  [][]float32
}

// Match is the nearest visitor found for a query embedding.
type Match struct {
	VisitorID uuid.UUID
	Distance  float64
}

// RegistryParams holds the tunable lookup policy.
type RegistryParams struct {
	// Metric is the embedding distance used for all comparisons.
	Metric Metric
	// TieEpsilon widens the winner: candidates within it of the best
	// distance re-rank by most recent last-seen.
	TieEpsilon float64
	// MaxEmbeddingsPerVisitor bounds the representative set. Further
	// embeddings are dropped silently.
	MaxEmbeddingsPerVisitor int
	// SearchK is how many ANN candidates are pulled for exact re-ranking.
	SearchK int
}

// DefaultRegistryParams returns the documented default policy.
func DefaultRegistryParams() RegistryParams {
	return RegistryParams{
		Metric:                  MetricCosine,
		TieEpsilon:              0.05,
		MaxEmbeddingsPerVisitor: 5,
		SearchK:                 8,
	}
}

// Registry owns the durable visitor identities. Mutations are serialized by
// the frame loop; reads may come from anywhere.
type Registry struct {
	params   RegistryParams
	visitors map[uuid.UUID]*Visitor
	index    *index
	dim      int
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry. Call Hydrate to load persisted
// identities before the first frame.
func NewRegistry(params RegistryParams) *Registry {
	return &Registry{
		params:   params,
		visitors: make(map[uuid.UUID]*Visitor),
		index:    newIndex(params.Metric),
	}
}

// Hydrate loads persisted visitors into the registry. Any inconsistency in
// the data reports ErrCorruptRegistry: the caller must treat that as fatal.
func (r *Registry) Hydrate(visitors []Visitor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range visitors {
		v := visitors[i]
		if v.ID == uuid.Nil {
			return errors.Wrapf(ErrCorruptRegistry, "visitor %d has a nil identifier", i)
		}
		if _, dup := r.visitors[v.ID]; dup {
			return errors.Wrapf(ErrCorruptRegistry, "visitor %s appears twice", v.ID)
		}
		if len(v.Embeddings) == 0 {
			return errors.Wrapf(ErrCorruptRegistry, "visitor %s has no embeddings", v.ID)
		}
		if v.TotalVisits < 1 {
			return errors.Wrapf(ErrCorruptRegistry, "visitor %s has visit count %d", v.ID, v.TotalVisits)
		}
		for _, emb := range v.Embeddings {
			if len(emb) == 0 {
				return errors.Wrapf(ErrCorruptRegistry, "visitor %s has an empty embedding", v.ID)
			}
			if r.dim == 0 {
				r.dim = len(emb)
			}
			if len(emb) != r.dim {
				return errors.Wrapf(ErrCorruptRegistry, "visitor %s embedding dimension %d, registry holds %d", v.ID, len(emb), r.dim)
			}
		}

		stored := v
		stored.Embeddings = cloneEmbeddings(v.Embeddings)
		r.visitors[v.ID] = &stored
		for _, emb := range stored.Embeddings {
			r.index.add(v.ID, emb)
		}
	}
	return nil
}

// LookupNearest returns the closest visitor by exact distance over the ANN
// candidates, or nil when the registry is empty. Candidates within
// TieEpsilon of the best distance re-rank by most recent last-seen.
func (r *Registry) LookupNearest(embedding []float32) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.visitors) == 0 {
		return nil, nil
	}
	if err := r.checkDim(embedding); err != nil {
		return nil, err
	}

	candidates := r.index.search(embedding, r.params.SearchK)
	if len(candidates) == 0 {
		return nil, nil
	}

	// Exact distance per visitor, keeping each visitor's best embedding
	best := make(map[uuid.UUID]float64, len(candidates))
	bestDistance := r.params.Metric.maxDistance()
	for _, cand := range candidates {
		d := Distance(r.params.Metric, embedding, cand.vector)
		if prev, ok := best[cand.visitor]; !ok || d < prev {
			best[cand.visitor] = d
		}
		if d < bestDistance {
			bestDistance = d
		}
	}

	// Most recently seen wins among near ties
	var chosen *Visitor
	chosenDistance := 0.0
	for visitorID, d := range best {
		if d > bestDistance+r.params.TieEpsilon {
			continue
		}
		v := r.visitors[visitorID]
		if v == nil {
			continue
		}
		if chosen == nil || v.LastSeen.After(chosen.LastSeen) {
			chosen = v
			chosenDistance = d
		}
	}
	if chosen == nil {
		return nil, nil
	}
	return &Match{VisitorID: chosen.ID, Distance: chosenDistance}, nil
}

// Register allocates a fresh durable identifier for a never-seen face. The
// first visit is counted here, so Entry emission must not touch it again.
func (r *Registry) Register(embedding []float32, now time.Time) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(embedding) == 0 {
		return uuid.Nil, errors.New("can't register an empty embedding")
	}
	if r.dim == 0 {
		r.dim = len(embedding)
	} else if len(embedding) != r.dim {
		return uuid.Nil, errors.Errorf("embedding dimension %d, registry holds %d", len(embedding), r.dim)
	}

	id := uuid.New()
	v := &Visitor{
		ID:          id,
		FirstSeen:   now,
		LastSeen:    now,
		TotalVisits: 1,
		Embeddings:  [][]float32{cloneEmbedding(embedding)},
	}
	r.visitors[id] = v
	r.index.add(id, v.Embeddings[0])
	return id, nil
}

// Touch records a repeat visit: last-seen moves forward and the visit count
// grows by exactly one.
func (r *Registry) Touch(visitorID uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visitors[visitorID]
	if !ok {
		return errors.Wrapf(ErrUnknownVisitor, "touch %s", visitorID)
	}
	v.LastSeen = now
	v.TotalVisits++
	return nil
}

// AddEmbedding appends another representative view of the visitor, up to the
// configured bound.
func (r *Registry) AddEmbedding(visitorID uuid.UUID, embedding []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visitors[visitorID]
	if !ok {
		return errors.Wrapf(ErrUnknownVisitor, "add embedding to %s", visitorID)
	}
	if err := r.checkDim(embedding); err != nil {
		return err
	}
	if len(v.Embeddings) >= r.params.MaxEmbeddingsPerVisitor {
		return nil
	}
	emb := cloneEmbedding(embedding)
	v.Embeddings = append(v.Embeddings, emb)
	r.index.add(visitorID, emb)
	return nil
}

// Get returns a snapshot of one visitor.
func (r *Registry) Get(visitorID uuid.UUID) (Visitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.visitors[visitorID]
	if !ok {
		return Visitor{}, false
	}
	return *v, true
}

// Visitors returns a snapshot of all visitors ordered by first-seen time.
func (r *Registry) Visitors() []Visitor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Visitor, 0, len(r.visitors))
	for _, v := range r.visitors {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Count returns the number of unique visitors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.visitors)
}

func (r *Registry) checkDim(embedding []float32) error {
	if len(embedding) == 0 {
		return errors.New("empty embedding")
	}
	if r.dim != 0 && len(embedding) != r.dim {
		return errors.Errorf("embedding dimension %d, registry holds %d", len(embedding), r.dim)
	}
	return nil
}

func cloneEmbedding(embedding []float32) []float32 {
	out := make([]float32, len(embedding))
	copy(out, embedding)
	return out
}

func cloneEmbeddings(embeddings [][]float32) [][]float32 {
	out := make([][]float32, len(embeddings))
	for i, emb := range embeddings {
		out[i] = cloneEmbedding(emb)
	}
	return out
}
