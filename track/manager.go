package track

import (
	"github.com/google/uuid"
)

// Params holds the tunable policy of the track manager.
type Params struct {
	// HitsToConfirm is the number of consecutive successful associations
	// needed to promote a provisional track. The spawn counts as the first.
	HitsToConfirm int
	// MaxMisses retires a track once its consecutive miss count reaches it.
	MaxMisses int
	// MaxTracks caps the number of simultaneously active tracks. Detections
	// that would exceed the cap do not spawn.
	MaxTracks int
	// IoUThreshold is the minimum IoU for a (track, detection) pair to be
	// considered for assignment.
	IoUThreshold float64
	// HighConfidence and LowConfidence split detections for the two-stage
	// algorithm. Detections below LowConfidence are ignored entirely; the
	// band in between can extend tracks but never spawn them. Only
	// AlgorithmByteTrack reads these.
	HighConfidence float64
	LowConfidence  float64
	// ConfidenceDecay is applied to tracking confidence on every frame a
	// track coasts without a detection pass.
	ConfidenceDecay float64
	// ConfidenceFloor is the confidence below which a coasting frame counts
	// as a miss.
	ConfidenceFloor float64
	// FrameBounds describes the image area. A track predicted fully outside
	// it is retired immediately.
	FrameBounds Rectangle
	// DT is the Kalman filter time step, in frame units.
	DT float64
	// Algorithm selects the assignment solver.
	Algorithm Algorithm
}

// DefaultParams returns the documented default policy.
func DefaultParams() Params {
	return Params{
		HitsToConfirm:   3,
		MaxMisses:       8,
		MaxTracks:       64,
		IoUThreshold:    0.3,
		HighConfidence:  0.5,
		LowConfidence:   0.3,
		ConfidenceDecay: 0.92,
		ConfidenceFloor: 0.25,
		FrameBounds:     NewRect(0, 0, 1280, 720),
		DT:              1.0,
		Algorithm:       AlgorithmGreedy,
	}
}

// TransitionKind classifies a lifecycle transition reported by Advance.
type TransitionKind string

const (
	TransitionCreated   TransitionKind = "created"
	TransitionUpdated   TransitionKind = "updated"
	TransitionConfirmed TransitionKind = "confirmed"
	TransitionRetired   TransitionKind = "retired"
)

// Transition is one lifecycle change of one track during a single Advance.
type Transition struct {
	Kind  TransitionKind
	Track *Track
	// DetectionIndex is the index into this frame's detections that the
	// track consumed, or -1 when the transition involved none.
	DetectionIndex int
}

// Manager owns the set of active tracks. It is not safe for concurrent use;
// the frame loop is its single caller.
type Manager struct {
	params Params
	tracks []*Track
	// Spawns rejected because the track cap was hit, since start.
	droppedSpawns int
}

// NewManager creates a track manager with the given policy.
func NewManager(params Params) *Manager {
	return &Manager{
		params: params,
		tracks: make([]*Track, 0, params.MaxTracks),
	}
}

// Active returns the currently active tracks in spawn order.
func (m *Manager) Active() []*Track {
	out := make([]*Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// Count returns the number of active tracks.
func (m *Manager) Count() int {
	return len(m.tracks)
}

// Get returns the active track with the given identifier. Retired tracks are
// not found, which lets callers discard results aimed at them.
func (m *Manager) Get(id uuid.UUID) (*Track, bool) {
	for _, t := range m.tracks {
		if t.id == id {
			return t, true
		}
	}
	return nil, false
}

// DroppedSpawns returns how many detections could not spawn a track because
// the cap was reached.
func (m *Manager) DroppedSpawns() int {
	return m.droppedSpawns
}

// Advance moves every track one frame forward. A nil detections slice means
// no detection pass ran this frame (skip frame) and tracks coast on motion
// prediction; a non-nil slice, even an empty one, means a detection pass ran
// and its result is associated against the active tracks.
//
// The returned transitions describe what happened to each affected track.
// Skip frames report retirements only.
func (m *Manager) Advance(frameIndex int, detections []Detection) ([]Transition, error) {
	if detections == nil {
		return m.advanceCoast(), nil
	}
	return m.advanceRefresh(frameIndex, detections)
}

// advanceCoast handles frames without a detection pass. Confidence decays;
// a confident coast keeps the miss counter at zero, a coast below the floor
// counts as a miss.
func (m *Manager) advanceCoast() []Transition {
	var transitions []Transition
	for _, t := range m.tracks {
		t.predictNext()
		t.coast(m.params.ConfidenceDecay)

		if !t.predicted.Inside(m.params.FrameBounds) {
			t.retire(RetireLeftFrame)
			transitions = append(transitions, Transition{Kind: TransitionRetired, Track: t, DetectionIndex: -1})
			continue
		}
		if t.confidence < m.params.ConfidenceFloor {
			t.markMissed()
			if t.misses >= m.params.MaxMisses {
				t.retire(RetireLowConfidence)
				transitions = append(transitions, Transition{Kind: TransitionRetired, Track: t, DetectionIndex: -1})
			}
			continue
		}
		t.misses = 0
	}
	m.removeRetired()
	return transitions
}

// advanceRefresh associates fresh detections with active tracks, spawns
// tracks for detections nobody claimed and counts a miss for every track
// left without a detection.
func (m *Manager) advanceRefresh(frameIndex int, detections []Detection) ([]Transition, error) {
	var transitions []Transition

	for _, t := range m.tracks {
		t.predictNext()
	}

	result := associate(m.tracks, detections, m.params)

	for _, pair := range result.pairs {
		t := m.tracks[pair[0]]
		det := detections[pair[1]]
		det.FrameIndex = frameIndex
		if err := t.applyDetection(det); err != nil {
			return nil, err
		}
		if t.state == StateProvisional && t.hits >= m.params.HitsToConfirm {
			t.confirm()
			transitions = append(transitions, Transition{Kind: TransitionConfirmed, Track: t, DetectionIndex: pair[1]})
			continue
		}
		transitions = append(transitions, Transition{Kind: TransitionUpdated, Track: t, DetectionIndex: pair[1]})
	}

	for _, ti := range result.lostTracks {
		t := m.tracks[ti]
		t.markMissed()
		switch {
		case !t.predicted.Inside(m.params.FrameBounds):
			t.retire(RetireLeftFrame)
		case t.misses >= m.params.MaxMisses:
			if t.confidence < m.params.ConfidenceFloor {
				t.retire(RetireLowConfidence)
			} else {
				t.retire(RetireAgedOut)
			}
		default:
			continue
		}
		transitions = append(transitions, Transition{Kind: TransitionRetired, Track: t, DetectionIndex: -1})
	}

	for _, di := range result.freshDetects {
		if len(m.tracks) >= m.params.MaxTracks {
			m.droppedSpawns++
			continue
		}
		det := detections[di]
		det.FrameIndex = frameIndex
		t := newTrack(det, m.params.DT)
		if t.hits >= m.params.HitsToConfirm {
			t.confirm()
		}
		m.tracks = append(m.tracks, t)
		transitions = append(transitions, Transition{Kind: TransitionCreated, Track: t, DetectionIndex: di})
	}

	m.removeRetired()
	return transitions, nil
}

// removeRetired compacts the active slice. Transition values returned for
// this frame keep their pointers to the retired tracks.
func (m *Manager) removeRetired() {
	kept := m.tracks[:0]
	for _, t := range m.tracks {
		if t.state != StateRetired {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(m.tracks); i++ {
		m.tracks[i] = nil
	}
	m.tracks = kept
}
