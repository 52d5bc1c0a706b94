package track

import (
	"math"

	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// State is the lifecycle state of a track.
type State string

const (
	// StateProvisional is the state of a freshly spawned track that has not
	// yet proven itself through consecutive associations.
	StateProvisional State = "provisional"
	// StateConfirmed is reached after enough consecutive associations.
	// Only confirmed tracks are eligible for identity resolution.
	StateConfirmed State = "confirmed"
	// StateRetired is terminal. A retired track identifier is never reused.
	StateRetired State = "retired"
)

// RetireReason tags why a track was retired, for diagnostics only.
type RetireReason string

const (
	// RetireAgedOut means the track ran out of matches while tracking
	// confidence was still healthy (subject gone from detections).
	RetireAgedOut RetireReason = "aged-out"
	// RetireLowConfidence means tracking confidence collapsed below the
	// floor before the miss limit was reached.
	RetireLowConfidence RetireReason = "low-confidence"
	// RetireLeftFrame means the predicted box moved fully outside the
	// frame bounds.
	RetireLeftFrame RetireReason = "left-frame"
)

// Detection is a raw observation produced by a detector on a refresh frame.
type Detection struct {
	BBox       Rectangle
	Confidence float64
	FrameIndex int
}

// Track is a single tracked face using an 8-D Kalman filter for full bounding
// box dynamics. State vector: [cx, cy, w, h, vx, vy, vw, vh] - center
// position, size, and velocities. The resolved visitor identity is written at
// most once and then frozen.
type Track struct {
	id           uuid.UUID
	state        State
	currentBBox  Rectangle
	predicted    Rectangle
	trail        []Point
	maxTrailLen  int
	hits         int
	misses       int
	confidence   float64
	detConf      float64
	spawnFrame   int
	lastSeen     int
	lastAttempt  int
	visitor      uuid.UUID
	hasVisitor   bool
	retireReason RetireReason
	filter       *kalman_filter.KalmanBBox
}

// newTrack spawns a provisional track from an unmatched detection. The spawn
// itself counts as the first successful association.
func newTrack(det Detection, dt float64) *Track {
	center := det.BBox.Center()

	// Kalman filter props
	uCx := 1.0
	uCy := 1.0
	uW := 0.0
	uH := 0.0
	stdDevA := 2.0
	stdDevMCx := 0.1
	stdDevMCy := 0.1
	stdDevMW := 0.1
	stdDevMH := 0.1
	kf := kalman_filter.NewKalmanBBox(
		dt, uCx, uCy, uW, uH,
		stdDevA, stdDevMCx, stdDevMCy, stdDevMW, stdDevMH,
		kalman_filter.WithStateBBox(center.X, center.Y, det.BBox.Width, det.BBox.Height),
	)

	t := Track{
		id:          uuid.New(),
		state:       StateProvisional,
		currentBBox: det.BBox,
		predicted:   det.BBox,
		trail:       make([]Point, 0, 64),
		maxTrailLen: 64,
		hits:        1,
		misses:      0,
		confidence:  1.0,
		detConf:     det.Confidence,
		spawnFrame:  det.FrameIndex,
		lastSeen:    det.FrameIndex,
		lastAttempt: -1,
		filter:      kf,
	}
	t.trail = append(t.trail, center)
	return &t
}

// ID returns the ephemeral track identifier.
func (t *Track) ID() uuid.UUID {
	return t.id
}

// State returns the current lifecycle state.
func (t *Track) State() State {
	return t.state
}

// BBox returns the current (measurement-smoothed) bounding box.
func (t *Track) BBox() Rectangle {
	return t.currentBBox
}

// Predicted returns the bounding box predicted by the Kalman filter.
func (t *Track) Predicted() Rectangle {
	return t.predicted
}

// Hits returns the consecutive successful association count.
func (t *Track) Hits() int {
	return t.hits
}

// Misses returns the consecutive miss count.
func (t *Track) Misses() int {
	return t.misses
}

// Confidence returns the tracking-confidence score. It is 1.0 right after a
// detection update and decays while the track coasts on prediction alone.
func (t *Track) Confidence() float64 {
	return t.confidence
}

// DetectionConfidence returns the confidence of the last applied detection.
func (t *Track) DetectionConfidence() float64 {
	return t.detConf
}

// SpawnFrame returns the frame index the track was spawned on.
func (t *Track) SpawnFrame() int {
	return t.spawnFrame
}

// LastSeen returns the frame index of the last applied detection.
func (t *Track) LastSeen() int {
	return t.lastSeen
}

// RetiredReason returns the diagnostic tag set when the track retired.
func (t *Track) RetiredReason() RetireReason {
	return t.retireReason
}

// Trail returns the center history. Be careful: this is not a copy of the
// trail, but a reference to it.
func (t *Track) Trail() []Point {
	return t.trail
}

// Velocity returns current velocity estimates (vx, vy, vw, vh) from the
// Kalman filter.
func (t *Track) Velocity() (float64, float64, float64, float64) {
	return t.filter.GetVelocity()
}

// VisitorID returns the resolved visitor identity, if any.
func (t *Track) VisitorID() (uuid.UUID, bool) {
	return t.visitor, t.hasVisitor
}

// AssignVisitor freezes the resolved identity onto the track. A second
// assignment is an invariant violation and is rejected.
func (t *Track) AssignVisitor(visitorID uuid.UUID) error {
	if t.hasVisitor {
		return errors.Errorf("track %s already resolved to visitor %s", t.id, t.visitor)
	}
	t.visitor = visitorID
	t.hasVisitor = true
	return nil
}

// LastResolveAttempt returns the frame index of the most recent resolution
// attempt, or -1 if none was made yet.
func (t *Track) LastResolveAttempt() int {
	return t.lastAttempt
}

// MarkResolveAttempt records a resolution attempt for re-check scheduling.
func (t *Track) MarkResolveAttempt(frameIndex int) {
	t.lastAttempt = frameIndex
}

// predictNext executes the Kalman filter prediction step.
func (t *Track) predictNext() {
	t.filter.Predict()
	cx, cy, w, h := t.filter.GetState()
	t.predicted = Rectangle{
		X:      cx - w/2.0,
		Y:      cy - h/2.0,
		Width:  w,
		Height: h,
	}
}

// applyDetection updates the track with a fresh measurement and executes the
// Kalman filter update step.
func (t *Track) applyDetection(det Detection) error {
	center := det.BBox.Center()
	err := t.filter.Update(center.X, center.Y, det.BBox.Width, det.BBox.Height)
	if err != nil {
		return errors.Wrap(err, "can't update track motion filter")
	}

	// Smoothed state back from the filter
	cx, cy, w, h := t.filter.GetState()
	t.currentBBox = Rectangle{
		X:      cx - w/2.0,
		Y:      cy - h/2.0,
		Width:  w,
		Height: h,
	}

	t.hits++
	t.misses = 0
	t.confidence = 1.0
	t.detConf = det.Confidence
	t.lastSeen = det.FrameIndex

	t.trail = append(t.trail, Point{X: cx, Y: cy})
	if len(t.trail) > t.maxTrailLen {
		t.trail = t.trail[1:]
	}
	return nil
}

// coast advances the track on prediction alone, decaying confidence.
func (t *Track) coast(decay float64) {
	t.currentBBox = t.predicted
	t.confidence *= decay
}

// markMissed registers a failed association. Consecutive hits go back to
// zero, so confirmation always requires an uninterrupted run.
func (t *Track) markMissed() {
	t.misses++
	t.hits = 0
}

func (t *Track) confirm() {
	t.state = StateConfirmed
}

func (t *Track) retire(reason RetireReason) {
	t.state = StateRetired
	t.retireReason = reason
}

// MahalanobisTo returns the Mahalanobis distance from the track's filter
// state to a candidate measurement box.
func (t *Track) MahalanobisTo(bbox Rectangle) (float64, error) {
	center := bbox.Center()
	return t.filter.MahalanobisDistance(center.X, center.Y, bbox.Width, bbox.Height)
}

// Diagonal returns the diagonal length of the current bounding box.
func (t *Track) Diagonal() float64 {
	return math.Sqrt(math.Pow(t.currentBBox.Width, 2) + math.Pow(t.currentBBox.Height, 2))
}
