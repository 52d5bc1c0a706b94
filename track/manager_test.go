package track

import (
	"testing"
)

func testParams() Params {
	p := DefaultParams()
	p.HitsToConfirm = 3
	p.MaxMisses = 8
	p.IoUThreshold = 0.3
	return p
}

func countKind(transitions []Transition, kind TransitionKind) int {
	n := 0
	for _, tr := range transitions {
		if tr.Kind == kind {
			n++
		}
	}
	return n
}

func findKind(transitions []Transition, kind TransitionKind) *Transition {
	for i := range transitions {
		if transitions[i].Kind == kind {
			return &transitions[i]
		}
	}
	return nil
}

func TestManagerConfirmsAfterConsecutiveHits(t *testing.T) {
	m := NewManager(testParams())
	det := Detection{BBox: NewRect(300, 200, 120, 120), Confidence: 0.9}

	// Frame 1: spawn
	transitions, err := m.Advance(1, []Detection{det})
	if err != nil {
		t.Fatal(err)
	}
	created := findKind(transitions, TransitionCreated)
	if created == nil {
		t.Fatal("expected a created transition on frame 1")
	}
	if created.Track.State() != StateProvisional {
		t.Errorf("wrong state after spawn: %s, expected: %s", created.Track.State(), StateProvisional)
	}

	// Frame 2: second consecutive association, still provisional
	transitions, err = m.Advance(2, []Detection{det})
	if err != nil {
		t.Fatal(err)
	}
	if countKind(transitions, TransitionConfirmed) != 0 {
		t.Error("track confirmed too early, after only 2 hits")
	}

	// Frame 3: third consecutive association promotes
	transitions, err = m.Advance(3, []Detection{det})
	if err != nil {
		t.Fatal(err)
	}
	confirmed := findKind(transitions, TransitionConfirmed)
	if confirmed == nil {
		t.Fatal("expected a confirmed transition on frame 3")
	}
	if confirmed.Track.State() != StateConfirmed {
		t.Errorf("wrong state: %s, expected: %s", confirmed.Track.State(), StateConfirmed)
	}
	if confirmed.Track.ID() != created.Track.ID() {
		t.Error("confirmation promoted a different track than the one spawned")
	}

	// Frames 4-5: plain updates, no second confirmation
	for frame := 4; frame <= 5; frame++ {
		transitions, err = m.Advance(frame, []Detection{det})
		if err != nil {
			t.Fatal(err)
		}
		if countKind(transitions, TransitionConfirmed) != 0 {
			t.Errorf("frame %d: confirmed transition repeated", frame)
		}
		if countKind(transitions, TransitionUpdated) != 1 {
			t.Errorf("frame %d: expected exactly one updated transition", frame)
		}
	}
}

func TestManagerInterruptedRunRestartsConfirmation(t *testing.T) {
	p := testParams()
	p.MaxMisses = 20
	m := NewManager(p)
	det := Detection{BBox: NewRect(300, 200, 120, 120), Confidence: 0.9}

	// Two hits, then a refresh pass with nothing, then two hits again:
	// consecutive requirement means still no confirmation.
	frame := 1
	for ; frame <= 2; frame++ {
		if _, err := m.Advance(frame, []Detection{det}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Advance(frame, []Detection{}); err != nil {
		t.Fatal(err)
	}
	frame++
	for ; frame <= 5; frame++ {
		transitions, err := m.Advance(frame, []Detection{det})
		if err != nil {
			t.Fatal(err)
		}
		if countKind(transitions, TransitionConfirmed) != 0 {
			t.Fatalf("frame %d: confirmed despite interrupted run", frame)
		}
	}
	// Third consecutive hit after the gap confirms
	transitions, err := m.Advance(frame, []Detection{det})
	if err != nil {
		t.Fatal(err)
	}
	if countKind(transitions, TransitionConfirmed) != 1 {
		t.Error("expected confirmation on third consecutive hit after the gap")
	}
}

func TestManagerRetiresAfterMissLimit(t *testing.T) {
	m := NewManager(testParams())
	det := Detection{BBox: NewRect(300, 200, 120, 120), Confidence: 0.9}

	for frame := 1; frame <= 3; frame++ {
		if _, err := m.Advance(frame, []Detection{det}); err != nil {
			t.Fatal(err)
		}
	}
	if m.Count() != 1 {
		t.Fatalf("incorrect number of tracks: %d, expected: 1", m.Count())
	}

	// Eight refresh frames with no detections: exactly one retirement, on
	// the eighth consecutive miss.
	var retired *Transition
	for frame := 4; frame <= 11; frame++ {
		transitions, err := m.Advance(frame, []Detection{})
		if err != nil {
			t.Fatal(err)
		}
		if tr := findKind(transitions, TransitionRetired); tr != nil {
			if retired != nil {
				t.Fatalf("frame %d: second retirement for the same track", frame)
			}
			if frame != 11 {
				t.Errorf("retired on frame %d, expected frame 11", frame)
			}
			retired = tr
		}
	}
	if retired == nil {
		t.Fatal("track never retired")
	}
	if retired.Track.State() != StateRetired {
		t.Errorf("wrong state: %s, expected: %s", retired.Track.State(), StateRetired)
	}
	if retired.Track.Misses() != 8 {
		t.Errorf("wrong miss count at retirement: %d, expected: 8", retired.Track.Misses())
	}
	if retired.Track.RetiredReason() != RetireAgedOut {
		t.Errorf("wrong retire reason: %s, expected: %s", retired.Track.RetiredReason(), RetireAgedOut)
	}
	if m.Count() != 0 {
		t.Errorf("retired track still active, count = %d", m.Count())
	}
	if _, ok := m.Get(retired.Track.ID()); ok {
		t.Error("retired track still reachable via Get")
	}
}

func TestManagerRetiresTrackLeavingFrame(t *testing.T) {
	p := testParams()
	p.FrameBounds = NewRect(0, 0, 200, 200)
	m := NewManager(p)

	// Spawns are allowed anywhere; the bounds check runs on the next advance.
	outside := Detection{BBox: NewRect(300, 300, 50, 50), Confidence: 0.9}
	if _, err := m.Advance(1, []Detection{outside}); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 {
		t.Fatalf("incorrect number of tracks: %d, expected: 1", m.Count())
	}

	transitions, err := m.Advance(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	retired := findKind(transitions, TransitionRetired)
	if retired == nil {
		t.Fatal("expected retirement for a track outside the frame")
	}
	if retired.Track.RetiredReason() != RetireLeftFrame {
		t.Errorf("wrong retire reason: %s, expected: %s", retired.Track.RetiredReason(), RetireLeftFrame)
	}
}

func TestManagerCoastConfidenceDecay(t *testing.T) {
	p := testParams()
	p.ConfidenceDecay = 0.5
	p.ConfidenceFloor = 0.3
	p.MaxMisses = 2
	m := NewManager(p)

	det := Detection{BBox: NewRect(80, 80, 60, 60), Confidence: 0.9}
	if _, err := m.Advance(1, []Detection{det}); err != nil {
		t.Fatal(err)
	}
	trk := m.Active()[0]

	// Frame 2: confidence 0.5 is above the floor, no miss
	if _, err := m.Advance(2, nil); err != nil {
		t.Fatal(err)
	}
	if trk.Misses() != 0 {
		t.Errorf("confident coast counted as miss: %d", trk.Misses())
	}

	// Frame 3: confidence 0.25 drops below the floor, first miss
	if _, err := m.Advance(3, nil); err != nil {
		t.Fatal(err)
	}
	if trk.Misses() != 1 {
		t.Errorf("wrong misses: %d, expected: 1", trk.Misses())
	}

	// Frame 4: second miss reaches the limit, low-confidence retirement
	transitions, err := m.Advance(4, nil)
	if err != nil {
		t.Fatal(err)
	}
	retired := findKind(transitions, TransitionRetired)
	if retired == nil {
		t.Fatal("expected low-confidence retirement")
	}
	if retired.Track.RetiredReason() != RetireLowConfidence {
		t.Errorf("wrong retire reason: %s, expected: %s", retired.Track.RetiredReason(), RetireLowConfidence)
	}
}

func TestManagerSpawnCap(t *testing.T) {
	p := testParams()
	p.MaxTracks = 1
	m := NewManager(p)

	detections := []Detection{
		{BBox: NewRect(0, 0, 50, 50), Confidence: 0.9},
		{BBox: NewRect(500, 500, 50, 50), Confidence: 0.9},
	}
	transitions, err := m.Advance(1, detections)
	if err != nil {
		t.Fatal(err)
	}
	if countKind(transitions, TransitionCreated) != 1 {
		t.Errorf("incorrect number of created transitions: %d, expected: 1", countKind(transitions, TransitionCreated))
	}
	if m.Count() != 1 {
		t.Errorf("incorrect number of tracks: %d, expected: 1", m.Count())
	}
	if m.DroppedSpawns() != 1 {
		t.Errorf("incorrect number of dropped spawns: %d, expected: 1", m.DroppedSpawns())
	}
}

func TestManagerKeepsSeparateTracksApart(t *testing.T) {
	m := NewManager(testParams())

	left := Detection{BBox: NewRect(100, 100, 80, 80), Confidence: 0.9}
	right := Detection{BBox: NewRect(600, 100, 80, 80), Confidence: 0.9}

	for frame := 1; frame <= 4; frame++ {
		if _, err := m.Advance(frame, []Detection{left, right}); err != nil {
			t.Fatal(err)
		}
	}
	if m.Count() != 2 {
		t.Fatalf("incorrect number of tracks: %d, expected: 2", m.Count())
	}
	ids := map[string]bool{}
	for _, trk := range m.Active() {
		ids[trk.ID().String()] = true
		if trk.State() != StateConfirmed {
			t.Errorf("track %s not confirmed after 4 hits", trk.ID())
		}
	}
	if len(ids) != 2 {
		t.Errorf("track identifiers collide: %v", ids)
	}
}

func TestManagerTransitionsCarryDetectionIndex(t *testing.T) {
	m := NewManager(testParams())

	left := Detection{BBox: NewRect(100, 100, 80, 80), Confidence: 0.9}
	right := Detection{BBox: NewRect(600, 100, 80, 80), Confidence: 0.9}

	transitions, err := m.Advance(1, []Detection{left, right})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[int]bool{}
	for _, tr := range transitions {
		if tr.DetectionIndex < 0 || tr.DetectionIndex > 1 {
			t.Fatalf("created transition has detection index %d", tr.DetectionIndex)
		}
		seen[tr.DetectionIndex] = true
	}
	if len(seen) != 2 {
		t.Fatalf("created transitions reuse a detection index: %v", seen)
	}

	// Frame 2 presents the detections in swapped order; the index must
	// follow the association, not the slice position.
	swapped := []Detection{right, left}
	transitions, err = m.Advance(2, swapped)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range transitions {
		if tr.Kind != TransitionUpdated {
			continue
		}
		det := swapped[tr.DetectionIndex]
		if euclideanDistance(tr.Track.BBox().Center(), det.BBox.Center()) > 40 {
			t.Errorf("track at %+v paired with detection index %d at %+v",
				tr.Track.BBox().Center(), tr.DetectionIndex, det.BBox.Center())
		}
	}
}

func TestManagerRetirementCarriesNoDetectionIndex(t *testing.T) {
	p := testParams()
	p.FrameBounds = NewRect(0, 0, 200, 200)
	m := NewManager(p)

	if _, err := m.Advance(1, []Detection{{BBox: NewRect(300, 300, 50, 50), Confidence: 0.9}}); err != nil {
		t.Fatal(err)
	}
	transitions, err := m.Advance(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	retired := findKind(transitions, TransitionRetired)
	if retired == nil {
		t.Fatal("expected retirement")
	}
	if retired.DetectionIndex != -1 {
		t.Errorf("retired transition detection index = %d, expected: -1", retired.DetectionIndex)
	}
}

func TestManagerImmediateConfirmWhenThresholdIsOne(t *testing.T) {
	p := testParams()
	p.HitsToConfirm = 1
	m := NewManager(p)

	transitions, err := m.Advance(1, []Detection{{BBox: NewRect(10, 10, 50, 50), Confidence: 0.9}})
	if err != nil {
		t.Fatal(err)
	}
	created := findKind(transitions, TransitionCreated)
	if created == nil {
		t.Fatal("expected created transition")
	}
	if created.Track.State() != StateConfirmed {
		t.Errorf("wrong state: %s, expected: %s", created.Track.State(), StateConfirmed)
	}
}

func TestManagerTwoStageKeepsOccludedTrack(t *testing.T) {
	p := testParams()
	p.Algorithm = AlgorithmByteTrack
	m := NewManager(p)

	det := Detection{BBox: NewRect(100, 100, 80, 100), Confidence: 0.9}
	for frame := 1; frame <= 3; frame++ {
		if _, err := m.Advance(frame, []Detection{det}); err != nil {
			t.Fatal(err)
		}
	}
	tracked := m.Active()[0]
	if tracked.State() != StateConfirmed {
		t.Fatalf("wrong state before occlusion: %s", tracked.State())
	}

	// The face gets half covered: detection confidence drops into the low
	// band. The track must keep updating instead of accruing misses.
	occluded := Detection{BBox: NewRect(102, 100, 80, 100), Confidence: 0.4}
	transitions, err := m.Advance(4, []Detection{occluded})
	if err != nil {
		t.Fatal(err)
	}
	if countKind(transitions, TransitionUpdated) != 1 {
		t.Errorf("expected the low-band detection to update the track, got %+v", transitions)
	}
	if tracked.Misses() != 0 {
		t.Errorf("miss counter moved during occlusion: %d", tracked.Misses())
	}
}

func TestManagerTwoStageIgnoresLowConfidenceSpawn(t *testing.T) {
	p := testParams()
	p.Algorithm = AlgorithmByteTrack
	m := NewManager(p)

	transitions, err := m.Advance(1, []Detection{
		{BBox: NewRect(100, 100, 80, 100), Confidence: 0.4},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 0 {
		t.Errorf("low-confidence detection spawned a track: %+v", transitions)
	}
	if m.Count() != 0 {
		t.Errorf("incorrect number of tracks: %d, expected: 0", m.Count())
	}
}
