package event

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gatesight/facecount/identity"
)

// Toucher records a repeat visit on the registry. Satisfied by
// *identity.Registry.
type Toucher interface {
	Touch(visitorID uuid.UUID, now time.Time) error
}

// Emitter watches track-lifecycle transitions and emits Entry/Exit events
// exactly once per track. It runs on the frame-loop timeline and is not safe
// for concurrent use.
type Emitter struct {
	toucher Toucher
	sinks   []Sink
	// Tracks that entered and have not exited yet. Track identifiers are
	// never reused, so removing on exit keeps this bounded and correct.
	open map[uuid.UUID]openEntry

	entries int
	exits   int
}

type openEntry struct {
	visitorID uuid.UUID
}

// NewEmitter creates an emitter fanning out to the given sinks.
func NewEmitter(toucher Toucher, sinks ...Sink) *Emitter {
	return &Emitter{
		toucher: toucher,
		sinks:   sinks,
		open:    make(map[uuid.UUID]openEntry),
	}
}

// AddSink registers another downstream consumer.
func (e *Emitter) AddSink(sink Sink) {
	e.sinks = append(e.sinks, sink)
}

// RecordEntry emits the Entry event for a track that just acquired its
// identity. A MATCHED resolution also counts a repeat visit on the registry;
// a NEW registration already counted its first visit. Returns nil without
// emitting when this track already entered.
func (e *Emitter) RecordEntry(trackID uuid.UUID, res identity.Resolution, confidence float64, snapshotPath string, now time.Time) (*Event, error) {
	if _, entered := e.open[trackID]; entered {
		return nil, nil
	}

	if res.Outcome == identity.OutcomeMatched {
		if err := e.toucher.Touch(res.VisitorID, now); err != nil {
			return nil, errors.Wrap(err, "can't count repeat visit")
		}
	}

	ev := Event{
		VisitorID:    res.VisitorID,
		Kind:         KindEntry,
		Timestamp:    now,
		TrackID:      trackID,
		Confidence:   confidence,
		SnapshotPath: snapshotPath,
	}
	e.open[trackID] = openEntry{visitorID: res.VisitorID}
	e.entries++
	e.fanOut(ev)
	return &ev, nil
}

// RecordExit emits the Exit event for a retiring track. Tracks that never
// entered, or already exited, emit nothing.
func (e *Emitter) RecordExit(trackID uuid.UUID, confidence float64, now time.Time) *Event {
	entry, entered := e.open[trackID]
	if !entered {
		return nil
	}

	ev := Event{
		VisitorID:  entry.visitorID,
		Kind:       KindExit,
		Timestamp:  now,
		TrackID:    trackID,
		Confidence: confidence,
	}
	delete(e.open, trackID)
	e.exits++
	e.fanOut(ev)
	return &ev
}

// OpenEntries returns how many tracks have entered and not yet exited.
func (e *Emitter) OpenEntries() int {
	return len(e.open)
}

// Counts returns totals since start.
func (e *Emitter) Counts() (entries, exits int) {
	return e.entries, e.exits
}

func (e *Emitter) fanOut(ev Event) {
	for _, sink := range e.sinks {
		if err := sink.Consume(ev); err != nil {
			slog.Warn("event: sink failed",
				"kind", string(ev.Kind),
				"visitor", ev.VisitorID.String(),
				"track", ev.TrackID.String(),
				"error", err)
		}
	}
}
