package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the lifecycle marker type.
type Kind string

const (
	// KindEntry is emitted when a track first acquires a resolved identity.
	KindEntry Kind = "entry"
	// KindExit is emitted when a track that entered retires.
	KindExit Kind = "exit"
)

// Event is one lifecycle marker. Immutable once emitted; the event log is
// append-only.
type Event struct {
	VisitorID  uuid.UUID
	Kind       Kind
	Timestamp  time.Time
	TrackID    uuid.UUID
	Confidence float64
	// SnapshotPath points at the saved face crop, when one was taken.
	SnapshotPath string
}

// Sink receives emitted events. A sink error is reported but never blocks
// other sinks or the frame loop.
type Sink interface {
	Consume(ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

func (f SinkFunc) Consume(ev Event) error {
	return f(ev)
}
