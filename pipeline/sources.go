// Package pipeline drives the frame loop: it feeds detections to the track
// manager, schedules identity resolution for confirmed tracks, turns
// lifecycle transitions into entry and exit events and hands durable state
// to the write-behind journal.
package pipeline

import (
	"context"
	"image"
	"time"

	"github.com/gatesight/facecount/track"
)

// Detection is one detected face in a frame, together with whatever identity
// inputs the source can provide. A scripted source carries precomputed
// embeddings; a live source carries crops for the embedder.
type Detection struct {
	BBox       track.Rectangle
	Confidence float64
	// Embedding is the face descriptor, when the source already computed it.
	Embedding []float32
	// Crop is the face cutout handed to the embedder. May be nil.
	Crop image.Image
}

// Frame is one step of pipeline input.
type Frame struct {
	Index      int
	Timestamp  time.Time
	Detections []Detection
	// Image is the full frame, used for snapshot cutouts. May be nil.
	Image image.Image
}

// Source yields frames in order. Next returns io.EOF after the last frame.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}
