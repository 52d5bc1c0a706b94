package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/gatesight/facecount/track"
)

// ScriptDetection is one detection in a scripted frame.
type ScriptDetection struct {
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// ScriptFrame lists the detections of one frame. Frames absent from the
// script play back empty.
type ScriptFrame struct {
	Index      int               `json:"index"`
	Detections []ScriptDetection `json:"detections"`
}

// Script is a recorded detection sequence for deterministic replay. The
// format mirrors what a detector would produce per frame, so a capture can
// be replayed against different tuning without the camera.
type Script struct {
	Name string `json:"name,omitempty"`
	// FPS drives the synthetic frame timestamps. Defaults to 10.
	FPS float64 `json:"fps,omitempty"`
	// FrameCount is how many frames to play. Zero means one past the
	// highest scripted index.
	FrameCount int           `json:"frame_count,omitempty"`
	Frames     []ScriptFrame `json:"frames"`
}

// LoadScript reads a replay script from a JSON file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read replay script")
	}
	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, errors.Wrap(err, "can't parse replay script")
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &script, nil
}

// Validate checks the scripted frames and fills the derivable fields.
func (s *Script) Validate() error {
	if s.FPS < 0 {
		return errors.Errorf("fps must be non-negative, got %f", s.FPS)
	}
	if s.FPS == 0 {
		s.FPS = 10
	}
	lastIndex := -1
	for _, frame := range s.Frames {
		if frame.Index <= lastIndex {
			return errors.Errorf("frame index %d out of order", frame.Index)
		}
		lastIndex = frame.Index
		for i, det := range frame.Detections {
			if det.Width <= 0 || det.Height <= 0 {
				return errors.Errorf("frame %d detection %d has empty box %fx%f",
					frame.Index, i, det.Width, det.Height)
			}
		}
	}
	if s.FrameCount == 0 {
		s.FrameCount = lastIndex + 1
	}
	if s.FrameCount <= lastIndex {
		return errors.Errorf("frame_count %d does not cover scripted index %d", s.FrameCount, lastIndex)
	}
	return nil
}

// ScriptSource plays a Script back as a frame source.
type ScriptSource struct {
	script  *Script
	byIndex map[int][]Detection
	next    int
	start   time.Time
	step    time.Duration
}

// NewScriptSource prepares a replay starting at the given wall time. The
// script must have passed Validate, which LoadScript guarantees.
func NewScriptSource(script *Script, start time.Time) *ScriptSource {
	byIndex := make(map[int][]Detection, len(script.Frames))
	for _, frame := range script.Frames {
		detections := make([]Detection, len(frame.Detections))
		for i, det := range frame.Detections {
			detections[i] = Detection{
				BBox:       track.NewRect(det.X, det.Y, det.Width, det.Height),
				Confidence: det.Confidence,
				Embedding:  det.Embedding,
			}
		}
		byIndex[frame.Index] = detections
	}
	return &ScriptSource{
		script:  script,
		byIndex: byIndex,
		start:   start,
		step:    time.Duration(float64(time.Second) / script.FPS),
	}
}

// Next returns the next scripted frame, or io.EOF past the end.
func (s *ScriptSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= s.script.FrameCount {
		return Frame{}, io.EOF
	}
	index := s.next
	s.next++
	return Frame{
		Index:      index,
		Timestamp:  s.start.Add(time.Duration(index) * s.step),
		Detections: s.byIndex[index],
	}, nil
}
