package pipeline

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/gatesight/facecount/event"
	"github.com/gatesight/facecount/track"
)

// snapshotSize bounds the longer side of a saved face cutout.
const snapshotSize = 160

// SnapshotWriter saves JPEG face cutouts under the output directory, one
// folder per calendar day.
type SnapshotWriter struct {
	dir string
}

func NewSnapshotWriter(dir string) *SnapshotWriter {
	return &SnapshotWriter{dir: dir}
}

// Save writes the face behind an event to disk and returns the path relative
// to the output directory. Prefers a ready crop; falls back to cutting the
// box out of the full frame. With neither available it returns an empty path
// and no error.
func (w *SnapshotWriter) Save(frame image.Image, crop image.Image, bbox track.Rectangle, visitorID uuid.UUID, kind event.Kind, ts time.Time) (string, error) {
	img := crop
	if img == nil && frame != nil {
		img = cutOut(frame, bbox)
	}
	if img == nil {
		return "", nil
	}

	rel := filepath.Join("entries", ts.Format("2006-01-02"),
		fmt.Sprintf("%s_%s_%d.jpg", visitorID, kind, ts.Unix()))
	full := filepath.Join(w.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", errors.Wrap(err, "can't create snapshot directory")
	}

	f, err := os.Create(full)
	if err != nil {
		return "", errors.Wrap(err, "can't create snapshot file")
	}
	defer f.Close()
	if err := jpeg.Encode(f, resizeSnapshot(img, snapshotSize), &jpeg.Options{Quality: 85}); err != nil {
		return "", errors.Wrap(err, "can't encode snapshot")
	}
	return rel, nil
}

// cutOut copies the part of the frame under the box. Boxes partially outside
// the frame are clipped; fully outside yields nil.
func cutOut(frame image.Image, bbox track.Rectangle) image.Image {
	r := bbox.ToImageRect().Intersect(frame.Bounds())
	if r.Empty() {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, r.Min, draw.Src)
	return dst
}

// resizeSnapshot scales the image down to fit within maxSize while keeping
// the aspect ratio. Images already small enough pass through.
func resizeSnapshot(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= maxSize && height <= maxSize {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = height * maxSize / width
	} else {
		newHeight = maxSize
		newWidth = width * maxSize / height
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
