// Package detection defines the object detection collaborator: detection
// values, region-of-interest geometry and the Detector strategy consumed by
// camera workers.
package detection

import (
	"context"
	"time"
)

// BBox is a bounding box in frame coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the centre point of the box.
func (b BBox) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Detection is a single object reported by a Detector for one frame.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	TrackID    *int    `json:"trackId,omitempty"`
}

// Event is an immutable detection attributed to a camera, as folded into the
// tracking engine.
type Event struct {
	ObjectType string    `json:"objectType"`
	CameraID   string    `json:"cameraId"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	BBox       BBox      `json:"bbox"`
	TrackID    *int      `json:"trackId,omitempty"`
}

// NewEvent attributes a detection to a camera at the given time.
func NewEvent(cameraID string, d Detection, ts time.Time) Event {
	return Event{
		ObjectType: d.Class,
		CameraID:   cameraID,
		Confidence: d.Confidence,
		Timestamp:  ts,
		BBox:       d.BBox,
		TrackID:    d.TrackID,
	}
}

// Frame is an encoded (JPEG) image captured from a camera.
type Frame struct {
	Data      []byte
	Timestamp time.Time
	Seq       uint64
}

// InferenceOptions are the per-call parameters passed to a Detector.
type InferenceOptions struct {
	Confidence float64  // minimum confidence reported
	Classes    []string // optional class filter
}

// Result is the output of one inference call.
type Result struct {
	Detections []Detection
	Annotated  []byte // annotated JPEG; empty means the input frame is used
}

// Detector runs object detection on frames. Implementations are bound to one
// model/tracker/segmenter combination; switching means installing a new Detector.
type Detector interface {
	Infer(ctx context.Context, frame Frame, opts InferenceOptions) (Result, error)
	Name() string
}

// Factory builds a Detector for the given configuration.
type Factory func(cfg Config) (Detector, error)
