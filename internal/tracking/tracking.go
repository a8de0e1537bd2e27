// Package tracking implements the temporal tracking engine: one state machine
// per (object type, camera) key that folds in detection events and decides
// when a presence is stable enough to propose a stock change.
package tracking

import (
	"time"

	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/logger"
)

// Status is the state of a tracking.
type Status string

const (
	StatusTracking          Status = "TRACKING"
	StatusStable            Status = "STABLE"
	StatusPendingValidation Status = "PENDING_VALIDATION"
	StatusValidated         Status = "VALIDATED"
	StatusRejected          Status = "REJECTED"
)

// Outcome is the result of processing one detection.
type Outcome string

const (
	OutcomeIgnored  Outcome = "ignored"
	OutcomeTracking Outcome = "tracking"
	OutcomeStable   Outcome = "stable"
)

// Key identifies a tracking.
type Key struct {
	ObjectType string `json:"objectType"`
	CameraID   string `json:"cameraId"`
}

// Tracking is a snapshot of one tracking. Values returned by the engine are
// copies and never alias engine state.
type Tracking struct {
	Key
	FirstSeen          time.Time         `json:"firstSeen"`
	LastSeen           time.Time         `json:"lastSeen"`
	Count              int               `json:"count"`
	AvgConfidence      float64           `json:"avgConfidence"`
	Status             Status            `json:"status"`
	StabilityThreshold time.Duration     `json:"stabilityThreshold"`
	Events             []detection.Event `json:"events,omitempty"`
}

// Duration is the time between first and last sighting.
func (t *Tracking) Duration() time.Duration {
	return t.LastSeen.Sub(t.FirstSeen)
}

// windowCount counts events no older than window relative to LastSeen.
func (t *Tracking) windowCount(window time.Duration) int {
	n := 0
	for i := len(t.Events) - 1; i >= 0; i-- {
		if t.LastSeen.Sub(t.Events[i].Timestamp) <= window {
			n++
		}
	}
	return n
}

// reset clears evidence so tracking restarts cleanly.
func (t *Tracking) reset(now time.Time) {
	t.Events = nil
	t.Count = 0
	t.AvgConfidence = 0
	t.FirstSeen = now
	t.LastSeen = now
}

func (t *Tracking) clone(withEvents bool) Tracking {
	c := *t
	c.Events = nil
	if withEvents && len(t.Events) > 0 {
		c.Events = make([]detection.Event, len(t.Events))
		copy(c.Events, t.Events)
	}
	return c
}

// GetLogger returns the tracking package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("tracking")
}
