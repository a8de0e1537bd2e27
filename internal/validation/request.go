// Package validation turns stable trackings into stock change requests that
// an operator approves or rejects.
package validation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/stockvision/internal/logger"
)

// Status of a validation request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is a proposed stock change. Values handed out by the workflow are
// copies.
type Request struct {
	ID                       string     `json:"id"`
	ObjectType               string     `json:"objectType"`
	CameraIDs                []string   `json:"cameraIds"`
	CurrentQuantity          int        `json:"currentQuantity"`
	ProposedQuantity         int        `json:"proposedQuantity"`
	QuantityDelta            int        `json:"quantityDelta"`
	AvgConfidence            float64    `json:"avgConfidence"`
	DetectionDurationMinutes float64    `json:"detectionDurationMinutes"`
	Status                   Status     `json:"status"`
	CreatedAt                time.Time  `json:"createdAt"`
	AlertSentAt              *time.Time `json:"alertSentAt,omitempty"`
	ValidatedAt              *time.Time `json:"validatedAt,omitempty"`
	ValidatedBy              string     `json:"validatedBy,omitempty"`
	RejectionReason          string     `json:"rejectionReason,omitempty"`
}

// Clone returns a deep copy.
func (r *Request) Clone() Request {
	c := *r
	c.CameraIDs = slices.Clone(r.CameraIDs)
	if r.AlertSentAt != nil {
		t := *r.AlertSentAt
		c.AlertSentAt = &t
	}
	if r.ValidatedAt != nil {
		t := *r.ValidatedAt
		c.ValidatedAt = &t
	}
	return c
}

// Store persists requests. Each call may fail independently.
type Store interface {
	CreateRequest(ctx context.Context, req Request) error
	ApproveRequest(ctx context.Context, id, adminID string, at time.Time) error
	RejectRequest(ctx context.Context, id, adminID, reason string, at time.Time) error
}

// AlertRecorder is implemented by stores that persist alert timestamps.
type AlertRecorder interface {
	MarkAlertSent(ctx context.Context, id string, at time.Time) error
}

// StockLoader supplies validated stock at startup.
type StockLoader interface {
	LoadStock(ctx context.Context) (map[string]int, error)
}

// newRequestID derives a unique id from the object type and creation time.
func newRequestID(objectType string, at time.Time) string {
	return fmt.Sprintf("VAL-%s-%s-%s", objectType, at.Format("20060102150405"), uuid.NewString()[:8])
}

func createdMessage(r *Request) string {
	return fmt.Sprintf("New stock detected: %s (%+d)", r.ObjectType, r.QuantityDelta)
}

func approvedMessage(r *Request) string {
	return fmt.Sprintf("Validation approved: %s (%d units)", r.ObjectType, r.ProposedQuantity)
}

func rejectedMessage(r *Request) string {
	return fmt.Sprintf("Validation rejected: %s", r.ObjectType)
}

func alertMessage(r *Request, age time.Duration) string {
	return fmt.Sprintf("Validation pending for %s: %s (%+d)", age.Truncate(time.Minute), r.ObjectType, r.QuantityDelta)
}

// GetLogger returns the validation package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("validation")
}
