package datastore

import (
	"time"

	"github.com/tphakala/stockvision/internal/camera"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/validation"
)

// ValidationRecord is a persisted validation request.
type ValidationRecord struct {
	ID                       string   `gorm:"primaryKey;size:96"`
	ObjectType               string   `gorm:"index:idx_validation_type_status;size:128;not null"`
	CameraIDs                []string `gorm:"serializer:json"`
	CurrentQuantity          int
	ProposedQuantity         int
	QuantityDelta            int
	AvgConfidence            float64
	DetectionDurationMinutes float64
	Status                   string    `gorm:"index:idx_validation_type_status;size:16;not null"`
	CreatedAt                time.Time `gorm:"index"`
	AlertSentAt              *time.Time
	ValidatedAt              *time.Time
	ValidatedBy              string `gorm:"size:128"`
	RejectionReason          string `gorm:"size:512"`
}

// TableName overrides the gorm default.
func (ValidationRecord) TableName() string { return "validation_requests" }

// StockRecord is the last approved quantity of an object type.
type StockRecord struct {
	ObjectType string `gorm:"primaryKey;size:128"`
	Quantity   int
	UpdatedAt  time.Time
	UpdatedBy  string `gorm:"size:128"`
}

// TableName overrides the gorm default.
func (StockRecord) TableName() string { return "validated_stock" }

// CameraRecord is a camera and its zone as configured at runtime.
type CameraRecord struct {
	ID            string            `gorm:"primaryKey;size:128"`
	Source        string            `gorm:"size:1024;not null"`
	ZoneID        string            `gorm:"index;size:128"`
	ZoneName      string            `gorm:"size:256"`
	EquipmentType string            `gorm:"size:128"`
	ROI           detection.Polygon `gorm:"serializer:json"`
	FPS           float64
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName overrides the gorm default.
func (CameraRecord) TableName() string { return "cameras" }

func recordFromRequest(r validation.Request) ValidationRecord {
	return ValidationRecord{
		ID:                       r.ID,
		ObjectType:               r.ObjectType,
		CameraIDs:                r.CameraIDs,
		CurrentQuantity:          r.CurrentQuantity,
		ProposedQuantity:         r.ProposedQuantity,
		QuantityDelta:            r.QuantityDelta,
		AvgConfidence:            r.AvgConfidence,
		DetectionDurationMinutes: r.DetectionDurationMinutes,
		Status:                   string(r.Status),
		CreatedAt:                r.CreatedAt,
		AlertSentAt:              r.AlertSentAt,
		ValidatedAt:              r.ValidatedAt,
		ValidatedBy:              r.ValidatedBy,
		RejectionReason:          r.RejectionReason,
	}
}

func (rec ValidationRecord) toRequest() validation.Request {
	return validation.Request{
		ID:                       rec.ID,
		ObjectType:               rec.ObjectType,
		CameraIDs:                rec.CameraIDs,
		CurrentQuantity:          rec.CurrentQuantity,
		ProposedQuantity:         rec.ProposedQuantity,
		QuantityDelta:            rec.QuantityDelta,
		AvgConfidence:            rec.AvgConfidence,
		DetectionDurationMinutes: rec.DetectionDurationMinutes,
		Status:                   validation.Status(rec.Status),
		CreatedAt:                rec.CreatedAt,
		AlertSentAt:              rec.AlertSentAt,
		ValidatedAt:              rec.ValidatedAt,
		ValidatedBy:              rec.ValidatedBy,
		RejectionReason:          rec.RejectionReason,
	}
}

func recordFromCamera(c camera.CameraConfig) CameraRecord {
	return CameraRecord{
		ID:            c.ID,
		Source:        c.Source,
		ZoneID:        c.ZoneID,
		ZoneName:      c.ZoneName,
		EquipmentType: c.EquipmentType,
		ROI:           c.ROI,
		FPS:           c.FPS,
		Enabled:       c.Enabled,
	}
}

func (rec CameraRecord) toCamera() camera.CameraConfig {
	return camera.CameraConfig{
		ID:            rec.ID,
		Source:        rec.Source,
		ZoneID:        rec.ZoneID,
		ZoneName:      rec.ZoneName,
		EquipmentType: rec.EquipmentType,
		ROI:           rec.ROI,
		FPS:           rec.FPS,
		Enabled:       rec.Enabled,
	}
}
