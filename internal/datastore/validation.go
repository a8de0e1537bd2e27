package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/validation"
)

var (
	_ validation.Store         = (*Store)(nil)
	_ validation.AlertRecorder = (*Store)(nil)
	_ validation.StockLoader   = (*Store)(nil)
)

// CreateRequest inserts a new validation request.
func (s *Store) CreateRequest(ctx context.Context, req validation.Request) error {
	start := time.Now()
	rec := recordFromRequest(req)
	err := s.db.WithContext(ctx).Create(&rec).Error
	s.observe("create_request", start, err)
	if err != nil {
		return dbError(err, "create_request", errors.PriorityMedium, "request_id", req.ID)
	}
	return nil
}

// ApproveRequest marks a pending request approved and records its proposed
// quantity as validated stock, in one transaction.
func (s *Store) ApproveRequest(ctx context.Context, id, adminID string, at time.Time) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := decide(tx, id, map[string]any{
			"status":       string(validation.StatusApproved),
			"validated_at": at.UTC(),
			"validated_by": adminID,
		})
		if err != nil {
			return err
		}
		stock := StockRecord{
			ObjectType: rec.ObjectType,
			Quantity:   rec.ProposedQuantity,
			UpdatedAt:  at.UTC(),
			UpdatedBy:  adminID,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "object_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at", "updated_by"}),
		}).Create(&stock).Error
	})
	s.observe("approve_request", start, err)
	if err != nil {
		return dbError(err, "approve_request", errors.PriorityMedium, "request_id", id)
	}
	return nil
}

// RejectRequest marks a pending request rejected.
func (s *Store) RejectRequest(ctx context.Context, id, adminID, reason string, at time.Time) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := decide(tx, id, map[string]any{
			"status":           string(validation.StatusRejected),
			"validated_at":     at.UTC(),
			"validated_by":     adminID,
			"rejection_reason": reason,
		})
		return err
	})
	s.observe("reject_request", start, err)
	if err != nil {
		return dbError(err, "reject_request", errors.PriorityMedium, "request_id", id)
	}
	return nil
}

// decide applies updates to a pending request inside tx.
func decide(tx *gorm.DB, id string, updates map[string]any) (ValidationRecord, error) {
	var rec ValidationRecord
	if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
		return rec, err
	}
	if rec.Status != string(validation.StatusPending) {
		return rec, ErrRequestDecided
	}
	res := tx.Model(&ValidationRecord{}).
		Where("id = ? AND status = ?", id, string(validation.StatusPending)).
		Updates(updates)
	if res.Error != nil {
		return rec, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, ErrRequestDecided
	}
	return rec, nil
}

// MarkAlertSent records when the unattended-request alert went out.
func (s *Store) MarkAlertSent(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	res := s.db.WithContext(ctx).Model(&ValidationRecord{}).
		Where("id = ?", id).
		Update("alert_sent_at", at.UTC())
	err := res.Error
	if err == nil && res.RowsAffected == 0 {
		err = gorm.ErrRecordNotFound
	}
	s.observe("mark_alert_sent", start, err)
	if err != nil {
		return dbError(err, "mark_alert_sent", errors.PriorityLow, "request_id", id)
	}
	return nil
}

// LoadStock returns the validated quantity per object type.
func (s *Store) LoadStock(ctx context.Context) (map[string]int, error) {
	start := time.Now()
	var recs []StockRecord
	err := s.db.WithContext(ctx).Find(&recs).Error
	s.observe("load_stock", start, err)
	if err != nil {
		return nil, dbError(err, "load_stock", errors.PriorityHigh)
	}
	stock := make(map[string]int, len(recs))
	for _, r := range recs {
		stock[r.ObjectType] = r.Quantity
	}
	return stock, nil
}

// RequestFilter selects requests in ListRequests.
type RequestFilter struct {
	Status     validation.Status // empty matches any
	ObjectType string
	Limit      int // 0 means 100
}

// ListRequests returns persisted requests, newest first.
func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]validation.Request, error) {
	start := time.Now()
	q := s.db.WithContext(ctx).Model(&ValidationRecord{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.ObjectType != "" {
		q = q.Where("object_type = ?", f.ObjectType)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var recs []ValidationRecord
	err := q.Order("created_at DESC").Order("id").Limit(limit).Find(&recs).Error
	s.observe("list_requests", start, err)
	if err != nil {
		return nil, dbError(err, "list_requests", errors.PriorityLow)
	}
	out := make([]validation.Request, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toRequest())
	}
	return out, nil
}
