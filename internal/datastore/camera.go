package datastore

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/tphakala/stockvision/internal/camera"
	"github.com/tphakala/stockvision/internal/errors"
)

var _ camera.CameraStore = (*Store)(nil)

// SaveCamera inserts or replaces a camera.
func (s *Store) SaveCamera(ctx context.Context, cfg camera.CameraConfig) error {
	start := time.Now()
	rec := recordFromCamera(cfg)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source", "zone_id", "zone_name", "equipment_type", "roi", "fps", "enabled", "updated_at",
		}),
	}).Create(&rec).Error
	s.observe("save_camera", start, err)
	if err != nil {
		return dbError(err, "save_camera", errors.PriorityMedium, "camera_id", cfg.ID)
	}
	return nil
}

// DeleteCamera removes a camera. Deleting an unknown id is not an error.
func (s *Store) DeleteCamera(ctx context.Context, id string) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&CameraRecord{}).Error
	s.observe("delete_camera", start, err)
	if err != nil {
		return dbError(err, "delete_camera", errors.PriorityMedium, "camera_id", id)
	}
	return nil
}

// LoadCameras returns every saved camera ordered by id.
func (s *Store) LoadCameras(ctx context.Context) ([]camera.CameraConfig, error) {
	start := time.Now()
	var recs []CameraRecord
	err := s.db.WithContext(ctx).Order("id").Find(&recs).Error
	s.observe("load_cameras", start, err)
	if err != nil {
		return nil, dbError(err, "load_cameras", errors.PriorityHigh)
	}
	out := make([]camera.CameraConfig, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toCamera())
	}
	return out, nil
}
