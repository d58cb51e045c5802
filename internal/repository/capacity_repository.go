package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"medroute/internal/database"
	"medroute/internal/forecast"
)

// CapacityRecord is one historical capacity observation
type CapacityRecord struct {
	ID            uint      `gorm:"primaryKey"`
	HospitalID    string    `gorm:"size:64;not null;index:idx_capacity_hospital_time,priority:1"`
	RecordedAt    time.Time `gorm:"not null;index:idx_capacity_hospital_time,priority:2"`
	AvailableBeds int       `gorm:"not null"`
	AvailableICU  int       `gorm:"not null"`
	Admissions    int       `gorm:"not null;default:0"`
	Discharges    int       `gorm:"not null;default:0"`
}

// TableName overrides the default table name
func (CapacityRecord) TableName() string {
	return "capacity_observations"
}

// CapacityRepository stores capacity history for the forecaster
type CapacityRepository struct {
	db     *database.Database
	logger *zap.Logger
}

// NewCapacityRepository creates a gorm-backed capacity history
func NewCapacityRepository(db *database.Database, logger *zap.Logger) *CapacityRepository {
	return &CapacityRepository{db: db, logger: logger.Named("capacity_repository")}
}

// Record stores one observation
func (r *CapacityRepository) Record(ctx context.Context, obs forecast.Observation) error {
	record := &CapacityRecord{
		HospitalID:    obs.HospitalID,
		RecordedAt:    obs.RecordedAt,
		AvailableBeds: obs.AvailableBeds,
		AvailableICU:  obs.AvailableICU,
		Admissions:    obs.Admissions,
		Discharges:    obs.Discharges,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return errors.Wrap(err, "failed to record capacity observation")
	}
	return nil
}

// History returns up to limit of the most recent observations, oldest first
func (r *CapacityRepository) History(ctx context.Context, hospitalID string, limit int) ([]forecast.Observation, error) {
	query := r.db.WithContext(ctx).
		Where("hospital_id = ?", hospitalID).
		Order("recorded_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []CapacityRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load capacity history")
	}

	out := make([]forecast.Observation, len(records))
	for i, rec := range records {
		out[len(records)-1-i] = forecast.Observation{
			HospitalID:    rec.HospitalID,
			RecordedAt:    rec.RecordedAt,
			AvailableBeds: rec.AvailableBeds,
			AvailableICU:  rec.AvailableICU,
			Admissions:    rec.Admissions,
			Discharges:    rec.Discharges,
		}
	}
	return out, nil
}

// Prune deletes observations older than the cutoff
func (r *CapacityRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("recorded_at < ?", before).Delete(&CapacityRecord{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to prune capacity history")
	}
	if result.RowsAffected > 0 {
		r.logger.Info("Pruned capacity history", zap.Int64("rows", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
