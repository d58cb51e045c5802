package repository

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"medroute/internal/database"
	"medroute/internal/models"
)

// ErrTripRecordNotFound is returned for unknown trip ids
var ErrTripRecordNotFound = errors.Wrap(models.ErrNotFound, "trip record not found")

// TripRow is the relational row for a finished trip
type TripRow struct {
	TripID                   string    `gorm:"primaryKey;size:128"`
	RequestID                string    `gorm:"size:64;index"`
	VehicleID                string    `gorm:"size:128;index;not null"`
	DestinationHospitalID    string    `gorm:"size:64;index;not null"`
	OriginLat                float64
	OriginLng                float64
	DestinationLat           float64
	DestinationLng           float64
	Status                   string    `gorm:"size:16;not null"`
	StartedAt                time.Time `gorm:"not null"`
	CompletedAt              time.Time `gorm:"not null;index"`
	DistanceKm               float64
	ElapsedMinutes           float64
	AverageSpeedKmh          float64
	SampleCount              int
	DeviationCount           int
	ResolvedDeviationMinutes float64
	CreatedAt                time.Time
}

// TableName overrides the default table name
func (TripRow) TableName() string {
	return "trips"
}

func tripRow(t models.TripRecord) *TripRow {
	return &TripRow{
		TripID:                   t.TripID,
		RequestID:                t.RequestID,
		VehicleID:                t.VehicleID,
		DestinationHospitalID:    t.DestinationHospitalID,
		OriginLat:                t.Origin.Lat,
		OriginLng:                t.Origin.Lng,
		DestinationLat:           t.Destination.Lat,
		DestinationLng:           t.Destination.Lng,
		Status:                   t.Status,
		StartedAt:                t.StartedAt,
		CompletedAt:              t.CompletedAt,
		DistanceKm:               t.DistanceKm,
		ElapsedMinutes:           t.ElapsedMinutes,
		AverageSpeedKmh:          t.AverageSpeedKmh,
		SampleCount:              t.SampleCount,
		DeviationCount:           t.DeviationCount,
		ResolvedDeviationMinutes: t.ResolvedDeviationMinutes,
	}
}

func (r *TripRow) toRecord() models.TripRecord {
	return models.TripRecord{
		TripID:                   r.TripID,
		RequestID:                r.RequestID,
		VehicleID:                r.VehicleID,
		DestinationHospitalID:    r.DestinationHospitalID,
		Origin:                   models.Coordinate{Lat: r.OriginLat, Lng: r.OriginLng},
		Destination:              models.Coordinate{Lat: r.DestinationLat, Lng: r.DestinationLng},
		Status:                   r.Status,
		StartedAt:                r.StartedAt,
		CompletedAt:              r.CompletedAt,
		DistanceKm:               r.DistanceKm,
		ElapsedMinutes:           r.ElapsedMinutes,
		AverageSpeedKmh:          r.AverageSpeedKmh,
		SampleCount:              r.SampleCount,
		DeviationCount:           r.DeviationCount,
		ResolvedDeviationMinutes: r.ResolvedDeviationMinutes,
	}
}

// TripRepository persists finished trip summaries
type TripRepository interface {
	SaveTrip(ctx context.Context, record models.TripRecord) error
	GetTrip(ctx context.Context, tripID string) (*models.TripRecord, error)
}

type tripRepository struct {
	db     *database.Database
	logger *zap.Logger
}

// NewTripRepository creates a gorm-backed trip repository
func NewTripRepository(db *database.Database, logger *zap.Logger) TripRepository {
	return &tripRepository{db: db, logger: logger.Named("trip_repository")}
}

func (r *tripRepository) SaveTrip(ctx context.Context, record models.TripRecord) error {
	if err := r.db.WithContext(ctx).Create(tripRow(record)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Wrapf(models.ErrConflict, "trip %s already recorded", record.TripID)
		}
		return errors.Wrap(err, "failed to save trip")
	}
	r.logger.Debug("Trip record saved", zap.String("trip_id", record.TripID))
	return nil
}

func (r *tripRepository) GetTrip(ctx context.Context, tripID string) (*models.TripRecord, error) {
	var row TripRow
	if err := r.db.WithContext(ctx).Where("trip_id = ?", tripID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTripRecordNotFound
		}
		return nil, errors.Wrap(err, "failed to get trip")
	}
	rec := row.toRecord()
	return &rec, nil
}

// MemoryTrips keeps trip summaries in process memory
type MemoryTrips struct {
	mu    sync.RWMutex
	trips map[string]models.TripRecord
}

// NewMemoryTrips creates an empty in-memory trip repository
func NewMemoryTrips() *MemoryTrips {
	return &MemoryTrips{trips: make(map[string]models.TripRecord)}
}

func (m *MemoryTrips) SaveTrip(_ context.Context, record models.TripRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.trips[record.TripID]; exists {
		return errors.Wrapf(models.ErrConflict, "trip %s already recorded", record.TripID)
	}
	m.trips[record.TripID] = record
	return nil
}

func (m *MemoryTrips) GetTrip(_ context.Context, tripID string) (*models.TripRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.trips[tripID]
	if !ok {
		return nil, ErrTripRecordNotFound
	}
	return &rec, nil
}

// Models lists every table owned by this package, for migrations
func Models() []interface{} {
	return []interface{}{&HospitalRecord{}, &CapacityRecord{}, &TripRow{}}
}
