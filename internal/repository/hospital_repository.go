package repository

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"medroute/internal/database"
	"medroute/internal/geo"
	"medroute/internal/models"
)

// ErrHospitalNotFound is returned for unknown hospital ids
var ErrHospitalNotFound = errors.Wrap(models.ErrNotFound, "hospital not found")

// HospitalRecord is the relational row for a hospital
type HospitalRecord struct {
	ID                   string          `gorm:"primaryKey;size:64"`
	Name                 string          `gorm:"size:255;not null"`
	Address              string          `gorm:"size:512"`
	Lat                  float64         `gorm:"index:idx_hospital_location"`
	Lng                  float64         `gorm:"index:idx_hospital_location"`
	TotalBeds            int             `gorm:"not null;default:0"`
	AvailableBeds        int             `gorm:"not null;default:0;index"`
	TotalICU             int             `gorm:"not null;default:0"`
	AvailableICU         int             `gorm:"not null;default:0"`
	TotalVentilators     int             `gorm:"not null;default:0"`
	AvailableVentilators int             `gorm:"not null;default:0"`
	Specialties          map[string]bool `gorm:"serializer:json;type:jsonb"`
	Equipment            map[string]bool `gorm:"serializer:json;type:jsonb"`
	Load                 string          `gorm:"size:16;not null;default:'low'"`
	UpdatedAt            time.Time
}

// TableName overrides the default table name
func (HospitalRecord) TableName() string {
	return "hospitals"
}

func (r *HospitalRecord) toSnapshot() models.HospitalSnapshot {
	return models.HospitalSnapshot{
		ID:                   r.ID,
		Name:                 r.Name,
		Address:              r.Address,
		Location:             models.Coordinate{Lat: r.Lat, Lng: r.Lng},
		TotalBeds:            r.TotalBeds,
		AvailableBeds:        r.AvailableBeds,
		TotalICU:             r.TotalICU,
		AvailableICU:         r.AvailableICU,
		TotalVentilators:     r.TotalVentilators,
		AvailableVentilators: r.AvailableVentilators,
		Specialties:          r.Specialties,
		Equipment:            r.Equipment,
		Load:                 models.LoadLevel(r.Load),
		UpdatedAt:            r.UpdatedAt,
	}
}

func hospitalRecord(h models.HospitalSnapshot) *HospitalRecord {
	return &HospitalRecord{
		ID:                   h.ID,
		Name:                 h.Name,
		Address:              h.Address,
		Lat:                  h.Location.Lat,
		Lng:                  h.Location.Lng,
		TotalBeds:            h.TotalBeds,
		AvailableBeds:        h.AvailableBeds,
		TotalICU:             h.TotalICU,
		AvailableICU:         h.AvailableICU,
		TotalVentilators:     h.TotalVentilators,
		AvailableVentilators: h.AvailableVentilators,
		Specialties:          h.Specialties,
		Equipment:            h.Equipment,
		Load:                 string(h.Load),
		UpdatedAt:            h.UpdatedAt,
	}
}

// HospitalRepository reads and writes hospital capacity snapshots
type HospitalRepository interface {
	ListCandidates(ctx context.Context, filter models.CandidateFilter) ([]models.HospitalSnapshot, error)
	Get(ctx context.Context, id string) (*models.HospitalSnapshot, error)
	Upsert(ctx context.Context, hospital models.HospitalSnapshot) error
}

type hospitalRepository struct {
	db     *database.Database
	logger *zap.Logger
}

// NewHospitalRepository creates a gorm-backed hospital repository
func NewHospitalRepository(db *database.Database, logger *zap.Logger) HospitalRepository {
	return &hospitalRepository{db: db, logger: logger.Named("hospital_repository")}
}

func (r *hospitalRepository) ListCandidates(ctx context.Context, filter models.CandidateFilter) ([]models.HospitalSnapshot, error) {
	query := r.db.WithContext(ctx).Model(&HospitalRecord{})

	if filter.MinAvailableBeds > 0 {
		query = query.Where("available_beds >= ?", filter.MinAvailableBeds)
	}
	if filter.RequireICU {
		query = query.Where("available_icu > 0")
	}
	if filter.ExcludeCritical {
		query = query.Where("load <> ?", string(models.LoadCritical))
	}
	if filter.Near != nil && filter.RadiusKm > 0 {
		// bounding box prefilter; the exact radius is applied below
		dLat, dLng := boundingBox(*filter.Near, filter.RadiusKm)
		query = query.Where("lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?",
			filter.Near.Lat-dLat, filter.Near.Lat+dLat, filter.Near.Lng-dLng, filter.Near.Lng+dLng)
	}

	var records []HospitalRecord
	if err := query.Order("id ASC").Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list candidate hospitals")
	}

	out := make([]models.HospitalSnapshot, 0, len(records))
	for i := range records {
		h := records[i].toSnapshot()
		if !withinRadius(h, filter) {
			continue
		}
		out = append(out, h)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}

	r.logger.Debug("Candidate hospitals loaded", zap.Int("count", len(out)))
	return out, nil
}

func (r *hospitalRepository) Get(ctx context.Context, id string) (*models.HospitalSnapshot, error) {
	var record HospitalRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHospitalNotFound
		}
		return nil, errors.Wrap(err, "failed to get hospital")
	}
	h := record.toSnapshot()
	return &h, nil
}

func (r *hospitalRepository) Upsert(ctx context.Context, hospital models.HospitalSnapshot) error {
	if hospital.ID == "" {
		return errors.Wrap(models.ErrValidation, "hospital id is required")
	}
	if err := hospital.Location.Validate(); err != nil {
		return errors.Wrap(err, "invalid hospital location")
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(hospitalRecord(hospital)).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert hospital")
	}
	return nil
}

// MemoryHospitals is an in-process hospital directory
type MemoryHospitals struct {
	mu        sync.RWMutex
	hospitals map[string]models.HospitalSnapshot
}

// NewMemoryHospitals creates a directory seeded with the given hospitals
func NewMemoryHospitals(seed ...models.HospitalSnapshot) *MemoryHospitals {
	m := &MemoryHospitals{hospitals: make(map[string]models.HospitalSnapshot)}
	for _, h := range seed {
		m.hospitals[h.ID] = h
	}
	return m
}

func (m *MemoryHospitals) ListCandidates(_ context.Context, filter models.CandidateFilter) ([]models.HospitalSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.HospitalSnapshot, 0, len(m.hospitals))
	for _, h := range m.hospitals {
		if matchesFilter(h, filter) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryHospitals) Get(_ context.Context, id string) (*models.HospitalSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hospitals[id]
	if !ok {
		return nil, ErrHospitalNotFound
	}
	return &h, nil
}

func (m *MemoryHospitals) Upsert(_ context.Context, hospital models.HospitalSnapshot) error {
	if hospital.ID == "" {
		return errors.Wrap(models.ErrValidation, "hospital id is required")
	}
	if err := hospital.Location.Validate(); err != nil {
		return errors.Wrap(err, "invalid hospital location")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hospitals[hospital.ID] = hospital
	return nil
}

func matchesFilter(h models.HospitalSnapshot, filter models.CandidateFilter) bool {
	if filter.MinAvailableBeds > 0 && h.AvailableBeds < filter.MinAvailableBeds {
		return false
	}
	if filter.RequireICU && h.AvailableICU <= 0 {
		return false
	}
	if filter.ExcludeCritical && h.Load == models.LoadCritical {
		return false
	}
	return withinRadius(h, filter)
}

func withinRadius(h models.HospitalSnapshot, filter models.CandidateFilter) bool {
	if filter.Near == nil || filter.RadiusKm <= 0 {
		return true
	}
	return geo.Distance(*filter.Near, h.Location) <= filter.RadiusKm
}

// boundingBox returns the latitude and longitude half-widths in degrees covering radiusKm around c
func boundingBox(c models.Coordinate, radiusKm float64) (float64, float64) {
	dLat := radiusKm / geo.EarthRadiusKm * 180 / math.Pi
	cosLat := math.Cos(c.Lat * math.Pi / 180)
	if cosLat < 1e-6 {
		return dLat, 180
	}
	return dLat, math.Min(180, dLat/cosLat)
}
