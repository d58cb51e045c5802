package models

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Coordinate is a WGS84 position in decimal degrees
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks that the coordinate is finite and inside the valid lat/lng ranges
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return errors.Wrap(ErrValidation, "coordinate is not finite")
	}
	if c.Lat < -90 || c.Lat > 90 {
		return errors.Wrapf(ErrValidation, "latitude %.6f out of range", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return errors.Wrapf(ErrValidation, "longitude %.6f out of range", c.Lng)
	}
	return nil
}

// Severity represents the clinical severity of a patient
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is one of the known values
func (s Severity) Valid() bool {
	switch s {
	case SeverityMild, SeverityModerate, SeveritySevere, SeverityCritical:
		return true
	}
	return false
}

// NeedsICU reports whether the severity is scored against ICU availability
func (s Severity) NeedsICU() bool {
	return s == SeveritySevere || s == SeverityCritical
}

// LoadLevel represents the current operational load of a hospital
type LoadLevel string

const (
	LoadLow      LoadLevel = "low"
	LoadModerate LoadLevel = "moderate"
	LoadHigh     LoadLevel = "high"
	LoadCritical LoadLevel = "critical"
)

// HospitalSnapshot is a point-in-time view of a hospital supplied by the caller
type HospitalSnapshot struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Address              string          `json:"address"`
	Location             Coordinate      `json:"location"`
	TotalBeds            int             `json:"total_beds"`
	AvailableBeds        int             `json:"available_beds"`
	TotalICU             int             `json:"total_icu"`
	AvailableICU         int             `json:"available_icu"`
	TotalVentilators     int             `json:"total_ventilators"`
	AvailableVentilators int             `json:"available_ventilators"`
	Specialties          map[string]bool `json:"specialties"`
	Equipment            map[string]bool `json:"equipment"`
	Load                 LoadLevel       `json:"load"`
	// Admissions and Discharges count patient movements since the previous update
	Admissions           int             `json:"admissions,omitempty"`
	Discharges           int             `json:"discharges,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// HasSpecialty reports whether the specialty is present and currently available
func (h HospitalSnapshot) HasSpecialty(code string) bool {
	return h.Specialties[code]
}

// HasEquipment reports whether the hospital lists the equipment as present
func (h HospitalSnapshot) HasEquipment(code string) bool {
	return h.Equipment[code]
}

// PatientCondition describes the patient as needed for destination scoring
type PatientCondition struct {
	Severity          Severity `json:"severity"`
	ConditionCode     string   `json:"condition_code"`
	RequiredSpecialty string   `json:"required_specialty,omitempty"`
}

// Validate checks the patient condition fields required for routing
func (p PatientCondition) Validate() error {
	if !p.Severity.Valid() {
		return errors.Wrapf(ErrValidation, "unknown severity %q", p.Severity)
	}
	if p.ConditionCode == "" {
		return errors.Wrap(ErrValidation, "condition code is required")
	}
	return nil
}

// VehicleClass distinguishes priority emergency vehicles from regular traffic
type VehicleClass string

const (
	VehicleAmbulance VehicleClass = "ambulance"
	VehicleStandard  VehicleClass = "standard"
)

// Priority reports whether the vehicle class receives the emergency speed bonus
func (v VehicleClass) Priority() bool {
	return v == VehicleAmbulance
}

// CandidateFilter narrows the hospitals offered to the optimizer. Zero values disable a criterion.
type CandidateFilter struct {
	Near             *Coordinate `json:"near,omitempty"`
	RadiusKm         float64     `json:"radius_km,omitempty"`
	MinAvailableBeds int         `json:"min_available_beds,omitempty"`
	RequireICU       bool        `json:"require_icu,omitempty"`
	ExcludeCritical  bool        `json:"exclude_critical,omitempty"`
	Limit            int         `json:"limit,omitempty"`
}

// TripRecord is the persisted summary of a finished trip
type TripRecord struct {
	TripID                   string     `json:"trip_id"`
	RequestID                string     `json:"request_id,omitempty"`
	VehicleID                string     `json:"vehicle_id"`
	DestinationHospitalID    string     `json:"destination_hospital_id"`
	Origin                   Coordinate `json:"origin"`
	Destination              Coordinate `json:"destination"`
	Status                   string     `json:"status"`
	StartedAt                time.Time  `json:"started_at"`
	CompletedAt              time.Time  `json:"completed_at"`
	DistanceKm               float64    `json:"distance_km"`
	ElapsedMinutes           float64    `json:"elapsed_minutes"`
	AverageSpeedKmh          float64    `json:"average_speed_kmh"`
	SampleCount              int        `json:"sample_count"`
	DeviationCount           int        `json:"deviation_count"`
	ResolvedDeviationMinutes float64    `json:"resolved_deviation_minutes"`
}
