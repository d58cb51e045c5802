package tracking

import (
	"time"

	"github.com/pkg/errors"

	"medroute/internal/models"
)

var (
	// ErrSessionNotFound is returned for unknown or already stopped trips
	ErrSessionNotFound = errors.Wrap(models.ErrNotFound, "trip session not found")
	// ErrAlertNotFound is returned for unknown alert ids within a trip
	ErrAlertNotFound = errors.Wrap(models.ErrNotFound, "deviation alert not found")
	// ErrTripExists is returned when starting a trip id that is already tracked
	ErrTripExists = errors.Wrap(models.ErrConflict, "trip is already being tracked")
)

// Status is the lifecycle state of a trip session
type Status string

const (
	StatusTracking  Status = "tracking"
	StatusCompleted Status = "completed"
)

// Severity grades a deviation alert
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// PlannedRoute is the route the vehicle is expected to follow
type PlannedRoute struct {
	Coordinates              []models.Coordinate `json:"coordinates"`
	Heading                  *float64            `json:"heading,omitempty"`
	DurationInTrafficMinutes float64             `json:"duration_in_traffic_minutes,omitempty"`
}

// LocationSample is a single position report from the vehicle
type LocationSample struct {
	Location   models.Coordinate `json:"location"`
	Heading    *float64          `json:"heading,omitempty"`
	SpeedKmh   *float64          `json:"speed_kmh,omitempty"`
	RecordedAt time.Time         `json:"recorded_at,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Resolution describes how a deviation was handled
type Resolution struct {
	Action string `json:"action"`
	Notes  string `json:"notes,omitempty"`
}

// Alert is a detected deviation from the planned route or schedule
type Alert struct {
	ID                      string            `json:"id"`
	TripID                  string            `json:"trip_id"`
	DetectedAt              time.Time         `json:"detected_at"`
	Severity                Severity          `json:"severity"`
	Reasons                 []string          `json:"reasons"`
	Location                models.Coordinate `json:"location"`
	DistanceFromRouteMeters float64           `json:"distance_from_route_meters"`
	HeadingDeviation        float64           `json:"heading_deviation"`
	DelayMinutes            float64           `json:"delay_minutes"`
	Acknowledged            bool              `json:"acknowledged"`
	AcknowledgedBy          string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt          *time.Time        `json:"acknowledged_at,omitempty"`
	Resolved                bool              `json:"resolved"`
	ResolvedBy              string            `json:"resolved_by,omitempty"`
	ResolvedAt              *time.Time        `json:"resolved_at,omitempty"`
	Resolution              *Resolution       `json:"resolution,omitempty"`
}

// Session is the live state of a tracked trip
type Session struct {
	TripID                string            `json:"trip_id"`
	VehicleID             string            `json:"vehicle_id"`
	DestinationHospitalID string            `json:"destination_hospital_id"`
	Origin                models.Coordinate `json:"origin"`
	Destination           models.Coordinate `json:"destination"`
	Route                 PlannedRoute      `json:"route"`
	Status                Status            `json:"status"`
	StartedAt             time.Time         `json:"started_at"`
	LastUpdate            time.Time         `json:"last_update"`
	ExpectedArrival       time.Time         `json:"expected_arrival"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	FirstSampleAt         *time.Time        `json:"first_sample_at,omitempty"`
	LastSampleAt          *time.Time        `json:"last_sample_at,omitempty"`
	History               []LocationSample  `json:"history"`
	Alerts                []Alert           `json:"alerts"`
	DistanceKm            float64           `json:"distance_km"`
	SampleCount           int               `json:"sample_count"`
}

// Clone returns a deep copy safe to hand to callers
func (s *Session) Clone() *Session {
	c := *s
	c.Route.Coordinates = append([]models.Coordinate(nil), s.Route.Coordinates...)
	c.Route.Heading = cloneFloat(s.Route.Heading)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.FirstSampleAt = cloneTime(s.FirstSampleAt)
	c.LastSampleAt = cloneTime(s.LastSampleAt)

	c.History = make([]LocationSample, len(s.History))
	for i, sample := range s.History {
		sample.Heading = cloneFloat(sample.Heading)
		sample.SpeedKmh = cloneFloat(sample.SpeedKmh)
		c.History[i] = sample
	}

	c.Alerts = make([]Alert, len(s.Alerts))
	for i, a := range s.Alerts {
		c.Alerts[i] = a.clone()
	}
	return &c
}

func (a Alert) clone() Alert {
	a.Reasons = append([]string(nil), a.Reasons...)
	a.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	a.ResolvedAt = cloneTime(a.ResolvedAt)
	if a.Resolution != nil {
		r := *a.Resolution
		a.Resolution = &r
	}
	return a
}

func (s *Session) findAlert(alertID string) (*Alert, bool) {
	for i := range s.Alerts {
		if s.Alerts[i].ID == alertID {
			return &s.Alerts[i], true
		}
	}
	return nil, false
}

// Stats summarises a completed trip
type Stats struct {
	DistanceKm               float64 `json:"distance_km"`
	ElapsedMinutes           float64 `json:"elapsed_minutes"`
	AverageSpeedKmh          float64 `json:"average_speed_kmh"`
	SampleCount              int     `json:"sample_count"`
	DeviationCount           int     `json:"deviation_count"`
	ResolvedDeviationMinutes float64 `json:"resolved_deviation_minutes"`
}

// Completion is the terminal snapshot returned when a trip stops
type Completion struct {
	Session Session `json:"session"`
	Stats   Stats   `json:"stats"`
}

// UpdateResult is the outcome of a location update
type UpdateResult struct {
	Session Session `json:"session"`
	Alert   *Alert  `json:"alert,omitempty"`
}

// StartRequest carries everything needed to begin tracking a trip
type StartRequest struct {
	TripID                string            `json:"trip_id"`
	VehicleID             string            `json:"vehicle_id"`
	DestinationHospitalID string            `json:"destination_hospital_id"`
	Origin                models.Coordinate `json:"origin"`
	Destination           models.Coordinate `json:"destination"`
	Route                 PlannedRoute      `json:"route"`
}

// Validate checks the start request
func (r StartRequest) Validate() error {
	if r.TripID == "" {
		return errors.Wrap(models.ErrValidation, "trip id is required")
	}
	if r.VehicleID == "" {
		return errors.Wrap(models.ErrValidation, "vehicle id is required")
	}
	if err := r.Origin.Validate(); err != nil {
		return errors.Wrap(err, "invalid origin")
	}
	if err := r.Destination.Validate(); err != nil {
		return errors.Wrap(err, "invalid destination")
	}
	for i, c := range r.Route.Coordinates {
		if err := c.Validate(); err != nil {
			return errors.Wrapf(err, "invalid route coordinate %d", i)
		}
	}
	return nil
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
