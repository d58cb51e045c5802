package dispatch

import (
	"context"

	"medroute/internal/audit"
	"medroute/internal/tracking"
)

// DecisionRecord describes a routing decision for the ledger
type DecisionRecord struct {
	RequestID  string         `json:"request_id"`
	TripID     string         `json:"trip_id,omitempty"`
	HospitalID string         `json:"hospital_id"`
	VehicleID  string         `json:"vehicle_id,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	ETAMinutes *float64       `json:"eta_minutes,omitempty"`
	Composite  *float64       `json:"composite,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Patient    *audit.Patient `json:"patient,omitempty"`
}

// NotificationRecord describes a delivered notification
type NotificationRecord struct {
	RequestID  string `json:"request_id,omitempty"`
	TripID     string `json:"trip_id,omitempty"`
	HospitalID string `json:"hospital_id"`
	Channel    string `json:"channel"`
}

// RecordDecision appends a routing decision. Patient fields are redacted by the ledger.
func (s *Service) RecordDecision(ctx context.Context, actor string, rec DecisionRecord) (*audit.Entry, error) {
	return s.append(ctx, audit.KindRoutingDecision, actor, audit.Details{
		RequestID:  rec.RequestID,
		TripID:     rec.TripID,
		HospitalID: rec.HospitalID,
		VehicleID:  rec.VehicleID,
		Severity:   rec.Severity,
		ETAMinutes: rec.ETAMinutes,
		Composite:  rec.Composite,
		Confidence: rec.Confidence,
		Patient:    rec.Patient,
	})
}

// RecordNotification appends a hospital notification
func (s *Service) RecordNotification(ctx context.Context, actor string, rec NotificationRecord) (*audit.Entry, error) {
	return s.append(ctx, audit.KindHospitalNotified, actor, audit.Details{
		RequestID:  rec.RequestID,
		TripID:     rec.TripID,
		HospitalID: rec.HospitalID,
		Channel:    rec.Channel,
	})
}

// RecordDeviation appends a detected deviation
func (s *Service) RecordDeviation(ctx context.Context, actor, vehicleID string, alert tracking.Alert) (*audit.Entry, error) {
	loc := alert.Location
	return s.append(ctx, audit.KindDeviation, actor, audit.Details{
		TripID:    alert.TripID,
		VehicleID: vehicleID,
		AlertID:   alert.ID,
		Severity:  string(alert.Severity),
		Reasons:   append([]string(nil), alert.Reasons...),
		Location:  &loc,
	})
}

// RecordCompletion appends the final statistics of a trip
func (s *Service) RecordCompletion(ctx context.Context, actor string, completion tracking.Completion) (*audit.Entry, error) {
	distance := completion.Stats.DistanceKm
	elapsed := completion.Stats.ElapsedMinutes
	deviations := completion.Stats.DeviationCount
	return s.append(ctx, audit.KindTripCompleted, actor, audit.Details{
		TripID:      completion.Session.TripID,
		HospitalID:  completion.Session.DestinationHospitalID,
		VehicleID:   completion.Session.VehicleID,
		DistanceKm:  &distance,
		ElapsedMins: &elapsed,
		Deviations:  &deviations,
	})
}
