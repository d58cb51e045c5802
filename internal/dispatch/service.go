// Package dispatch orchestrates destination selection, trip monitoring and the audit
// ledger behind one service. Operations return the outbound events they produce and
// leave delivery to the caller.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"medroute/internal/audit"
	"medroute/internal/events"
	"medroute/internal/forecast"
	"medroute/internal/models"
	"medroute/internal/optimizer"
	"medroute/internal/tracking"
)

// HospitalSource supplies candidate hospitals
type HospitalSource interface {
	ListCandidates(ctx context.Context, filter models.CandidateFilter) ([]models.HospitalSnapshot, error)
	Get(ctx context.Context, id string) (*models.HospitalSnapshot, error)
}

// HospitalWriter accepts capacity updates
type HospitalWriter interface {
	Upsert(ctx context.Context, hospital models.HospitalSnapshot) error
}

// TripRecorder persists terminal trip records
type TripRecorder interface {
	SaveTrip(ctx context.Context, record models.TripRecord) error
}

// Dependencies are the collaborators of a Service. History and Trips are optional.
type Dependencies struct {
	Engine    *optimizer.Engine
	Hospitals HospitalSource
	History   forecast.HistoryRecorder
	Monitor   *tracking.Monitor
	Ledger    *audit.Ledger
	Trips     TripRecorder
}

// Service exposes the dispatch operations
type Service struct {
	engine    *optimizer.Engine
	hospitals HospitalSource
	history   forecast.HistoryRecorder
	monitor   *tracking.Monitor
	ledger    *audit.Ledger
	trips     TripRecorder
	clock     clockz.Clock
	logger    *zap.Logger
}

// NewService creates a dispatch service
func NewService(deps Dependencies, logger *zap.Logger) *Service {
	return &Service{
		engine:    deps.Engine,
		hospitals: deps.Hospitals,
		history:   deps.History,
		monitor:   deps.Monitor,
		ledger:    deps.Ledger,
		trips:     deps.Trips,
		clock:     clockz.RealClock,
		logger:    logger.Named("dispatch"),
	}
}

// WithClock replaces the clock used for event timestamps
func (s *Service) WithClock(clock clockz.Clock) *Service {
	s.clock = clock
	return s
}

// DestinationRequest asks for a destination for one patient
type DestinationRequest struct {
	PatientLocation *models.Coordinate      `json:"patient_location" binding:"required"`
	Condition       models.PatientCondition `json:"condition"`
	VehicleID       string                  `json:"vehicle_id,omitempty"`
	Patient         *audit.Patient          `json:"patient,omitempty"`
	// Hospitals, when set, replaces the candidate lookup
	Hospitals []models.HospitalSnapshot `json:"hospitals,omitempty"`
	Filter    *models.CandidateFilter   `json:"filter,omitempty"`
}

// DestinationResult carries the secure response and the work it produced
type DestinationResult struct {
	Response optimizer.SecureResponse
	Entry    *audit.Entry
	Events   []events.Event
}

// IncomingPatient is the payload sent to the receiving hospital
type IncomingPatient struct {
	RequestID       string                       `json:"request_id"`
	VehicleID       string                       `json:"vehicle_id,omitempty"`
	Patient         optimizer.PatientPreparation `json:"patient"`
	ExpectedArrival time.Time                    `json:"expected_arrival"`
}

// CalculateDestination selects one hospital, records the decision and queues the
// hospital and ambulance notifications
func (s *Service) CalculateDestination(ctx context.Context, actor string, req DestinationRequest) (*DestinationResult, error) {
	ranking, err := s.rank(ctx, req)
	if err != nil {
		return nil, err
	}
	selected := ranking.Selected()
	secure := ranking.Secure

	eta := secure.Navigation.ETAMinutes
	composite := selected.Scores.Composite
	confidence := selected.Scores.Confidence
	entry, err := s.RecordDecision(ctx, actor, DecisionRecord{
		RequestID:  secure.RequestID,
		HospitalID: secure.DestinationID,
		VehicleID:  req.VehicleID,
		Severity:   string(req.Condition.Severity),
		ETAMinutes: &eta,
		Composite:  &composite,
		Confidence: &confidence,
		Patient:    patientDetails(req.Patient, req.Condition),
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	queued := []events.Event{
		events.New(events.HospitalChannel(secure.DestinationID), events.KindIncomingPatient, IncomingPatient{
			RequestID:       secure.RequestID,
			VehicleID:       req.VehicleID,
			Patient:         secure.Patient,
			ExpectedArrival: secure.Navigation.ExpectedArrival,
		}, now),
	}
	if req.VehicleID != "" {
		queued = append(queued, events.New(events.AmbulanceChannel(req.VehicleID), events.KindDestinationConfirmed, secure, now))
	}

	return &DestinationResult{Response: secure, Entry: entry, Events: queued}, nil
}

// InternalRecommendations returns the full ranking for privileged callers. Nothing is recorded.
func (s *Service) InternalRecommendations(ctx context.Context, req DestinationRequest) ([]optimizer.Recommendation, error) {
	ranking, err := s.rank(ctx, req)
	if err != nil {
		return nil, err
	}
	return ranking.Recommendations, nil
}

func (s *Service) rank(ctx context.Context, req DestinationRequest) (*optimizer.Ranking, error) {
	if req.PatientLocation == nil {
		return nil, errors.Wrap(models.ErrValidation, "patient location is required")
	}
	candidates, err := s.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.engine.Rank(ctx, candidates, *req.PatientLocation, req.Condition)
}

func (s *Service) candidates(ctx context.Context, req DestinationRequest) ([]models.HospitalSnapshot, error) {
	if len(req.Hospitals) > 0 {
		for _, h := range req.Hospitals {
			s.observe(ctx, h)
		}
		return req.Hospitals, nil
	}
	if s.hospitals == nil {
		return nil, optimizer.ErrNoCandidates
	}

	var filter models.CandidateFilter
	if req.Filter != nil {
		filter = *req.Filter
	}
	if filter.Near == nil && filter.RadiusKm > 0 {
		loc := *req.PatientLocation
		filter.Near = &loc
	}

	candidates, err := s.hospitals.ListCandidates(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load candidate hospitals")
	}
	return candidates, nil
}

// UpdateHospital stores a capacity update and records it as a forecast observation
func (s *Service) UpdateHospital(ctx context.Context, hospital models.HospitalSnapshot) error {
	writer, ok := s.hospitals.(HospitalWriter)
	if !ok {
		return errors.Wrap(models.ErrValidation, "hospital source is read-only")
	}
	if hospital.UpdatedAt.IsZero() {
		hospital.UpdatedAt = s.clock.Now().UTC()
	}
	if err := writer.Upsert(ctx, hospital); err != nil {
		return err
	}
	s.observe(ctx, hospital)
	return nil
}

func (s *Service) observe(ctx context.Context, h models.HospitalSnapshot) {
	if s.history == nil || h.ID == "" {
		return
	}
	at := h.UpdatedAt
	if at.IsZero() {
		at = s.clock.Now().UTC()
	}
	err := s.history.Record(ctx, forecast.Observation{
		HospitalID:    h.ID,
		RecordedAt:    at,
		AvailableBeds: h.AvailableBeds,
		AvailableICU:  h.AvailableICU,
		Admissions:    h.Admissions,
		Discharges:    h.Discharges,
	})
	if err != nil {
		s.logger.Warn("Failed to record capacity observation",
			zap.String("hospital_id", h.ID),
			zap.Error(err))
	}
}

// StartTripRequest begins monitoring a trip. Destination defaults to the hospital location.
type StartTripRequest struct {
	TripID                string                `json:"trip_id,omitempty"`
	RequestID             string                `json:"request_id,omitempty"`
	VehicleID             string                `json:"vehicle_id"`
	DestinationHospitalID string                `json:"destination_hospital_id"`
	Origin                *models.Coordinate    `json:"origin" binding:"required"`
	Destination           *models.Coordinate    `json:"destination,omitempty"`
	Route                 tracking.PlannedRoute `json:"route"`
}

// TripStarted is the result of StartTrip
type TripStarted struct {
	Session *tracking.Session
	Entry   *audit.Entry
	Events  []events.Event
}

// StartTrip starts monitoring and records the crew's acceptance of the destination
func (s *Service) StartTrip(ctx context.Context, actor string, req StartTripRequest) (*TripStarted, error) {
	if strings.TrimSpace(req.DestinationHospitalID) == "" {
		return nil, errors.Wrap(models.ErrValidation, "destination hospital id is required")
	}
	if req.Origin == nil {
		return nil, errors.Wrap(models.ErrValidation, "origin is required")
	}
	if req.TripID == "" {
		req.TripID = uuid.NewString()
	}

	destination := req.Destination
	if destination == nil {
		if s.hospitals == nil {
			return nil, errors.Wrap(models.ErrValidation, "destination is required")
		}
		hospital, err := s.hospitals.Get(ctx, req.DestinationHospitalID)
		if err != nil {
			return nil, err
		}
		destination = &hospital.Location
	}

	// the acknowledgement is recorded before the trip counts as started
	var entry *audit.Entry
	session, err := s.monitor.StartRecorded(ctx, tracking.StartRequest{
		TripID:                req.TripID,
		VehicleID:             req.VehicleID,
		DestinationHospitalID: req.DestinationHospitalID,
		Origin:                *req.Origin,
		Destination:           *destination,
		Route:                 req.Route,
	}, func(ctx context.Context, session *tracking.Session) error {
		var err error
		entry, err = s.append(ctx, audit.KindCrewAcknowledged, actor, audit.Details{
			TripID:     session.TripID,
			RequestID:  req.RequestID,
			HospitalID: session.DestinationHospitalID,
			VehicleID:  session.VehicleID,
			Location:   &session.Origin,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	queued := []events.Event{
		events.New(events.TripChannel(session.TripID), events.KindTripStarted, session, s.clock.Now()),
	}
	return &TripStarted{Session: session, Entry: entry, Events: queued}, nil
}

// LocationReport is the result of ReportLocation
type LocationReport struct {
	Session tracking.Session
	Alert   *tracking.Alert
	Events  []events.Event
}

// ReportLocation applies a position sample and raises an alert when the vehicle deviates
func (s *Service) ReportLocation(ctx context.Context, actor, tripID string, sample tracking.LocationSample) (*LocationReport, error) {
	// the sample and any alert are only stored once the ledger has them
	result, err := s.monitor.UpdateLocationRecorded(ctx, tripID, sample, func(ctx context.Context, result *tracking.UpdateResult) error {
		if s.ledger.RecordsLocationSamples() {
			loc := sample.Location
			if _, err := s.append(ctx, audit.KindLocationSample, actor, audit.Details{
				TripID:    tripID,
				VehicleID: result.Session.VehicleID,
				Location:  &loc,
			}); err != nil {
				return err
			}
		}
		if result.Alert != nil {
			if _, err := s.RecordDeviation(ctx, actor, result.Session.VehicleID, *result.Alert); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	report := &LocationReport{Session: result.Session, Alert: result.Alert}

	if result.Alert != nil {
		report.Events = append(report.Events,
			events.New(events.AlertsChannel(tripID), events.KindDeviationAlert, result.Alert, s.clock.Now()))
	}

	return report, nil
}

// AlertOutcome is the result of acknowledging or resolving an alert
type AlertOutcome struct {
	Alert  *tracking.Alert
	Entry  *audit.Entry
	Events []events.Event
}

// AcknowledgeAlert marks an alert as seen by a dispatcher or crew member
func (s *Service) AcknowledgeAlert(ctx context.Context, actor, tripID, alertID string) (*AlertOutcome, error) {
	alert, err := s.monitor.AcknowledgeAlert(ctx, tripID, alertID, actor)
	if err != nil {
		return nil, err
	}

	entry, err := s.append(ctx, audit.KindCrewAcknowledged, actor, audit.Details{
		TripID:   tripID,
		AlertID:  alert.ID,
		Severity: string(alert.Severity),
	})
	if err != nil {
		return nil, err
	}

	queued := []events.Event{
		events.New(events.AlertsChannel(tripID), events.KindAlertAcknowledged, alert, s.clock.Now()),
	}
	return &AlertOutcome{Alert: alert, Entry: entry, Events: queued}, nil
}

// ResolveAlert closes an alert with a resolution
func (s *Service) ResolveAlert(ctx context.Context, actor, tripID, alertID string, resolution tracking.Resolution) (*AlertOutcome, error) {
	alert, err := s.monitor.ResolveAlert(ctx, tripID, alertID, actor, resolution)
	if err != nil {
		return nil, err
	}

	details := audit.Details{
		TripID:     tripID,
		AlertID:    alert.ID,
		Severity:   string(alert.Severity),
		Resolution: resolution.Action,
	}
	if resolution.Notes != "" {
		details.Extra = map[string]interface{}{"notes": resolution.Notes}
	}
	entry, err := s.append(ctx, audit.KindDeviationResolve, actor, details)
	if err != nil {
		return nil, err
	}

	queued := []events.Event{
		events.New(events.AlertsChannel(tripID), events.KindAlertResolved, alert, s.clock.Now()),
	}
	return &AlertOutcome{Alert: alert, Entry: entry, Events: queued}, nil
}

// TripCompleted is the result of CompleteTrip
type TripCompleted struct {
	Completion *tracking.Completion
	Entry      *audit.Entry
	Events     []events.Event
}

// CompleteTrip stops monitoring, persists the trip record and records the completion
func (s *Service) CompleteTrip(ctx context.Context, actor, tripID string, final *tracking.LocationSample) (*TripCompleted, error) {
	// the completion is recorded while the trip is still active so a failed append can be retried
	var entry *audit.Entry
	completion, err := s.monitor.StopRecorded(ctx, tripID, final, func(ctx context.Context, completion *tracking.Completion) error {
		var err error
		entry, err = s.RecordCompletion(ctx, actor, *completion)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.trips != nil {
		if err := s.trips.SaveTrip(ctx, tripRecord(completion)); err != nil {
			s.logger.Error("Failed to persist trip record",
				zap.String("trip_id", tripID),
				zap.Error(err))
		}
	}

	now := s.clock.Now()
	queued := []events.Event{
		events.New(events.TripChannel(tripID), events.KindTripCompleted, completion.Stats, now),
		events.New(events.HospitalChannel(completion.Session.DestinationHospitalID), events.KindTripCompleted, map[string]string{
			"trip_id":    tripID,
			"vehicle_id": completion.Session.VehicleID,
		}, now),
	}
	return &TripCompleted{Completion: completion, Entry: entry, Events: queued}, nil
}

// GetTripStatus returns the current session snapshot
func (s *Service) GetTripStatus(ctx context.Context, tripID string) (*tracking.Session, error) {
	return s.monitor.Status(ctx, tripID)
}

// ListActiveTrips returns every trip still being tracked
func (s *Service) ListActiveTrips(ctx context.Context) ([]tracking.Session, error) {
	return s.monitor.ListActive(ctx)
}

// QueryAudit returns a filtered page of ledger entries
func (s *Service) QueryAudit(ctx context.Context, filter audit.Filter) (*audit.Page, error) {
	return s.ledger.Query(ctx, filter)
}

// VerifyAuditChain replays the ledger and reports the first broken link
func (s *Service) VerifyAuditChain(ctx context.Context) (*audit.VerifyResult, error) {
	result, err := s.ledger.Verify(ctx)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		s.logger.Error("Audit chain verification failed",
			zap.Int("failed_index", result.FailedIndex),
			zap.String("entry_id", result.FailedEntryID),
			zap.String("reason", result.Reason))
	}
	return result, nil
}

func (s *Service) append(ctx context.Context, kind audit.EventKind, actor string, details audit.Details) (*audit.Entry, error) {
	entry, err := s.ledger.Append(ctx, kind, actor, details)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record %s", kind)
	}
	return entry, nil
}

func tripRecord(c *tracking.Completion) models.TripRecord {
	rec := models.TripRecord{
		TripID:                   c.Session.TripID,
		VehicleID:                c.Session.VehicleID,
		DestinationHospitalID:    c.Session.DestinationHospitalID,
		Origin:                   c.Session.Origin,
		Destination:              c.Session.Destination,
		Status:                   string(c.Session.Status),
		StartedAt:                c.Session.StartedAt,
		DistanceKm:               c.Stats.DistanceKm,
		ElapsedMinutes:           c.Stats.ElapsedMinutes,
		AverageSpeedKmh:          c.Stats.AverageSpeedKmh,
		SampleCount:              c.Stats.SampleCount,
		DeviationCount:           c.Stats.DeviationCount,
		ResolvedDeviationMinutes: c.Stats.ResolvedDeviationMinutes,
	}
	if c.Session.CompletedAt != nil {
		rec.CompletedAt = *c.Session.CompletedAt
	}
	return rec
}

func patientDetails(p *audit.Patient, condition models.PatientCondition) *audit.Patient {
	out := audit.Patient{}
	if p != nil {
		out = *p
		if p.EmergencyContact != nil {
			contact := *p.EmergencyContact
			out.EmergencyContact = &contact
		}
	}
	out.Severity = string(condition.Severity)
	out.ConditionCode = condition.ConditionCode
	out.RequiredSpecialty = condition.RequiredSpecialty
	return &out
}
