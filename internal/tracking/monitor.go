package tracking

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"medroute/internal/config"
	"medroute/internal/geo"
	"medroute/internal/metrics"
	"medroute/internal/models"
)

// Monitor tracks active trips and flags deviations from their planned route
type Monitor struct {
	cfg     config.TrackingConfig
	store   SessionStore
	locks   Locker
	clock   clockz.Clock
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Recorder hooks run under the trip lock before a mutation is committed to the store.
// A hook error aborts the mutation and leaves the stored session as it was.
type (
	StartRecorder  func(ctx context.Context, session *Session) error
	UpdateRecorder func(ctx context.Context, result *UpdateResult) error
	StopRecorder   func(ctx context.Context, completion *Completion) error
)

// NewMonitor creates a new trip monitor
func NewMonitor(cfg config.TrackingConfig, store SessionStore, logger *zap.Logger, collector *metrics.Collector) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   store,
		locks:   newKeyedMutex(),
		clock:   clockz.RealClock,
		logger:  logger.Named("tracking"),
		metrics: collector,
	}
}

// WithClock replaces the clock
func (m *Monitor) WithClock(clock clockz.Clock) *Monitor {
	m.clock = clock
	return m
}

// WithLocker replaces the in-process trip lock, e.g. with a RedisLocker when the
// session store is shared by several instances
func (m *Monitor) WithLocker(locker Locker) *Monitor {
	m.locks = locker
	return m
}

func (m *Monitor) lock(ctx context.Context, tripID string) (func(), error) {
	unlock, err := m.locks.Lock(ctx, tripID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock trip %s", tripID)
	}
	return unlock, nil
}

// Start begins tracking a trip with an empty history
func (m *Monitor) Start(ctx context.Context, req StartRequest) (*Session, error) {
	return m.StartRecorded(ctx, req, nil)
}

// StartRecorded begins tracking a trip and runs record before reporting success.
// If record fails the new session is removed again.
func (m *Monitor) StartRecorded(ctx context.Context, req StartRequest, record StartRecorder) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock, err := m.lock(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.clock.Now()
	session := &Session{
		TripID:                req.TripID,
		VehicleID:             req.VehicleID,
		DestinationHospitalID: req.DestinationHospitalID,
		Origin:                req.Origin,
		Destination:           req.Destination,
		Route: PlannedRoute{
			Coordinates:              append([]models.Coordinate(nil), req.Route.Coordinates...),
			Heading:                  cloneFloat(req.Route.Heading),
			DurationInTrafficMinutes: req.Route.DurationInTrafficMinutes,
		},
		Status:          StatusTracking,
		StartedAt:       now,
		LastUpdate:      now,
		ExpectedArrival: m.expectedArrival(req.Origin, req.Destination, now),
		History:         []LocationSample{},
		Alerts:          []Alert{},
	}

	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}

	if record != nil {
		if err := record(ctx, session.Clone()); err != nil {
			if derr := m.store.Delete(ctx, session.TripID); derr != nil {
				m.logger.Error("Failed to roll back trip start",
					zap.String("trip_id", session.TripID),
					zap.Error(derr))
			}
			return nil, err
		}
	}

	m.metrics.TripStarted()
	m.logger.Info("Trip tracking started",
		zap.String("trip_id", session.TripID),
		zap.String("vehicle_id", session.VehicleID),
		zap.String("destination_hospital_id", session.DestinationHospitalID),
		zap.Time("expected_arrival", session.ExpectedArrival))

	return session.Clone(), nil
}

// UpdateLocation records a position sample and raises an alert when the trip deviates
func (m *Monitor) UpdateLocation(ctx context.Context, tripID string, sample LocationSample) (*UpdateResult, error) {
	return m.UpdateLocationRecorded(ctx, tripID, sample, nil)
}

// UpdateLocationRecorded is UpdateLocation with a hook that sees the sample and any alert
// before they are stored. If record fails neither is kept.
func (m *Monitor) UpdateLocationRecorded(ctx context.Context, tripID string, sample LocationSample, record UpdateRecorder) (*UpdateResult, error) {
	if err := sample.Location.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid location sample")
	}

	unlock, err := m.lock(ctx, tripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := m.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	sample.ReceivedAt = now
	m.appendSample(session, sample)
	session.LastUpdate = now
	session.ExpectedArrival = m.expectedArrival(sample.Location, session.Destination, now)

	alert := m.detectDeviation(session, sample, now)
	if alert != nil {
		session.Alerts = append(session.Alerts, *alert)
	}

	result := &UpdateResult{Session: *session.Clone()}
	if alert != nil {
		a := alert.clone()
		result.Alert = &a
	}

	if record != nil {
		if err := record(ctx, result); err != nil {
			return nil, err
		}
	}

	if err := m.store.Put(ctx, session); err != nil {
		return nil, err
	}

	if alert != nil {
		m.metrics.RecordDeviation(string(alert.Severity))
		m.logger.Warn("Route deviation detected",
			zap.String("trip_id", tripID),
			zap.String("alert_id", alert.ID),
			zap.String("severity", string(alert.Severity)),
			zap.Strings("reasons", alert.Reasons))
	}

	m.metrics.RecordLocationSample()
	m.logger.Debug("Location sample recorded",
		zap.String("trip_id", tripID),
		zap.Float64("lat", sample.Location.Lat),
		zap.Float64("lng", sample.Location.Lng))

	return result, nil
}

// AcknowledgeAlert marks an alert as seen by the crew. Acknowledging twice keeps the first acknowledgement.
func (m *Monitor) AcknowledgeAlert(ctx context.Context, tripID, alertID, actor string) (*Alert, error) {
	unlock, err := m.lock(ctx, tripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := m.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}

	alert, ok := session.findAlert(alertID)
	if !ok {
		return nil, ErrAlertNotFound
	}

	if !alert.Acknowledged {
		now := m.clock.Now()
		alert.Acknowledged = true
		alert.AcknowledgedBy = actor
		alert.AcknowledgedAt = &now

		if err := m.store.Put(ctx, session); err != nil {
			return nil, err
		}
		m.logger.Info("Deviation alert acknowledged",
			zap.String("trip_id", tripID),
			zap.String("alert_id", alertID),
			zap.String("actor", actor))
	}

	out := alert.clone()
	return &out, nil
}

// ResolveAlert records how a deviation was handled
func (m *Monitor) ResolveAlert(ctx context.Context, tripID, alertID, actor string, resolution Resolution) (*Alert, error) {
	if strings.TrimSpace(resolution.Action) == "" {
		return nil, errors.Wrap(models.ErrValidation, "resolution action is required")
	}

	unlock, err := m.lock(ctx, tripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := m.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}

	alert, ok := session.findAlert(alertID)
	if !ok {
		return nil, ErrAlertNotFound
	}

	now := m.clock.Now()
	alert.Resolved = true
	alert.ResolvedBy = actor
	alert.ResolvedAt = &now
	alert.Resolution = &resolution

	if err := m.store.Put(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("Deviation alert resolved",
		zap.String("trip_id", tripID),
		zap.String("alert_id", alertID),
		zap.String("actor", actor),
		zap.String("action", resolution.Action))

	out := alert.clone()
	return &out, nil
}

// Stop completes a trip, computes its statistics and removes it from the active set.
// final is optional.
func (m *Monitor) Stop(ctx context.Context, tripID string, final *LocationSample) (*Completion, error) {
	return m.StopRecorded(ctx, tripID, final, nil)
}

// StopRecorded is Stop with a hook that sees the completion while the session is still
// active. If record fails the trip stays active so the stop can be retried.
func (m *Monitor) StopRecorded(ctx context.Context, tripID string, final *LocationSample, record StopRecorder) (*Completion, error) {
	if final != nil {
		if err := final.Location.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid final location")
		}
	}

	unlock, err := m.lock(ctx, tripID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := m.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if final != nil {
		sample := *final
		sample.ReceivedAt = now
		m.appendSample(session, sample)
	}

	session.Status = StatusCompleted
	session.LastUpdate = now
	session.CompletedAt = &now

	completion := &Completion{Session: *session.Clone(), Stats: m.stats(session)}

	if record != nil {
		if err := record(ctx, completion); err != nil {
			return nil, err
		}
	}

	if err := m.store.Delete(ctx, tripID); err != nil {
		return nil, err
	}

	m.metrics.TripCompleted()
	m.logger.Info("Trip completed",
		zap.String("trip_id", tripID),
		zap.Float64("distance_km", completion.Stats.DistanceKm),
		zap.Float64("elapsed_minutes", completion.Stats.ElapsedMinutes),
		zap.Int("deviations", completion.Stats.DeviationCount))

	return completion, nil
}

// Status returns a snapshot of an active trip
func (m *Monitor) Status(ctx context.Context, tripID string) (*Session, error) {
	return m.store.Get(ctx, tripID)
}

// ListActive returns snapshots of every active trip
func (m *Monitor) ListActive(ctx context.Context) ([]Session, error) {
	return m.store.List(ctx)
}

func (m *Monitor) appendSample(session *Session, sample LocationSample) {
	if n := len(session.History); n > 0 {
		session.DistanceKm += geo.Distance(session.History[n-1].Location, sample.Location)
	}
	session.History = append(session.History, sample)
	if over := len(session.History) - m.cfg.HistoryCap; over > 0 {
		session.History = append([]LocationSample(nil), session.History[over:]...)
	}
	session.SampleCount++

	at := sample.ReceivedAt
	if session.FirstSampleAt == nil {
		session.FirstSampleAt = &at
	}
	session.LastSampleAt = &at
}

func (m *Monitor) expectedArrival(from, to models.Coordinate, now time.Time) time.Time {
	hours := geo.Distance(from, to) / m.cfg.AssumedSpeedKmh
	return now.Add(time.Duration(hours * float64(time.Hour)))
}

func (m *Monitor) detectDeviation(session *Session, sample LocationSample, now time.Time) *Alert {
	var reasons []string

	distance, hasRoute := geo.NearestDistanceMeters(sample.Location, session.Route.Coordinates)
	if hasRoute && exceeds(distance, m.cfg.OffRouteMeters) {
		reasons = append(reasons, fmt.Sprintf("off route by %.0f m (threshold %.0f m)", distance, m.cfg.OffRouteMeters))
	}
	if !hasRoute {
		distance = 0
	}

	headingDeviation := 0.0
	if sample.Heading != nil && session.Route.Heading != nil {
		headingDeviation = geo.AngularDifference(*sample.Heading, *session.Route.Heading)
		if exceeds(headingDeviation, m.cfg.HeadingDegrees) {
			reasons = append(reasons, fmt.Sprintf("heading %.0f° deviates %.0f° from planned %.0f°",
				geo.NormalizeAngle(*sample.Heading), headingDeviation, geo.NormalizeAngle(*session.Route.Heading)))
		}
	}

	var delay time.Duration
	if session.Route.DurationInTrafficMinutes > 0 {
		planned := time.Duration(session.Route.DurationInTrafficMinutes * float64(time.Minute))
		delay = now.Sub(session.StartedAt.Add(planned))
		if delay > m.cfg.DelayThreshold {
			reasons = append(reasons, fmt.Sprintf("running %.1f min behind schedule", delay.Minutes()))
		}
	}

	if len(reasons) == 0 {
		return nil
	}

	return &Alert{
		ID:                      uuid.NewString(),
		TripID:                  session.TripID,
		DetectedAt:              now,
		Severity:                m.severity(distance, delay),
		Reasons:                 reasons,
		Location:                sample.Location,
		DistanceFromRouteMeters: distance,
		HeadingDeviation:        headingDeviation,
		DelayMinutes:            math.Max(0, delay.Minutes()),
	}
}

func (m *Monitor) severity(distanceMeters float64, delay time.Duration) Severity {
	switch {
	case exceeds(distanceMeters, m.cfg.HighDistanceMeters) || delay > m.cfg.HighDelay:
		return SeverityHigh
	case exceeds(distanceMeters, m.cfg.MediumDistanceMeters) || delay > m.cfg.MediumDelay:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// stats measures elapsed time between the first and last location samples;
// with fewer than two samples there is no elapsed time and no speed
func (m *Monitor) stats(session *Session) Stats {
	var elapsed time.Duration
	if session.SampleCount > 1 && session.FirstSampleAt != nil && session.LastSampleAt != nil {
		elapsed = session.LastSampleAt.Sub(*session.FirstSampleAt)
	}

	stats := Stats{
		DistanceKm:     session.DistanceKm,
		ElapsedMinutes: elapsed.Minutes(),
		SampleCount:    session.SampleCount,
		DeviationCount: len(session.Alerts),
	}
	if hours := elapsed.Hours(); hours > 0 {
		stats.AverageSpeedKmh = session.DistanceKm / hours
	}

	for _, a := range session.Alerts {
		if a.Resolved && a.ResolvedAt != nil {
			stats.ResolvedDeviationMinutes += a.ResolvedAt.Sub(a.DetectedAt).Minutes()
		}
	}
	return stats
}

// exceeds compares at millimetre (or micro-degree) precision so values on the threshold are not flagged
func exceeds(value, threshold float64) bool {
	return math.Round(value*1e3)/1e3 > threshold
}
