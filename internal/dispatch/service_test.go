package dispatch

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"medroute/internal/audit"
	"medroute/internal/config"
	"medroute/internal/events"
	"medroute/internal/forecast"
	"medroute/internal/models"
	"medroute/internal/optimizer"
	"medroute/internal/repository"
	"medroute/internal/tracking"
	"medroute/internal/travel"
)

var patientLocation = models.Coordinate{Lat: 40.7128, Lng: -74.0060}

type fixture struct {
	service   *Service
	clock     *clockz.FakeClock
	hospitals *repository.MemoryHospitals
	history   *forecast.MemoryHistory
	trips     *repository.MemoryTrips
	store     *audit.MemoryStore
	ledger    *failingStore
}

var errLedgerDown = errors.New("ledger store unavailable")

// failingStore rejects appends of one event kind until failKind is cleared
type failingStore struct {
	*audit.MemoryStore
	failKind audit.EventKind
}

func (s *failingStore) Append(ctx context.Context, entry *audit.Entry) error {
	if s.failKind != "" && entry.EventKind == s.failKind {
		return errLedgerDown
	}
	return s.MemoryStore.Append(ctx, entry)
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	logger := zap.NewNop()
	clock := clockz.NewFakeClock()

	history := forecast.NewMemoryHistory(cfg.Forecast.Window)
	forecaster := forecast.NewForecaster(cfg.Forecast, history, logger, nil).WithClock(clock)
	cache := travel.NewMemoryCache(cfg.Travel.CacheTTL, 0).WithClock(clock)
	estimator := travel.NewEstimator(cfg.Travel, cache, logger, nil).WithClock(clock)
	engine := optimizer.NewEngine(cfg.Optimizer, cfg.Forecast, forecaster, estimator, logger, nil).WithClock(clock)
	monitor := tracking.NewMonitor(cfg.Tracking, tracking.NewMemoryStore(), logger, nil).WithClock(clock)
	store := audit.NewMemoryStore()
	ledgerStore := &failingStore{MemoryStore: store}
	ledger := audit.NewLedger(cfg.Audit, ledgerStore, logger, nil).WithClock(clock)
	hospitals := repository.NewMemoryHospitals(hospitalH1(), hospitalH2())
	trips := repository.NewMemoryTrips()

	svc := NewService(Dependencies{
		Engine:    engine,
		Hospitals: hospitals,
		History:   history,
		Monitor:   monitor,
		Ledger:    ledger,
		Trips:     trips,
	}, logger).WithClock(clock)

	return &fixture{service: svc, clock: clock, hospitals: hospitals, history: history, trips: trips, store: store, ledger: ledgerStore}
}

func hospitalH1() models.HospitalSnapshot {
	return models.HospitalSnapshot{
		ID:            "H1",
		Name:          "St. Brigid General",
		Address:       "12 Harbor Road",
		Location:      models.Coordinate{Lat: 40.72, Lng: -74.00},
		TotalBeds:     200,
		AvailableBeds: 20,
		TotalICU:      10,
		AvailableICU:  0,
		Specialties:   map[string]bool{"orthopedics": true},
		Equipment:     map[string]bool{"ct_scanner": true},
		Load:          models.LoadCritical,
	}
}

func hospitalH2() models.HospitalSnapshot {
	return models.HospitalSnapshot{
		ID:            "H2",
		Name:          "Riverside Medical Center",
		Address:       "400 River Street",
		Location:      models.Coordinate{Lat: 40.73, Lng: -73.99},
		TotalBeds:     150,
		AvailableBeds: 15,
		TotalICU:      12,
		AvailableICU:  5,
		Specialties:   map[string]bool{"neurology": true},
		Equipment:     map[string]bool{"ct_scanner": true, "mri": true},
		Load:          models.LoadLow,
	}
}

func strokeRequest() DestinationRequest {
	return DestinationRequest{
		PatientLocation: &patientLocation,
		Condition: models.PatientCondition{
			Severity:          models.SeverityCritical,
			ConditionCode:     "stroke",
			RequiredSpecialty: "neurology",
		},
		VehicleID: "AMB-7",
		Patient: &audit.Patient{
			Name:  "Jane Roe",
			Phone: "+1-555-0100",
			EmergencyContact: &audit.Contact{
				Name:         "John Roe",
				Phone:        "+1-555-0101",
				Relationship: "spouse",
			},
		},
	}
}

func assertLedgerEmpty(t *testing.T, f *fixture) {
	t.Helper()
	entries, err := f.store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// north moves c due north by the given number of metres
func north(c models.Coordinate, meters float64) models.Coordinate {
	return models.Coordinate{Lat: c.Lat + meters/6371000.0*180/math.Pi, Lng: c.Lng}
}

func TestCalculateDestination(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.service.CalculateDestination(ctx, "dispatcher-1", strokeRequest())
	require.NoError(t, err)

	assert.Equal(t, "H2", result.Response.DestinationID)
	assert.Equal(t, []string{"ct_scanner", "mri"}, result.Response.Patient.RequiredEquipment)

	raw, err := json.Marshal(result.Response)
	require.NoError(t, err)
	for _, leaked := range []string{"St. Brigid", "Riverside", "Harbor Road", "River Street", "H1", "composite"} {
		assert.NotContains(t, string(raw), leaked)
	}

	require.NotNil(t, result.Entry)
	assert.Equal(t, audit.KindRoutingDecision, result.Entry.EventKind)
	assert.Equal(t, "H2", result.Entry.Details.HospitalID)
	require.NotNil(t, result.Entry.Details.Patient)
	assert.Equal(t, audit.RedactionMarker, result.Entry.Details.Patient.Name)
	assert.Equal(t, audit.RedactionMarker, result.Entry.Details.Patient.EmergencyContact.Phone)
	assert.Equal(t, "spouse", result.Entry.Details.Patient.EmergencyContact.Relationship)
	assert.Equal(t, "stroke", result.Entry.Details.Patient.ConditionCode)

	require.Len(t, result.Events, 2)
	assert.Equal(t, events.HospitalChannel("H2"), result.Events[0].Channel)
	assert.Equal(t, events.KindIncomingPatient, result.Events[0].Kind)
	assert.Equal(t, events.AmbulanceChannel("AMB-7"), result.Events[1].Channel)
	assert.Equal(t, events.KindDestinationConfirmed, result.Events[1].Kind)
}

func TestCalculateDestinationWithoutVehicleQueuesHospitalOnly(t *testing.T) {
	f := newFixture(t, nil)
	req := strokeRequest()
	req.VehicleID = ""

	result, err := f.service.CalculateDestination(context.Background(), "dispatcher-1", req)
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, events.KindIncomingPatient, result.Events[0].Kind)
}

func TestCalculateDestinationInlineCandidatesAreObserved(t *testing.T) {
	f := newFixture(t, nil)
	req := strokeRequest()
	inline := hospitalH1()
	inline.ID = "H9"
	req.Hospitals = []models.HospitalSnapshot{inline}

	result, err := f.service.CalculateDestination(context.Background(), "dispatcher-1", req)
	require.NoError(t, err)
	assert.Equal(t, "H9", result.Response.DestinationID)

	observed, err := f.history.History(context.Background(), "H9", 0)
	require.NoError(t, err)
	require.Len(t, observed, 1)
	assert.Equal(t, 20, observed[0].AvailableBeds)
}

func TestCalculateDestinationFilterExcludesEverything(t *testing.T) {
	f := newFixture(t, nil)
	req := strokeRequest()
	req.Filter = &models.CandidateFilter{MinAvailableBeds: 500}

	_, err := f.service.CalculateDestination(context.Background(), "dispatcher-1", req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
	assertLedgerEmpty(t, f)
}

func TestCalculateDestinationValidation(t *testing.T) {
	f := newFixture(t, nil)

	req := strokeRequest()
	req.Condition.Severity = "grave"
	_, err := f.service.CalculateDestination(context.Background(), "dispatcher-1", req)
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = f.service.CalculateDestination(context.Background(), "", strokeRequest())
	assert.True(t, errors.Is(err, models.ErrValidation), "actor is required by the ledger")
}

func TestInternalRecommendations(t *testing.T) {
	f := newFixture(t, nil)

	recs, err := f.service.InternalRecommendations(context.Background(), strokeRequest())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "H2", recs[0].Hospital.ID)
	assert.Equal(t, "H1", recs[1].Hospital.ID)
	assertLedgerEmpty(t, f)
}

func TestUpdateHospital(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	h := hospitalH1()
	h.AvailableBeds = 3
	h.Admissions = 6
	h.Discharges = 2
	require.NoError(t, f.service.UpdateHospital(ctx, h))

	stored, err := f.hospitals.Get(ctx, "H1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.AvailableBeds)
	assert.Equal(t, f.clock.Now().UTC(), stored.UpdatedAt)

	observed, err := f.history.History(ctx, "H1", 0)
	require.NoError(t, err)
	require.Len(t, observed, 1)
	assert.Equal(t, 3, observed[0].AvailableBeds)
	assert.Equal(t, 6, observed[0].Admissions)
	assert.Equal(t, 2, observed[0].Discharges)

	h.Location = models.Coordinate{Lat: 91}
	err = f.service.UpdateHospital(ctx, h)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestTripLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h2 := hospitalH2()

	started, err := f.service.StartTrip(ctx, "crew-7", StartTripRequest{
		TripID:                "T1",
		RequestID:             "R1",
		VehicleID:             "AMB-7",
		DestinationHospitalID: "H2",
		Origin:                &patientLocation,
		Route: tracking.PlannedRoute{
			Coordinates: []models.Coordinate{patientLocation, h2.Location},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, h2.Location, started.Session.Destination)
	assert.Equal(t, audit.KindCrewAcknowledged, started.Entry.EventKind)
	require.Len(t, started.Events, 1)
	assert.Equal(t, events.KindTripStarted, started.Events[0].Kind)

	var alertIDs []string
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		report, err := f.service.ReportLocation(ctx, "AMB-7", "T1", tracking.LocationSample{
			Location: north(patientLocation, 600),
		})
		require.NoError(t, err)
		require.NotNil(t, report.Alert)
		assert.Equal(t, tracking.SeverityHigh, report.Alert.Severity)
		require.Len(t, report.Events, 1)
		assert.Equal(t, events.AlertsChannel("T1"), report.Events[0].Channel)
		alertIDs = append(alertIDs, report.Alert.ID)
	}

	f.clock.Advance(time.Minute)
	onRoute, err := f.service.ReportLocation(ctx, "AMB-7", "T1", tracking.LocationSample{Location: patientLocation})
	require.NoError(t, err)
	assert.Nil(t, onRoute.Alert)
	assert.Empty(t, onRoute.Events)

	ack, err := f.service.AcknowledgeAlert(ctx, "dispatcher-1", "T1", alertIDs[0])
	require.NoError(t, err)
	assert.True(t, ack.Alert.Acknowledged)
	assert.Equal(t, events.KindAlertAcknowledged, ack.Events[0].Kind)

	resolved, err := f.service.ResolveAlert(ctx, "dispatcher-1", "T1", alertIDs[0], tracking.Resolution{Action: "rerouted", Notes: "road closure"})
	require.NoError(t, err)
	assert.True(t, resolved.Alert.Resolved)
	assert.Equal(t, "rerouted", resolved.Entry.Details.Resolution)

	status, err := f.service.GetTripStatus(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, status.Alerts, 3)

	active, err := f.service.ListActiveTrips(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	completed, err := f.service.CompleteTrip(ctx, "crew-7", "T1", &tracking.LocationSample{Location: h2.Location})
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusCompleted, completed.Completion.Session.Status)
	assert.Equal(t, 3, completed.Completion.Stats.DeviationCount)
	assert.Equal(t, audit.KindTripCompleted, completed.Entry.EventKind)
	require.Len(t, completed.Events, 2)
	assert.Equal(t, events.HospitalChannel("H2"), completed.Events[1].Channel)

	record, err := f.trips.GetTrip(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "AMB-7", record.VehicleID)
	assert.Equal(t, 3, record.DeviationCount)
	assert.False(t, record.CompletedAt.IsZero())

	_, err = f.service.GetTripStatus(ctx, "T1")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	// start, 4 samples, 3 deviations, ack, resolve, completion
	page, err := f.service.QueryAudit(ctx, audit.Filter{TripID: "T1", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 1+4+3+1+1+1, page.Total)

	deviations, err := f.service.QueryAudit(ctx, audit.Filter{Kinds: []audit.EventKind{audit.KindDeviation}})
	require.NoError(t, err)
	assert.Equal(t, 3, deviations.Total)

	result, err := f.service.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 11, result.Count)
}

func TestLocationSamplesNotRecordedWhenDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Audit.RecordLocationSamples = false })
	ctx := context.Background()

	_, err := f.service.StartTrip(ctx, "crew-7", StartTripRequest{
		TripID:                "T2",
		VehicleID:             "AMB-7",
		DestinationHospitalID: "H2",
		Origin:                &patientLocation,
		Route:                 tracking.PlannedRoute{Coordinates: []models.Coordinate{patientLocation}},
	})
	require.NoError(t, err)

	_, err = f.service.ReportLocation(ctx, "AMB-7", "T2", tracking.LocationSample{Location: patientLocation})
	require.NoError(t, err)

	page, err := f.service.QueryAudit(ctx, audit.Filter{Kinds: []audit.EventKind{audit.KindLocationSample}})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestStartTripErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.service.StartTrip(ctx, "crew-7", StartTripRequest{VehicleID: "AMB-7", Origin: &patientLocation})
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = f.service.StartTrip(ctx, "crew-7", StartTripRequest{
		VehicleID:             "AMB-7",
		DestinationHospitalID: "H404",
		Origin:                &patientLocation,
	})
	assert.True(t, errors.Is(err, models.ErrNotFound))

	started, err := f.service.StartTrip(ctx, "crew-7", StartTripRequest{
		VehicleID:             "AMB-7",
		DestinationHospitalID: "H1",
		Origin:                &patientLocation,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, started.Session.TripID)

	_, err = f.service.StartTrip(ctx, "crew-7", StartTripRequest{
		TripID:                started.Session.TripID,
		VehicleID:             "AMB-7",
		DestinationHospitalID: "H1",
		Origin:                &patientLocation,
	})
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestTripChangesWaitForTheLedger(t *testing.T) {
	ctx := context.Background()
	h2 := hospitalH2()
	startReq := StartTripRequest{
		TripID:                "T1",
		VehicleID:             "AMB-7",
		DestinationHospitalID: "H2",
		Origin:                &patientLocation,
		Route:                 tracking.PlannedRoute{Coordinates: []models.Coordinate{patientLocation, h2.Location}},
	}

	t.Run("start is rolled back", func(t *testing.T) {
		f := newFixture(t, nil)
		f.ledger.failKind = audit.KindCrewAcknowledged

		_, err := f.service.StartTrip(ctx, "crew-7", startReq)
		assert.True(t, errors.Is(err, errLedgerDown))

		_, err = f.service.GetTripStatus(ctx, "T1")
		assert.True(t, errors.Is(err, models.ErrNotFound))
		assertLedgerEmpty(t, f)

		f.ledger.failKind = ""
		started, err := f.service.StartTrip(ctx, "crew-7", startReq)
		require.NoError(t, err)
		assert.Equal(t, audit.KindCrewAcknowledged, started.Entry.EventKind)
	})

	t.Run("deviation is not stored unaudited", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.service.StartTrip(ctx, "crew-7", startReq)
		require.NoError(t, err)

		f.ledger.failKind = audit.KindDeviation
		_, err = f.service.ReportLocation(ctx, "AMB-7", "T1", tracking.LocationSample{Location: north(patientLocation, 600)})
		assert.True(t, errors.Is(err, errLedgerDown))

		status, err := f.service.GetTripStatus(ctx, "T1")
		require.NoError(t, err)
		assert.Empty(t, status.Alerts)
		assert.Zero(t, status.SampleCount)

		f.ledger.failKind = ""
		report, err := f.service.ReportLocation(ctx, "AMB-7", "T1", tracking.LocationSample{Location: north(patientLocation, 600)})
		require.NoError(t, err)
		require.NotNil(t, report.Alert)

		deviations, err := f.service.QueryAudit(ctx, audit.Filter{Kinds: []audit.EventKind{audit.KindDeviation}})
		require.NoError(t, err)
		require.Equal(t, 1, deviations.Total)
		assert.Equal(t, report.Alert.ID, deviations.Entries[0].Details.AlertID)
	})

	t.Run("completion can be retried", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.service.StartTrip(ctx, "crew-7", startReq)
		require.NoError(t, err)

		f.ledger.failKind = audit.KindTripCompleted
		_, err = f.service.CompleteTrip(ctx, "crew-7", "T1", &tracking.LocationSample{Location: h2.Location})
		assert.True(t, errors.Is(err, errLedgerDown))

		status, err := f.service.GetTripStatus(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, tracking.StatusTracking, status.Status)
		_, err = f.trips.GetTrip(ctx, "T1")
		assert.True(t, errors.Is(err, models.ErrNotFound))

		f.ledger.failKind = ""
		completed, err := f.service.CompleteTrip(ctx, "crew-7", "T1", &tracking.LocationSample{Location: h2.Location})
		require.NoError(t, err)
		assert.Equal(t, audit.KindTripCompleted, completed.Entry.EventKind)

		_, err = f.trips.GetTrip(ctx, "T1")
		require.NoError(t, err)

		result, err := f.service.VerifyAuditChain(ctx)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, 2, result.Count)
	})
}

func TestStartTripRequiresOrigin(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.StartTrip(context.Background(), "crew-7", StartTripRequest{
		VehicleID:             "AMB-7",
		DestinationHospitalID: "H2",
	})
	assert.True(t, errors.Is(err, models.ErrValidation))
	assertLedgerEmpty(t, f)
}

func TestUnknownTripOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.service.ReportLocation(ctx, "AMB-7", "nope", tracking.LocationSample{Location: patientLocation})
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = f.service.AcknowledgeAlert(ctx, "d", "nope", "a")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = f.service.ResolveAlert(ctx, "d", "nope", "a", tracking.Resolution{Action: "x"})
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = f.service.CompleteTrip(ctx, "d", "nope", nil)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assertLedgerEmpty(t, f)
}

func TestRecordNotification(t *testing.T) {
	f := newFixture(t, nil)

	entry, err := f.service.RecordNotification(context.Background(), "system", NotificationRecord{
		RequestID:  "R1",
		HospitalID: "H2",
		Channel:    events.HospitalChannel("H2"),
	})
	require.NoError(t, err)
	assert.Equal(t, audit.KindHospitalNotified, entry.EventKind)
	assert.Equal(t, "hospital:H2", entry.Details.Channel)
	assert.Equal(t, audit.Genesis, entry.PreviousHash)
}
