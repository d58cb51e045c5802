package tracking

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"medroute/internal/config"
	"medroute/internal/models"
)

var (
	routeStart = models.Coordinate{Lat: 40.7128, Lng: -74.0060}
	routeEnd   = models.Coordinate{Lat: 40.7306, Lng: -73.9866}
)

// north moves c due north by the given number of metres
func north(c models.Coordinate, meters float64) models.Coordinate {
	return models.Coordinate{Lat: c.Lat + meters/(6371000.0)*180/math.Pi, Lng: c.Lng}
}

func floatPtr(v float64) *float64 { return &v }

func newTestMonitor(t *testing.T) (*Monitor, *clockz.FakeClock) {
	t.Helper()
	clock := clockz.NewFakeClock()
	cfg := config.Default().Tracking
	return NewMonitor(cfg, NewMemoryStore(), zap.NewNop(), nil).WithClock(clock), clock
}

func startRequest(tripID string) StartRequest {
	return StartRequest{
		TripID:                tripID,
		VehicleID:             "V1",
		DestinationHospitalID: "H2",
		Origin:                routeStart,
		Destination:           routeEnd,
		Route: PlannedRoute{
			Coordinates:              []models.Coordinate{routeStart, routeEnd},
			Heading:                  floatPtr(90),
			DurationInTrafficMinutes: 10,
		},
	}
}

func TestStartTrip(t *testing.T) {
	monitor, clock := newTestMonitor(t)
	ctx := context.Background()

	session, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	assert.Equal(t, StatusTracking, session.Status)
	assert.Empty(t, session.History)
	assert.Empty(t, session.Alerts)
	assert.True(t, session.StartedAt.Equal(clock.Now()))
	assert.True(t, session.ExpectedArrival.After(session.StartedAt))

	_, err = monitor.Start(ctx, startRequest("T1"))
	assert.ErrorIs(t, err, ErrTripExists)
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestStartTripValidation(t *testing.T) {
	monitor, _ := newTestMonitor(t)

	req := startRequest("")
	_, err := monitor.Start(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrValidation)

	req = startRequest("T1")
	req.Origin = models.Coordinate{Lat: 95, Lng: 0}
	_, err = monitor.Start(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestOffRouteThreshold(t *testing.T) {
	tests := []struct {
		name    string
		meters  float64
		flagged bool
	}{
		{"on route", 0, false},
		{"exactly at threshold", 200, false},
		{"just over threshold", 201, true},
		{"far off route", 600, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor, _ := newTestMonitor(t)
			ctx := context.Background()
			_, err := monitor.Start(ctx, startRequest("T1"))
			require.NoError(t, err)

			result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: north(routeStart, tt.meters)})
			require.NoError(t, err)

			if !tt.flagged {
				assert.Nil(t, result.Alert)
				assert.Empty(t, result.Session.Alerts)
				return
			}
			require.NotNil(t, result.Alert)
			assert.InDelta(t, tt.meters, result.Alert.DistanceFromRouteMeters, 0.01)
			assert.Len(t, result.Session.Alerts, 1)
			assert.Contains(t, result.Alert.Reasons[0], "off route")
		})
	}
}

func TestOffRouteSeverity(t *testing.T) {
	tests := []struct {
		meters   float64
		severity Severity
	}{
		{250, SeverityLow},
		{300, SeverityLow},
		{350, SeverityMedium},
		{500, SeverityMedium},
		{501, SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0fm", tt.meters), func(t *testing.T) {
			monitor, _ := newTestMonitor(t)
			ctx := context.Background()
			_, err := monitor.Start(ctx, startRequest("T1"))
			require.NoError(t, err)

			result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: north(routeStart, tt.meters)})
			require.NoError(t, err)
			require.NotNil(t, result.Alert)
			assert.Equal(t, tt.severity, result.Alert.Severity)
		})
	}
}

func TestHeadingThreshold(t *testing.T) {
	tests := []struct {
		name    string
		heading *float64
		flagged bool
	}{
		{"no heading reported", nil, false},
		{"same heading", floatPtr(90), false},
		{"exactly at threshold", floatPtr(135), false},
		{"just over threshold", floatPtr(136), true},
		{"wraps around north", floatPtr(44), true},
		{"reverse direction", floatPtr(270), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor, _ := newTestMonitor(t)
			ctx := context.Background()
			_, err := monitor.Start(ctx, startRequest("T1"))
			require.NoError(t, err)

			result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeStart, Heading: tt.heading})
			require.NoError(t, err)

			if !tt.flagged {
				assert.Nil(t, result.Alert)
				return
			}
			require.NotNil(t, result.Alert)
			assert.Equal(t, SeverityLow, result.Alert.Severity)
			assert.Contains(t, result.Alert.Reasons[0], "heading")
		})
	}
}

func TestHeadingIgnoredWithoutPlannedHeading(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	ctx := context.Background()

	req := startRequest("T1")
	req.Route.Heading = nil
	_, err := monitor.Start(ctx, req)
	require.NoError(t, err)

	result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeStart, Heading: floatPtr(270)})
	require.NoError(t, err)
	assert.Nil(t, result.Alert)
}

func TestDelayThreshold(t *testing.T) {
	monitor, clock := newTestMonitor(t)
	ctx := context.Background()

	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	// planned 10 minutes, threshold 5 minutes
	clock.Advance(15 * time.Minute)
	result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeEnd})
	require.NoError(t, err)
	assert.Nil(t, result.Alert)

	clock.Advance(time.Second)
	result, err = monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeEnd})
	require.NoError(t, err)
	require.NotNil(t, result.Alert)
	assert.Equal(t, SeverityMedium, result.Alert.Severity)
	assert.InDelta(t, 5.0167, result.Alert.DelayMinutes, 0.001)
	assert.Contains(t, result.Alert.Reasons[0], "behind schedule")

	clock.Advance(5 * time.Minute)
	result, err = monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeEnd})
	require.NoError(t, err)
	require.NotNil(t, result.Alert)
	assert.Equal(t, SeverityHigh, result.Alert.Severity)
}

func TestDelayIgnoredWithoutPlannedDuration(t *testing.T) {
	monitor, clock := newTestMonitor(t)
	ctx := context.Background()

	req := startRequest("T1")
	req.Route.DurationInTrafficMinutes = 0
	_, err := monitor.Start(ctx, req)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeStart})
	require.NoError(t, err)
	assert.Nil(t, result.Alert)
}

func TestCombinedReasons(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	ctx := context.Background()
	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{
		Location: north(routeStart, 400),
		Heading:  floatPtr(270),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Alert)
	assert.Len(t, result.Alert.Reasons, 2)
	assert.Equal(t, SeverityMedium, result.Alert.Severity)
	assert.InDelta(t, 180, result.Alert.HeadingDeviation, 1e-9)
}

func TestUpdateUnknownTrip(t *testing.T) {
	monitor, _ := newTestMonitor(t)

	_, err := monitor.UpdateLocation(context.Background(), "missing", LocationSample{Location: routeStart})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestUpdateInvalidLocation(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	ctx := context.Background()
	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	_, err = monitor.UpdateLocation(ctx, "T1", LocationSample{Location: models.Coordinate{Lat: math.NaN()}})
	assert.ErrorIs(t, err, models.ErrValidation)

	session, err := monitor.Status(ctx, "T1")
	require.NoError(t, err)
	assert.Empty(t, session.History)
}

func TestTripLifecycle(t *testing.T) {
	monitor, clock := newTestMonitor(t)
	ctx := context.Background()

	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	var alertIDs []string
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: north(routeStart, 260+float64(i)*10)})
		require.NoError(t, err)
		require.NotNil(t, result.Alert)
		alertIDs = append(alertIDs, result.Alert.ID)
	}
	assert.Len(t, alertIDs, 3)
	assert.NotEqual(t, alertIDs[0], alertIDs[1])

	clock.Advance(time.Minute)
	acked, err := monitor.AcknowledgeAlert(ctx, "T1", alertIDs[0], "crew-7")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "crew-7", acked.AcknowledgedBy)
	firstAck := *acked.AcknowledgedAt

	clock.Advance(time.Minute)
	again, err := monitor.AcknowledgeAlert(ctx, "T1", alertIDs[0], "crew-8")
	require.NoError(t, err)
	assert.Equal(t, "crew-7", again.AcknowledgedBy)
	assert.True(t, again.AcknowledgedAt.Equal(firstAck))

	resolved, err := monitor.ResolveAlert(ctx, "T1", alertIDs[0], "dispatcher-1", Resolution{Action: "rerouted", Notes: "road closure"})
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "rerouted", resolved.Resolution.Action)

	clock.Advance(time.Minute)
	completion, err := monitor.Stop(ctx, "T1", &LocationSample{Location: routeEnd})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, completion.Session.Status)
	require.NotNil(t, completion.Session.CompletedAt)
	assert.Equal(t, 4, completion.Stats.SampleCount)
	assert.Equal(t, 3, completion.Stats.DeviationCount)
	// first sample at minute 1, final sample at minute 6
	assert.InDelta(t, 5.0, completion.Stats.ElapsedMinutes, 1e-9)
	// first alert detected at minute 1 and resolved at minute 5
	assert.InDelta(t, 4.0, completion.Stats.ResolvedDeviationMinutes, 1e-9)
	assert.Greater(t, completion.Stats.DistanceKm, 2.0)
	assert.InDelta(t, completion.Stats.DistanceKm/(5.0/60), completion.Stats.AverageSpeedKmh, 1e-6)

	_, err = monitor.Status(ctx, "T1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = monitor.Stop(ctx, "T1", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAlertNotFound(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	ctx := context.Background()
	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	_, err = monitor.AcknowledgeAlert(ctx, "T1", "nope", "crew-7")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	_, err = monitor.ResolveAlert(ctx, "T1", "nope", "crew-7", Resolution{Action: "ignored"})
	assert.ErrorIs(t, err, ErrAlertNotFound)

	_, err = monitor.AcknowledgeAlert(ctx, "T2", "nope", "crew-7")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResolveRequiresAction(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	ctx := context.Background()
	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: north(routeStart, 400)})
	require.NoError(t, err)
	require.NotNil(t, result.Alert)

	_, err = monitor.ResolveAlert(ctx, "T1", result.Alert.ID, "dispatcher-1", Resolution{Action: "  "})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStatusIsIdempotent(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	ctx := context.Background()
	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)
	_, err = monitor.UpdateLocation(ctx, "T1", LocationSample{Location: north(routeStart, 400)})
	require.NoError(t, err)

	first, err := monitor.Status(ctx, "T1")
	require.NoError(t, err)
	second, err := monitor.Status(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// mutating a snapshot must not leak into the store
	first.Alerts[0].Reasons[0] = "tampered"
	first.History = nil
	third, err := monitor.Status(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestCompletionElapsedSpansSamples(t *testing.T) {
	ctx := context.Background()

	t.Run("first to last sample", func(t *testing.T) {
		monitor, clock := newTestMonitor(t)
		_, err := monitor.Start(ctx, startRequest("T1"))
		require.NoError(t, err)

		// the crew only starts reporting ten minutes after dispatch
		clock.Advance(10 * time.Minute)
		_, err = monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeStart})
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
		_, err = monitor.UpdateLocation(ctx, "T1", LocationSample{Location: north(routeStart, 1000)})
		require.NoError(t, err)

		// stopped five minutes later without a final fix
		clock.Advance(5 * time.Minute)
		completion, err := monitor.Stop(ctx, "T1", nil)
		require.NoError(t, err)
		assert.InDelta(t, 2.0, completion.Stats.ElapsedMinutes, 1e-9)
		assert.InDelta(t, 30.0, completion.Stats.AverageSpeedKmh, 1e-6)
	})

	t.Run("no samples", func(t *testing.T) {
		monitor, clock := newTestMonitor(t)
		_, err := monitor.Start(ctx, startRequest("T1"))
		require.NoError(t, err)

		clock.Advance(15 * time.Minute)
		completion, err := monitor.Stop(ctx, "T1", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, completion.Stats.SampleCount)
		assert.Zero(t, completion.Stats.ElapsedMinutes)
		assert.Zero(t, completion.Stats.AverageSpeedKmh)
	})

	t.Run("single final sample", func(t *testing.T) {
		monitor, clock := newTestMonitor(t)
		_, err := monitor.Start(ctx, startRequest("T1"))
		require.NoError(t, err)

		clock.Advance(15 * time.Minute)
		completion, err := monitor.Stop(ctx, "T1", &LocationSample{Location: routeEnd})
		require.NoError(t, err)
		assert.Equal(t, 1, completion.Stats.SampleCount)
		assert.Zero(t, completion.Stats.ElapsedMinutes)
		assert.Zero(t, completion.Stats.AverageSpeedKmh)
	})
}

func TestRecordersGateCommits(t *testing.T) {
	ctx := context.Background()
	failure := errors.New("ledger unavailable")

	t.Run("failed start is rolled back", func(t *testing.T) {
		monitor, _ := newTestMonitor(t)

		_, err := monitor.StartRecorded(ctx, startRequest("T1"), func(context.Context, *Session) error { return failure })
		assert.ErrorIs(t, err, failure)

		_, err = monitor.Status(ctx, "T1")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		var seen *Session
		_, err = monitor.StartRecorded(ctx, startRequest("T1"), func(_ context.Context, s *Session) error {
			seen = s
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, "T1", seen.TripID)
	})

	t.Run("failed update keeps neither sample nor alert", func(t *testing.T) {
		monitor, _ := newTestMonitor(t)
		_, err := monitor.Start(ctx, startRequest("T1"))
		require.NoError(t, err)

		var seen *UpdateResult
		_, err = monitor.UpdateLocationRecorded(ctx, "T1", LocationSample{Location: north(routeStart, 400)},
			func(_ context.Context, r *UpdateResult) error {
				seen = r
				return failure
			})
		assert.ErrorIs(t, err, failure)
		require.NotNil(t, seen)
		require.NotNil(t, seen.Alert)

		session, err := monitor.Status(ctx, "T1")
		require.NoError(t, err)
		assert.Empty(t, session.Alerts)
		assert.Empty(t, session.History)
		assert.Equal(t, 0, session.SampleCount)
	})

	t.Run("failed stop leaves the trip active", func(t *testing.T) {
		monitor, _ := newTestMonitor(t)
		_, err := monitor.Start(ctx, startRequest("T1"))
		require.NoError(t, err)

		_, err = monitor.StopRecorded(ctx, "T1", &LocationSample{Location: routeEnd},
			func(_ context.Context, c *Completion) error {
				_, statusErr := monitor.store.Get(ctx, "T1")
				assert.NoError(t, statusErr)
				assert.Equal(t, StatusCompleted, c.Session.Status)
				return failure
			})
		assert.ErrorIs(t, err, failure)

		session, err := monitor.Status(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, StatusTracking, session.Status)
		assert.Equal(t, 0, session.SampleCount)

		completion, err := monitor.Stop(ctx, "T1", &LocationSample{Location: routeEnd})
		require.NoError(t, err)
		assert.Equal(t, 1, completion.Stats.SampleCount)
	})
}

func TestHistoryCap(t *testing.T) {
	clock := clockz.NewFakeClock()
	cfg := config.Default().Tracking
	cfg.HistoryCap = 3
	monitor := NewMonitor(cfg, NewMemoryStore(), zap.NewNop(), nil).WithClock(clock)
	ctx := context.Background()

	_, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: north(routeStart, float64(i*10))})
		require.NoError(t, err)
	}

	session, err := monitor.Status(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, session.History, 3)
	assert.Equal(t, 5, session.SampleCount)
	assert.InDelta(t, north(routeStart, 20).Lat, session.History[0].Location.Lat, 1e-12)
	assert.InDelta(t, 0.04, session.DistanceKm, 1e-6)
}

func TestExpectedArrivalFollowsVehicle(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	ctx := context.Background()

	started, err := monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	result, err := monitor.UpdateLocation(ctx, "T1", LocationSample{Location: routeEnd})
	require.NoError(t, err)
	assert.True(t, result.Session.ExpectedArrival.Before(started.ExpectedArrival))
	assert.True(t, result.Session.ExpectedArrival.Equal(result.Session.LastUpdate))
}

func TestListActive(t *testing.T) {
	monitor, clock := newTestMonitor(t)
	ctx := context.Background()

	_, err := monitor.Start(ctx, startRequest("T2"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = monitor.Start(ctx, startRequest("T1"))
	require.NoError(t, err)

	active, err := monitor.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "T2", active[0].TripID)
	assert.Equal(t, "T1", active[1].TripID)

	_, err = monitor.Stop(ctx, "T2", nil)
	require.NoError(t, err)

	active, err = monitor.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "T1", active[0].TripID)
}

func TestConcurrentUpdates(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	ctx := context.Background()

	const trips = 8
	const samples = 25
	for i := 0; i < trips; i++ {
		_, err := monitor.Start(ctx, startRequest(fmt.Sprintf("T%d", i)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < trips; i++ {
		for j := 0; j < samples; j++ {
			wg.Add(1)
			go func(trip string) {
				defer wg.Done()
				_, err := monitor.UpdateLocation(ctx, trip, LocationSample{Location: routeStart})
				assert.NoError(t, err)
			}(fmt.Sprintf("T%d", i))
		}
	}
	wg.Wait()

	active, err := monitor.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, trips)
	for _, s := range active {
		assert.Equal(t, samples, s.SampleCount, s.TripID)
		assert.Len(t, s.History, samples)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &Session{TripID: "T1", Status: StatusTracking}
	require.NoError(t, store.Create(ctx, session))
	assert.ErrorIs(t, store.Create(ctx, session), ErrTripExists)

	session.SampleCount = 4
	got, err := store.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Zero(t, got.SampleCount)

	require.NoError(t, store.Put(ctx, session))
	got, err = store.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.SampleCount)

	assert.ErrorIs(t, store.Put(ctx, &Session{TripID: "T9"}), ErrSessionNotFound)

	require.NoError(t, store.Delete(ctx, "T1"))
	assert.ErrorIs(t, store.Delete(ctx, "T1"), ErrSessionNotFound)
	_, err = store.Get(ctx, "T1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
