package optimizer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"medroute/internal/config"
	"medroute/internal/forecast"
	"medroute/internal/models"
	"medroute/internal/travel"
)

// stubForecaster returns each hospital's current availability as the forecast
type stubForecaster struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (s *stubForecaster) Predict(_ context.Context, h models.HospitalSnapshot) (*forecast.Forecast, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail[h.ID] {
		return nil, errors.New("history unavailable")
	}
	return &forecast.Forecast{
		HospitalID: h.ID,
		Points: []forecast.Point{{
			HorizonHours:  1,
			PredictedBeds: h.AvailableBeds,
			PredictedICU:  h.AvailableICU,
			Confidence:    0.9,
		}},
	}, nil
}

// stubEstimator returns a fixed duration per hospital location
type stubEstimator struct {
	minutes map[models.Coordinate]float64
}

func (s *stubEstimator) GetTravelTime(_ context.Context, origin, destination models.Coordinate, class models.VehicleClass) (*travel.Estimate, error) {
	minutes, ok := s.minutes[destination]
	if !ok {
		minutes = 12
	}
	return &travel.Estimate{
		Origin:                   origin,
		Destination:              destination,
		VehicleClass:             class,
		DistanceKm:               minutes / 2,
		DurationMinutes:          minutes,
		DurationInTrafficMinutes: minutes,
		Traffic:                  travel.ConditionModerate,
		Route:                    []models.Coordinate{origin, destination},
		Heading:                  45,
	}, nil
}

var patientLocation = models.Coordinate{Lat: 40.7128, Lng: -74.0060}

func newTestEngine(fc Forecaster, est TravelEstimator) *Engine {
	cfg := config.Default()
	return NewEngine(cfg.Optimizer, cfg.Forecast, fc, est, zap.NewNop(), nil).WithClock(clockz.NewFakeClock())
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

func TestSubScores(t *testing.T) {
	t.Run("availability uses ICU for critical patients", func(t *testing.T) {
		p := forecast.Point{PredictedBeds: 5, PredictedICU: 2}
		assert.InDelta(t, 50, AvailabilityScore(p, models.SeverityCritical), 1e-9)
		assert.InDelta(t, 50, AvailabilityScore(p, models.SeverityMild), 1e-9)
		assert.Equal(t, 0.0, AvailabilityScore(forecast.Point{}, models.SeveritySevere))
	})

	t.Run("availability is rounded", func(t *testing.T) {
		assert.Equal(t, 33.0, AvailabilityScore(forecast.Point{PredictedICU: 1}, models.SeverityCritical))
		assert.Equal(t, 71.0, AvailabilityScore(forecast.Point{PredictedICU: 5}, models.SeverityCritical))
		assert.Equal(t, 67.0, AvailabilityScore(forecast.Point{PredictedBeds: 10}, models.SeverityModerate))
		assert.Equal(t, 0.0, AvailabilityScore(forecast.Point{PredictedBeds: -3}, models.SeverityMild))
	})

	t.Run("specialist", func(t *testing.T) {
		h := models.HospitalSnapshot{Specialties: map[string]bool{"cardiology": true, "neurology": false}}
		assert.Equal(t, 100.0, SpecialistScore(h, "cardiology"))
		assert.Equal(t, 30.0, SpecialistScore(h, "neurology"))
		assert.Equal(t, 30.0, SpecialistScore(h, "burns"))
		assert.Equal(t, 70.0, SpecialistScore(h, ""))
	})

	t.Run("travel steps", func(t *testing.T) {
		tests := []struct {
			minutes, want float64
		}{
			{0, 100}, {10, 100}, {10.1, 90},
			{15, 90}, {15.1, 80},
			{20, 80}, {20.1, 70},
			{30, 70}, {30.1, 60},
			{45, 60}, {45.1, 50},
			{60, 50}, {61, 54}, {90, 25}, {200, 20},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.want, TravelScore(tt.minutes), "minutes %v", tt.minutes)
		}
	})

	t.Run("equipment", func(t *testing.T) {
		h := models.HospitalSnapshot{Equipment: map[string]bool{"ct_scanner": true, "mri": false}}
		assert.Equal(t, 80.0, EquipmentScore(h, nil))
		assert.Equal(t, 50.0, EquipmentScore(h, []string{"ct_scanner", "mri"}))
		assert.Equal(t, 100.0, EquipmentScore(h, []string{"ct_scanner"}))
		assert.Equal(t, 33.0, EquipmentScore(h, []string{"ct_scanner", "mri", "cath_lab"}))
		assert.Equal(t, 67.0, EquipmentScore(
			models.HospitalSnapshot{Equipment: map[string]bool{"ct_scanner": true, "mri": true}},
			[]string{"ct_scanner", "mri", "cath_lab"}))
	})

	t.Run("load", func(t *testing.T) {
		assert.Equal(t, 100.0, LoadScore(models.LoadLow))
		assert.Equal(t, 75.0, LoadScore(models.LoadModerate))
		assert.Equal(t, 50.0, LoadScore(models.LoadHigh))
		assert.Equal(t, 25.0, LoadScore(models.LoadCritical))
		assert.Equal(t, 60.0, LoadScore(""))
	})
}

func TestCompositeWeights(t *testing.T) {
	w := config.Default().Optimizer.Weights
	assert.InDelta(t, 1.0, w.Sum(), 1e-6)

	perfect := Scores{Availability: 100, Specialist: 100, Travel: 100, Equipment: 100, Load: 100}
	assert.Equal(t, 100.0, Composite(perfect, w))
	assert.Equal(t, 0.0, Composite(Scores{}, w))

	base := Scores{Availability: 40, Specialist: 70, Travel: 80, Equipment: 50, Load: 60}
	baseScore := Composite(base, w)
	fields := []func(*Scores){
		func(s *Scores) { s.Availability += 20 },
		func(s *Scores) { s.Specialist += 20 },
		func(s *Scores) { s.Travel += 20 },
		func(s *Scores) { s.Equipment += 20 },
		func(s *Scores) { s.Load += 20 },
	}
	for i, raise := range fields {
		s := base
		raise(&s)
		assert.GreaterOrEqual(t, Composite(s, w), baseScore, "raising sub-score %d must not lower the composite", i)
	}
}

func TestOptimizeHospitalSelectionPrefersReadyHospital(t *testing.T) {
	engine := newTestEngine(&stubForecaster{}, &stubEstimator{})
	condition := models.PatientCondition{
		Severity:          models.SeverityCritical,
		ConditionCode:     "stroke",
		RequiredSpecialty: "neurology",
	}
	hospitals := []models.HospitalSnapshot{hospitalH1(), hospitalH2()}

	recs, err := engine.GetInternalRecommendations(context.Background(), hospitals, patientLocation, condition)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "H2", recs[0].Hospital.ID)
	assert.Equal(t, 1, recs[0].Rank)
	assert.Greater(t, recs[0].Scores.Composite, recs[1].Scores.Composite)

	resp, err := engine.OptimizeHospitalSelection(context.Background(), hospitals, patientLocation, condition)
	require.NoError(t, err)
	assert.Equal(t, "H2", resp.DestinationID)
	assert.Equal(t, []string{"ct_scanner", "mri"}, resp.Patient.RequiredEquipment)
	assert.Equal(t, models.SeverityCritical, resp.Patient.Severity)
	assert.Equal(t, 12.0, resp.Navigation.ETAMinutes)
	assert.Equal(t, resp.GeneratedAt.Add(12*time.Minute), resp.Navigation.ExpectedArrival)
	assert.NotEmpty(t, resp.RequestID)
}

func TestSecureResponseOmitsOtherCandidates(t *testing.T) {
	engine := newTestEngine(&stubForecaster{}, &stubEstimator{})
	condition := models.PatientCondition{Severity: models.SeverityCritical, ConditionCode: "stroke", RequiredSpecialty: "neurology"}
	h1, h2 := hospitalH1(), hospitalH2()

	resp, err := engine.OptimizeHospitalSelection(context.Background(), []models.HospitalSnapshot{h1, h2}, patientLocation, condition)
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	body := string(data)

	for _, leaked := range []string{h1.ID, h1.Name, h1.Address, h2.Name, h2.Address, "composite", "scores", "rank"} {
		assert.NotContains(t, body, leaked)
	}
	assert.Contains(t, body, h2.ID)
}

func TestForecastFailureUsesDefaultPoint(t *testing.T) {
	fc := &stubForecaster{fail: map[string]bool{"H2": true}}
	engine := newTestEngine(fc, &stubEstimator{})
	condition := models.PatientCondition{Severity: models.SeverityCritical, ConditionCode: "stroke"}

	recs, err := engine.GetInternalRecommendations(context.Background(), []models.HospitalSnapshot{hospitalH1(), hospitalH2()}, patientLocation, condition)
	require.NoError(t, err)

	var h2 Recommendation
	for _, r := range recs {
		if r.Hospital.ID == "H2" {
			h2 = r
		}
	}
	assert.True(t, h2.ForecastDegraded)
	assert.Equal(t, 0.5, h2.Scores.Confidence)
	assert.Equal(t, 5, h2.Forecast.PredictedICU)
	assert.Equal(t, 2, fc.calls)
}

func TestTiesKeepInputOrder(t *testing.T) {
	engine := newTestEngine(&stubForecaster{}, &stubEstimator{})
	condition := models.PatientCondition{Severity: models.SeverityModerate, ConditionCode: "fracture"}

	a := hospitalH2()
	a.ID = "A"
	a.Location = models.Coordinate{Lat: 40.74, Lng: -73.98}
	b := hospitalH2()
	b.ID = "B"
	b.Location = models.Coordinate{Lat: 40.75, Lng: -73.97}

	recs, err := engine.GetInternalRecommendations(context.Background(), []models.HospitalSnapshot{b, a}, patientLocation, condition)
	require.NoError(t, err)
	require.Equal(t, recs[0].Scores.Composite, recs[1].Scores.Composite)
	assert.Equal(t, "B", recs[0].Hospital.ID)
	assert.Equal(t, "A", recs[1].Hospital.ID)
}

func TestFasterHospitalWinsWhenOtherwiseEqual(t *testing.T) {
	near := hospitalH2()
	near.ID = "near"
	far := hospitalH2()
	far.ID = "far"
	far.Location = models.Coordinate{Lat: 40.9, Lng: -73.8}

	est := &stubEstimator{minutes: map[models.Coordinate]float64{near.Location: 8, far.Location: 70}}
	engine := newTestEngine(&stubForecaster{}, est)
	condition := models.PatientCondition{Severity: models.SeverityModerate, ConditionCode: "fracture"}

	resp, err := engine.OptimizeHospitalSelection(context.Background(), []models.HospitalSnapshot{far, near}, patientLocation, condition)
	require.NoError(t, err)
	assert.Equal(t, "near", resp.DestinationID)
}

func TestValidation(t *testing.T) {
	engine := newTestEngine(&stubForecaster{}, &stubEstimator{})
	valid := models.PatientCondition{Severity: models.SeverityMild, ConditionCode: "laceration"}
	hospitals := []models.HospitalSnapshot{hospitalH1()}

	tests := []struct {
		name      string
		hospitals []models.HospitalSnapshot
		location  models.Coordinate
		condition models.PatientCondition
	}{
		{"out of range location", hospitals, models.Coordinate{Lat: 100, Lng: 0}, valid},
		{"unknown severity", hospitals, patientLocation, models.PatientCondition{Severity: "urgent", ConditionCode: "x"}},
		{"missing condition code", hospitals, patientLocation, models.PatientCondition{Severity: models.SeverityMild}},
		{"no candidates", nil, patientLocation, valid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.OptimizeHospitalSelection(context.Background(), tt.hospitals, tt.location, tt.condition)
			assert.True(t, errors.Is(err, models.ErrValidation))
		})
	}
}

func TestInvalidCandidateIsSkipped(t *testing.T) {
	engine := newTestEngine(&stubForecaster{}, &stubEstimator{})
	broken := hospitalH1()
	broken.Location = models.Coordinate{Lat: 200, Lng: 0}

	recs, err := engine.GetInternalRecommendations(context.Background(),
		[]models.HospitalSnapshot{broken, hospitalH2()}, patientLocation,
		models.PatientCondition{Severity: models.SeverityMild, ConditionCode: "laceration"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "H2", recs[0].Hospital.ID)
}
