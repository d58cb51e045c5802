package optimizer

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"medroute/internal/config"
	"medroute/internal/forecast"
	"medroute/internal/metrics"
	"medroute/internal/models"
	"medroute/internal/travel"
)

// ErrNoCandidates is returned when no hospital can be scored
var ErrNoCandidates = errors.Wrap(models.ErrValidation, "no candidate hospitals")

// Forecaster predicts hospital capacity
type Forecaster interface {
	Predict(ctx context.Context, hospital models.HospitalSnapshot) (*forecast.Forecast, error)
}

// TravelEstimator estimates travel between two points
type TravelEstimator interface {
	GetTravelTime(ctx context.Context, origin, destination models.Coordinate, class models.VehicleClass) (*travel.Estimate, error)
}

// Scores holds the sub-scores and weighted composite for one hospital
type Scores struct {
	Availability float64 `json:"availability"`
	Specialist   float64 `json:"specialist"`
	Travel       float64 `json:"travel"`
	Equipment    float64 `json:"equipment"`
	Load         float64 `json:"load"`
	Composite    float64 `json:"composite"`
	Confidence   float64 `json:"confidence"`
}

// Recommendation is one ranked candidate with everything used to score it
type Recommendation struct {
	Rank             int                     `json:"rank"`
	Hospital         models.HospitalSnapshot `json:"hospital"`
	Scores           Scores                  `json:"scores"`
	Forecast         forecast.Point          `json:"forecast"`
	ForecastDegraded bool                    `json:"forecast_degraded"`
	Travel           travel.Estimate         `json:"travel"`
}

// NavigationSummary is what the crew needs to drive to the destination
type NavigationSummary struct {
	DistanceKm      float64             `json:"distance_km"`
	ETAMinutes      float64             `json:"eta_minutes"`
	ExpectedArrival time.Time           `json:"expected_arrival"`
	Traffic         travel.Condition    `json:"traffic"`
	Route           []models.Coordinate `json:"route"`
	Heading         float64             `json:"heading"`
}

// PatientPreparation is what the receiving hospital needs to prepare
type PatientPreparation struct {
	Severity          models.Severity `json:"severity"`
	ConditionCode     string          `json:"condition_code"`
	RequiredSpecialty string          `json:"required_specialty,omitempty"`
	RequiredEquipment []string        `json:"required_equipment"`
	ETAMinutes        float64         `json:"eta_minutes"`
}

// SecureResponse is the only selection output released to field crews.
// It never carries other candidates, names, addresses or scores.
type SecureResponse struct {
	RequestID     string             `json:"request_id"`
	DestinationID string             `json:"destination_id"`
	Navigation    NavigationSummary  `json:"navigation"`
	Patient       PatientPreparation `json:"patient"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Ranking is the full result of one selection pass
type Ranking struct {
	RequestID       string
	Recommendations []Recommendation
	Secure          SecureResponse
}

// Selected returns the top recommendation
func (r *Ranking) Selected() Recommendation {
	return r.Recommendations[0]
}

// Engine ranks candidate hospitals for a patient
type Engine struct {
	cfg                config.OptimizerConfig
	fallbackConfidence float64
	ventilatorRatio    float64
	forecaster         Forecaster
	travel             TravelEstimator
	clock              clockz.Clock
	logger             *zap.Logger
	metrics            *metrics.Collector
}

// NewEngine creates a new optimization engine
func NewEngine(cfg config.OptimizerConfig, forecastCfg config.ForecastConfig, forecaster Forecaster, estimator TravelEstimator, logger *zap.Logger, collector *metrics.Collector) *Engine {
	return &Engine{
		cfg:                cfg,
		fallbackConfidence: forecastCfg.FallbackConfidence,
		ventilatorRatio:    forecastCfg.VentilatorRatio,
		forecaster:         forecaster,
		travel:             estimator,
		clock:              clockz.RealClock,
		logger:             logger.Named("optimizer"),
		metrics:            collector,
	}
}

// WithClock replaces the clock
func (e *Engine) WithClock(clock clockz.Clock) *Engine {
	e.clock = clock
	return e
}

// OptimizeHospitalSelection selects a single destination and returns the secure response
func (e *Engine) OptimizeHospitalSelection(ctx context.Context, hospitals []models.HospitalSnapshot, patientLocation models.Coordinate, condition models.PatientCondition) (*SecureResponse, error) {
	ranking, err := e.Rank(ctx, hospitals, patientLocation, condition)
	if err != nil {
		return nil, err
	}
	return &ranking.Secure, nil
}

// GetInternalRecommendations returns the full ranked list for privileged callers
func (e *Engine) GetInternalRecommendations(ctx context.Context, hospitals []models.HospitalSnapshot, patientLocation models.Coordinate, condition models.PatientCondition) ([]Recommendation, error) {
	ranking, err := e.Rank(ctx, hospitals, patientLocation, condition)
	if err != nil {
		return nil, err
	}
	return ranking.Recommendations, nil
}

// Rank scores every candidate concurrently and orders them by composite score.
// Equal scores keep their input order.
func (e *Engine) Rank(ctx context.Context, hospitals []models.HospitalSnapshot, patientLocation models.Coordinate, condition models.PatientCondition) (*Ranking, error) {
	start := e.clock.Now()

	if err := patientLocation.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid patient location")
	}
	if err := condition.Validate(); err != nil {
		return nil, err
	}

	candidates := make([]models.HospitalSnapshot, 0, len(hospitals))
	for _, h := range hospitals {
		if err := h.Location.Validate(); err != nil {
			e.logger.Warn("Skipping candidate with invalid location",
				zap.String("hospital_id", h.ID),
				zap.Error(err))
			continue
		}
		candidates = append(candidates, h)
	}
	if len(candidates) == 0 {
		e.metrics.RecordOptimization("rejected", 0, e.clock.Since(start))
		return nil, ErrNoCandidates
	}

	required := e.RequiredEquipment(condition.ConditionCode)
	recommendations := make([]Recommendation, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxConcurrency > 0 {
		g.SetLimit(e.cfg.MaxConcurrency)
	}
	for i := range candidates {
		g.Go(func() error {
			rec, err := e.evaluate(gctx, candidates[i], patientLocation, condition, required)
			if err != nil {
				return err
			}
			recommendations[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.metrics.RecordOptimization("failed", len(candidates), e.clock.Since(start))
		return nil, errors.Wrap(err, "failed to evaluate candidates")
	}

	sort.SliceStable(recommendations, func(a, b int) bool {
		return recommendations[a].Scores.Composite > recommendations[b].Scores.Composite
	})
	for i := range recommendations {
		recommendations[i].Rank = i + 1
	}

	now := e.clock.Now()
	ranking := &Ranking{
		RequestID:       uuid.NewString(),
		Recommendations: recommendations,
	}
	ranking.Secure = e.secureResponse(ranking.RequestID, recommendations[0], condition, required, now)

	e.metrics.RecordOptimization("selected", len(candidates), e.clock.Since(start))
	e.logger.Info("Destination selected",
		zap.String("request_id", ranking.RequestID),
		zap.String("destination_id", ranking.Secure.DestinationID),
		zap.Int("candidates", len(candidates)),
		zap.Float64("composite", recommendations[0].Scores.Composite))

	return ranking, nil
}

func (e *Engine) evaluate(ctx context.Context, hospital models.HospitalSnapshot, patientLocation models.Coordinate, condition models.PatientCondition, required []string) (Recommendation, error) {
	rec := Recommendation{Hospital: hospital}

	point, degraded := e.forecastPoint(ctx, hospital)
	rec.Forecast = point
	rec.ForecastDegraded = degraded

	estimate, err := e.travel.GetTravelTime(ctx, patientLocation, hospital.Location, models.VehicleAmbulance)
	if err != nil {
		return rec, errors.Wrapf(err, "failed to estimate travel to hospital %s", hospital.ID)
	}
	rec.Travel = *estimate

	rec.Scores = Scores{
		Availability: AvailabilityScore(point, condition.Severity),
		Specialist:   SpecialistScore(hospital, condition.RequiredSpecialty),
		Travel:       TravelScore(estimate.DurationInTrafficMinutes),
		Equipment:    EquipmentScore(hospital, required),
		Load:         LoadScore(hospital.Load),
		Confidence:   point.Confidence,
	}
	rec.Scores.Composite = Composite(rec.Scores, e.cfg.Weights)

	return rec, nil
}

func (e *Engine) forecastPoint(ctx context.Context, hospital models.HospitalSnapshot) (forecast.Point, bool) {
	fc, err := e.forecaster.Predict(ctx, hospital)
	if err == nil {
		if point, ok := fc.First(); ok {
			return point, fc.Degraded
		}
		err = errors.New("empty forecast")
	}

	e.logger.Warn("Forecast unavailable, using current availability",
		zap.String("hospital_id", hospital.ID),
		zap.Error(err))
	e.metrics.RecordForecastFallback("forecast_error")
	return forecast.DefaultPoint(hospital, e.fallbackConfidence, e.ventilatorRatio), true
}

// RequiredEquipment returns the equipment the condition code calls for
func (e *Engine) RequiredEquipment(conditionCode string) []string {
	required := e.cfg.RequiredEquipment[conditionCode]
	out := make([]string, len(required))
	copy(out, required)
	return out
}

func (e *Engine) secureResponse(requestID string, selected Recommendation, condition models.PatientCondition, required []string, now time.Time) SecureResponse {
	eta := selected.Travel.DurationInTrafficMinutes
	route := make([]models.Coordinate, len(selected.Travel.Route))
	copy(route, selected.Travel.Route)

	return SecureResponse{
		RequestID:     requestID,
		DestinationID: selected.Hospital.ID,
		Navigation: NavigationSummary{
			DistanceKm:      selected.Travel.DistanceKm,
			ETAMinutes:      eta,
			ExpectedArrival: now.Add(time.Duration(eta * float64(time.Minute))),
			Traffic:         selected.Travel.Traffic,
			Route:           route,
			Heading:         selected.Travel.Heading,
		},
		Patient: PatientPreparation{
			Severity:          condition.Severity,
			ConditionCode:     condition.ConditionCode,
			RequiredSpecialty: condition.RequiredSpecialty,
			RequiredEquipment: required,
			ETAMinutes:        eta,
		},
		GeneratedAt: now,
	}
}
