package travel

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"medroute/internal/config"
	"medroute/internal/geo"
	"medroute/internal/metrics"
	"medroute/internal/models"
)

// Condition describes the expected road traffic
type Condition string

const (
	ConditionLight    Condition = "light"
	ConditionModerate Condition = "moderate"
	ConditionHeavy    Condition = "heavy"
	ConditionUnknown  Condition = "unknown"
)

// SpeedMultiplier returns the factor applied to the base speed under this condition
func (c Condition) SpeedMultiplier() float64 {
	switch c {
	case ConditionLight:
		return 1.2
	case ConditionHeavy:
		return 0.6
	default:
		return 1.0
	}
}

// Estimate is a travel time estimate between two points
type Estimate struct {
	Origin                   models.Coordinate   `json:"origin"`
	Destination              models.Coordinate   `json:"destination"`
	VehicleClass             models.VehicleClass `json:"vehicle_class"`
	DistanceKm               float64             `json:"distance_km"`
	DurationMinutes          float64             `json:"duration_minutes"`
	DurationInTrafficMinutes float64             `json:"duration_in_traffic_minutes"`
	Traffic                  Condition           `json:"traffic"`
	Route                    []models.Coordinate `json:"route"`
	Heading                  float64             `json:"heading"`
	Fallback                 bool                `json:"fallback"`
	ComputedAt               time.Time           `json:"computed_at"`
}

// Prediction is the expected traffic between two points at a future time
type Prediction struct {
	Condition                Condition `json:"condition"`
	Confidence               float64   `json:"confidence"`
	At                       time.Time `json:"at"`
	HoursAhead               float64   `json:"hours_ahead"`
	DayOfWeek                string    `json:"day_of_week"`
	DistanceKm               float64   `json:"distance_km"`
	DurationInTrafficMinutes float64   `json:"duration_in_traffic_minutes"`
}

// TrafficModel reports the expected traffic condition at a point in time
type TrafficModel interface {
	Condition(ctx context.Context, at time.Time) (Condition, error)
}

// Estimator produces travel time estimates with a short-lived cache in front
type Estimator struct {
	cfg     config.TravelConfig
	cache   Cache
	traffic TrafficModel
	clock   clockz.Clock
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewEstimator creates a new travel estimator. A nil cache disables caching.
func NewEstimator(cfg config.TravelConfig, cache Cache, logger *zap.Logger, collector *metrics.Collector) *Estimator {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.UTC
	}
	return &Estimator{
		cfg:     cfg,
		cache:   cache,
		traffic: NewRushHourModel(loc),
		clock:   clockz.RealClock,
		logger:  logger.Named("travel"),
		metrics: collector,
	}
}

// WithClock replaces the clock
func (e *Estimator) WithClock(clock clockz.Clock) *Estimator {
	e.clock = clock
	return e
}

// WithTrafficModel replaces the traffic model
func (e *Estimator) WithTrafficModel(model TrafficModel) *Estimator {
	e.traffic = model
	return e
}

// GetTravelTime returns the estimated travel time from origin to destination for the vehicle class.
// Internal failures degrade to a fallback estimate and are never returned.
func (e *Estimator) GetTravelTime(ctx context.Context, origin, destination models.Coordinate, class models.VehicleClass) (*Estimate, error) {
	if err := origin.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid origin")
	}
	if err := destination.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid destination")
	}

	key := cacheKey(origin, destination, class)
	if e.cache != nil {
		cached, found, err := e.cache.Get(ctx, key)
		if err != nil {
			e.logger.Warn("Travel cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		e.metrics.RecordTravelCache(found)
		if found {
			return cached, nil
		}
	}

	now := e.clock.Now()
	estimate, err := e.estimateAt(ctx, origin, destination, class, now)
	if err != nil {
		e.logger.Warn("Travel estimate failed, using fallback",
			zap.String("key", key),
			zap.Error(err))
		e.metrics.RecordTravelFallback()
		return e.fallback(origin, destination, class, now), nil
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, estimate, e.cfg.CacheTTL); err != nil {
			e.logger.Warn("Travel cache store failed", zap.String("key", key), zap.Error(err))
		}
	}

	return estimate, nil
}

// GetPredictedTraffic predicts the traffic condition between two points at a future time
func (e *Estimator) GetPredictedTraffic(ctx context.Context, origin, destination models.Coordinate, at time.Time) (*Prediction, error) {
	if err := origin.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid origin")
	}
	if err := destination.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid destination")
	}

	hoursAhead := math.Max(0, at.Sub(e.clock.Now()).Hours())
	distance := geo.Distance(origin, destination)

	prediction := &Prediction{
		At:         at,
		HoursAhead: hoursAhead,
		DayOfWeek:  at.Weekday().String(),
		DistanceKm: distance,
		Confidence: math.Max(0.5, 1-0.1*hoursAhead),
	}

	condition, err := e.traffic.Condition(ctx, at)
	if err != nil {
		e.logger.Warn("Traffic prediction failed, reporting unknown", zap.Error(err))
		e.metrics.RecordTravelFallback()
		prediction.Condition = ConditionUnknown
		prediction.Confidence = 0.5
		prediction.DurationInTrafficMinutes = e.baseDuration(distance) * e.cfg.FallbackMultiplier
		return prediction, nil
	}

	prediction.Condition = condition
	prediction.DurationInTrafficMinutes = e.trafficDuration(distance, condition, models.VehicleAmbulance)
	return prediction, nil
}

func (e *Estimator) estimateAt(ctx context.Context, origin, destination models.Coordinate, class models.VehicleClass, now time.Time) (*Estimate, error) {
	distance := geo.Distance(origin, destination)
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		return nil, errors.New("distance is not finite")
	}

	condition, err := e.traffic.Condition(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "traffic model failed")
	}

	return &Estimate{
		Origin:                   origin,
		Destination:              destination,
		VehicleClass:             class,
		DistanceKm:               distance,
		DurationMinutes:          e.baseDuration(distance),
		DurationInTrafficMinutes: e.trafficDuration(distance, condition, class),
		Traffic:                  condition,
		Route:                    geo.Interpolate(origin, destination, e.cfg.RouteSegments),
		Heading:                  geo.Bearing(origin, destination),
		ComputedAt:               now,
	}, nil
}

func (e *Estimator) fallback(origin, destination models.Coordinate, class models.VehicleClass, now time.Time) *Estimate {
	distance := geo.Distance(origin, destination)
	duration := e.baseDuration(distance)
	return &Estimate{
		Origin:                   origin,
		Destination:              destination,
		VehicleClass:             class,
		DistanceKm:               distance,
		DurationMinutes:          duration,
		DurationInTrafficMinutes: duration * e.cfg.FallbackMultiplier,
		Traffic:                  ConditionUnknown,
		Route:                    []models.Coordinate{origin, destination},
		Heading:                  geo.Bearing(origin, destination),
		Fallback:                 true,
		ComputedAt:               now,
	}
}

func (e *Estimator) baseDuration(distanceKm float64) float64 {
	return distanceKm / e.cfg.BaseSpeedKmh * 60
}

func (e *Estimator) trafficDuration(distanceKm float64, condition Condition, class models.VehicleClass) float64 {
	multiplier := condition.SpeedMultiplier()
	if class.Priority() {
		multiplier *= e.cfg.PriorityMultiplier
	}
	return distanceKm / (e.cfg.BaseSpeedKmh * multiplier) * 60
}

func cacheKey(origin, destination models.Coordinate, class models.VehicleClass) string {
	return fmt.Sprintf("%.4f,%.4f:%.4f,%.4f:%s", origin.Lat, origin.Lng, destination.Lat, destination.Lng, class)
}

// RushHourModel derives traffic from the local hour of day
type RushHourModel struct {
	loc *time.Location
}

// NewRushHourModel creates a rush-hour model evaluated in the given location
func NewRushHourModel(loc *time.Location) *RushHourModel {
	if loc == nil {
		loc = time.UTC
	}
	return &RushHourModel{loc: loc}
}

// Condition returns heavy for 7-9 and 17-19, moderate for 10-16 and light otherwise
func (m *RushHourModel) Condition(_ context.Context, at time.Time) (Condition, error) {
	return ConditionForHour(at.In(m.loc).Hour()), nil
}

// ConditionForHour applies the rush-hour table to an hour of day
func ConditionForHour(hour int) Condition {
	switch {
	case (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19):
		return ConditionHeavy
	case hour >= 10 && hour <= 16:
		return ConditionModerate
	default:
		return ConditionLight
	}
}
