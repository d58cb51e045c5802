package forecast

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"medroute/internal/config"
	"medroute/internal/metrics"
	"medroute/internal/models"
)

// Confidence labels attached to readiness results
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Observation is one recorded capacity sample for a hospital
type Observation struct {
	HospitalID    string    `json:"hospital_id"`
	RecordedAt    time.Time `json:"recorded_at"`
	AvailableBeds int       `json:"available_beds"`
	AvailableICU  int       `json:"available_icu"`
	Admissions    int       `json:"admissions"`
	Discharges    int       `json:"discharges"`
}

// HistorySource supplies capacity history, oldest first
type HistorySource interface {
	History(ctx context.Context, hospitalID string, limit int) ([]Observation, error)
}

// Point is the predicted capacity at one horizon
type Point struct {
	HorizonHours         int       `json:"horizon_hours"`
	At                   time.Time `json:"at"`
	PredictedBeds        int       `json:"predicted_beds"`
	PredictedICU         int       `json:"predicted_icu"`
	PredictedVentilators int       `json:"predicted_ventilators"`
	Confidence           float64   `json:"confidence"`
}

// Forecast is an ordered set of points for a single hospital
type Forecast struct {
	HospitalID  string    `json:"hospital_id"`
	Points      []Point   `json:"points"`
	SampleCount int       `json:"sample_count"`
	Degraded    bool      `json:"degraded"`
	GeneratedAt time.Time `json:"generated_at"`
}

// First returns the nearest-horizon point
func (f Forecast) First() (Point, bool) {
	if len(f.Points) == 0 {
		return Point{}, false
	}
	return f.Points[0], true
}

// HorizonReadiness is the readiness predicted for one forecast point
type HorizonReadiness struct {
	HorizonHours    int       `json:"horizon_hours"`
	At              time.Time `json:"at"`
	BedReadiness    float64   `json:"bed_readiness"`
	ICUReadiness    float64   `json:"icu_readiness"`
	Composite       float64   `json:"composite"`
	Confidence      float64   `json:"confidence"`
	ConfidenceLabel string    `json:"confidence_label"`
}

// Readiness summarises how prepared a hospital is expected to be. The top-level
// percentages repeat the nearest horizon; Confidence averages every horizon.
type Readiness struct {
	HospitalID      string             `json:"hospital_id"`
	Forecast        Forecast           `json:"forecast"`
	Horizons        []HorizonReadiness `json:"horizons"`
	BedReadiness    float64            `json:"bed_readiness"`
	ICUReadiness    float64            `json:"icu_readiness"`
	Composite       float64            `json:"composite"`
	Confidence      float64            `json:"confidence"`
	ConfidenceLabel string             `json:"confidence_label"`
}

// Forecaster predicts near-term hospital capacity from recent history
type Forecaster struct {
	cfg     config.ForecastConfig
	history HistorySource
	clock   clockz.Clock
	loc     *time.Location
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewForecaster creates a new forecaster
func NewForecaster(cfg config.ForecastConfig, history HistorySource, logger *zap.Logger, collector *metrics.Collector) *Forecaster {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.UTC
	}
	return &Forecaster{
		cfg:     cfg,
		history: history,
		clock:   clockz.RealClock,
		loc:     loc,
		logger:  logger.Named("forecast"),
		metrics: collector,
	}
}

// WithClock replaces the clock used to anchor forecasts
func (f *Forecaster) WithClock(clock clockz.Clock) *Forecaster {
	f.clock = clock
	return f
}

// Predict loads recent history for the hospital and forecasts its capacity
func (f *Forecaster) Predict(ctx context.Context, hospital models.HospitalSnapshot) (*Forecast, error) {
	var observations []Observation
	if f.history != nil {
		var err error
		observations, err = f.history.History(ctx, hospital.ID, f.cfg.Window)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load capacity history for hospital %s", hospital.ID)
		}
	}

	result := f.Forecast(hospital, observations, f.clock.Now())
	return &result, nil
}

// PredictHospitalReadiness forecasts capacity and converts it into readiness percentages
func (f *Forecaster) PredictHospitalReadiness(ctx context.Context, hospital models.HospitalSnapshot) (*Readiness, error) {
	fc, err := f.Predict(ctx, hospital)
	if err != nil {
		return nil, err
	}
	return f.Readiness(hospital, *fc), nil
}

// Readiness derives readiness percentages from an existing forecast
func (f *Forecaster) Readiness(hospital models.HospitalSnapshot, fc Forecast) *Readiness {
	r := &Readiness{
		HospitalID: hospital.ID,
		Forecast:   fc,
		Horizons:   make([]HorizonReadiness, 0, len(fc.Points)),
	}

	if len(fc.Points) == 0 {
		r.ConfidenceLabel = ConfidenceLow
		return r
	}

	total := 0.0
	for _, p := range fc.Points {
		bed := percentOf(p.PredictedBeds, hospital.TotalBeds)
		icu := percentOf(p.PredictedICU, hospital.TotalICU)
		r.Horizons = append(r.Horizons, HorizonReadiness{
			HorizonHours:    p.HorizonHours,
			At:              p.At,
			BedReadiness:    bed,
			ICUReadiness:    icu,
			Composite:       0.4*bed + 0.6*icu,
			Confidence:      p.Confidence,
			ConfidenceLabel: ConfidenceLabel(p.Confidence),
		})
		total += p.Confidence
	}

	nearest := r.Horizons[0]
	r.BedReadiness = nearest.BedReadiness
	r.ICUReadiness = nearest.ICUReadiness
	r.Composite = nearest.Composite
	r.Confidence = total / float64(len(fc.Points))
	r.ConfidenceLabel = ConfidenceLabel(r.Confidence)

	return r
}

// Forecast computes the forecast for a hospital from the given observations as of now.
// Observations must be ordered oldest first; only the configured window is used.
func (f *Forecaster) Forecast(hospital models.HospitalSnapshot, observations []Observation, now time.Time) Forecast {
	if len(observations) > f.cfg.Window {
		observations = observations[len(observations)-f.cfg.Window:]
	}

	result := Forecast{
		HospitalID:  hospital.ID,
		SampleCount: len(observations),
		GeneratedAt: now,
		Points:      make([]Point, 0, f.cfg.Horizon),
	}

	bedCap := capOrDefault(hospital.TotalBeds, f.cfg.DefaultBedCap)
	icuCap := capOrDefault(hospital.TotalICU, f.cfg.DefaultICUCap)

	if len(observations) < f.cfg.TrendPoints {
		result.Degraded = true
		f.metrics.RecordForecastFallback("insufficient_history")
		f.logger.Warn("Insufficient capacity history, using average forecast",
			zap.String("hospital_id", hospital.ID),
			zap.Int("samples", len(observations)),
			zap.Int("required", f.cfg.TrendPoints))

		beds, icu := averages(hospital, observations)
		for h := 1; h <= f.cfg.Horizon; h++ {
			predictedICU := clampRound(icu, icuCap)
			result.Points = append(result.Points, Point{
				HorizonHours:         h,
				At:                   now.Add(time.Duration(h) * time.Hour),
				PredictedBeds:        clampRound(beds, bedCap),
				PredictedICU:         predictedICU,
				PredictedVentilators: int(math.Round(f.cfg.VentilatorRatio * float64(predictedICU))),
				Confidence:           f.cfg.FallbackConfidence,
			})
		}
		return result
	}

	beds := make([]float64, len(observations))
	icu := make([]float64, len(observations))
	for i, o := range observations {
		beds[i] = float64(o.AvailableBeds)
		icu[i] = float64(o.AvailableICU)
	}

	recentBeds := beds[len(beds)-f.cfg.TrendPoints:]
	recentICU := icu[len(icu)-f.cfg.TrendPoints:]

	bedSlope := slope(recentBeds)
	icuSlope := slope(recentICU)
	bedLevel := smooth(beds, f.cfg.Alpha)
	icuLevel := smooth(icu, f.cfg.Alpha)

	sufficiency := math.Min(1, float64(len(observations))/float64(f.cfg.Window))
	volatility := math.Max(0.3, 1-stddev(recentBeds)/20)

	for h := 1; h <= f.cfg.Horizon; h++ {
		at := now.Add(time.Duration(h) * time.Hour)
		multiplier := f.seasonalMultiplier(at)

		predictedBeds := clampRound((bedLevel+bedSlope*float64(h)*f.cfg.BedDamping)*multiplier, bedCap)
		predictedICU := clampRound((icuLevel+icuSlope*float64(h)*f.cfg.ICUDamping)*multiplier, icuCap)

		decay := math.Max(0.3, 1-0.15*float64(h))
		confidence := 0.4*sufficiency + 0.4*decay + 0.2*volatility

		result.Points = append(result.Points, Point{
			HorizonHours:         h,
			At:                   at,
			PredictedBeds:        predictedBeds,
			PredictedICU:         predictedICU,
			PredictedVentilators: int(math.Round(f.cfg.VentilatorRatio * float64(predictedICU))),
			Confidence:           math.Min(1, math.Max(0, confidence)),
		})
	}

	return result
}

// DefaultPoint builds the substitute point used when a hospital cannot be forecast
func DefaultPoint(hospital models.HospitalSnapshot, confidence, ventilatorRatio float64) Point {
	return Point{
		HorizonHours:         1,
		PredictedBeds:        hospital.AvailableBeds,
		PredictedICU:         hospital.AvailableICU,
		PredictedVentilators: int(math.Round(ventilatorRatio * float64(hospital.AvailableICU))),
		Confidence:           confidence,
	}
}

// ConfidenceLabel maps a confidence value onto high, medium or low
func ConfidenceLabel(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return ConfidenceHigh
	case confidence >= 0.6:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func (f *Forecaster) seasonalMultiplier(at time.Time) float64 {
	hour := at.In(f.loc).Hour()
	if hour >= f.cfg.PeakStartHour && hour <= f.cfg.PeakEndHour {
		return f.cfg.PeakMultiplier
	}
	return f.cfg.OffPeakMultiplier
}

// slope is the ordinary least-squares slope of values against their index
func slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denominator := n*sumXX - sumX*sumX
	if denominator == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denominator
}

func smooth(values []float64, alpha float64) float64 {
	if len(values) == 0 {
		return 0
	}
	level := values[0]
	for _, v := range values[1:] {
		level = alpha*v + (1-alpha)*level
	}
	return level
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

func averages(hospital models.HospitalSnapshot, observations []Observation) (float64, float64) {
	if len(observations) == 0 {
		return float64(hospital.AvailableBeds), float64(hospital.AvailableICU)
	}
	var beds, icu float64
	for _, o := range observations {
		beds += float64(o.AvailableBeds)
		icu += float64(o.AvailableICU)
	}
	n := float64(len(observations))
	return beds / n, icu / n
}

func clampRound(v float64, limit int) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > float64(limit) {
		return limit
	}
	return int(math.Round(v))
}

func capOrDefault(total, fallback int) int {
	if total > 0 {
		return total
	}
	return fallback
}

func percentOf(value, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Min(100, float64(value)/float64(total)*100)
}
