package optimizer

import (
	"math"

	"medroute/internal/config"
	"medroute/internal/forecast"
	"medroute/internal/models"
)

// AvailabilityScore rates predicted capacity. Severe and critical patients are scored on ICU beds.
func AvailabilityScore(point forecast.Point, severity models.Severity) float64 {
	if severity.NeedsICU() {
		icu := math.Max(0, float64(point.PredictedICU))
		return math.Round(100 * icu / (icu + 2))
	}
	beds := math.Max(0, float64(point.PredictedBeds))
	return math.Round(math.Min(100, 100*beds/(beds+5)))
}

// SpecialistScore is 100 when the required specialty is available, 30 when it is not and 70 when none is required
func SpecialistScore(hospital models.HospitalSnapshot, requiredSpecialty string) float64 {
	if requiredSpecialty == "" {
		return 70
	}
	if hospital.HasSpecialty(requiredSpecialty) {
		return 100
	}
	return 30
}

// TravelScore maps traffic-adjusted minutes onto a step function
func TravelScore(minutes float64) float64 {
	switch {
	case minutes <= 10:
		return 100
	case minutes <= 15:
		return 90
	case minutes <= 20:
		return 80
	case minutes <= 30:
		return 70
	case minutes <= 45:
		return 60
	case minutes <= 60:
		return 50
	default:
		return math.Max(20, 70-(minutes-45))
	}
}

// EquipmentScore is the percentage of required equipment present, or 80 when nothing is required
func EquipmentScore(hospital models.HospitalSnapshot, required []string) float64 {
	if len(required) == 0 {
		return 80
	}
	present := 0
	for _, item := range required {
		if hospital.HasEquipment(item) {
			present++
		}
	}
	return math.Round(100 * float64(present) / float64(len(required)))
}

// LoadScore rates the current operational load
func LoadScore(level models.LoadLevel) float64 {
	switch level {
	case models.LoadLow:
		return 100
	case models.LoadModerate:
		return 75
	case models.LoadHigh:
		return 50
	case models.LoadCritical:
		return 25
	default:
		return 60
	}
}

// Composite is the rounded weighted sum of the sub-scores
func Composite(s Scores, w config.WeightsConfig) float64 {
	return math.Round(
		w.Availability*s.Availability +
			w.Specialist*s.Specialist +
			w.Travel*s.Travel +
			w.Equipment*s.Equipment +
			w.Load*s.Load,
	)
}
