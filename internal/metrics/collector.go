package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "medroute"
)

// Collector holds all metrics for the medroute service.
// A nil *Collector is valid and records nothing.
type Collector struct {
	// Optimizer metrics
	optimizations        *prometheus.CounterVec
	optimizationDuration prometheus.Histogram
	candidatesScored     prometheus.Histogram

	// Degraded paths
	forecastFallbacks *prometheus.CounterVec
	travelFallbacks   prometheus.Counter

	// Travel cache metrics
	travelCacheHits   prometheus.Counter
	travelCacheMisses prometheus.Counter

	// Tracking metrics
	activeTrips     prometheus.Gauge
	locationSamples prometheus.Counter
	deviationAlerts *prometheus.CounterVec
	tripsCompleted  prometheus.Counter

	// Audit metrics
	auditAppends       *prometheus.CounterVec
	auditAppendErrors  prometheus.Counter
	auditVerifications *prometheus.CounterVec

	// Event delivery metrics
	eventsPublished *prometheus.CounterVec
	eventErrors     *prometheus.CounterVec
}

// NewCollector creates a collector and registers it on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		optimizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "optimizations_total",
			Help:      "Total number of hospital selection passes by outcome",
		}, []string{"outcome"}),
		optimizationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "optimization_duration_seconds",
			Help:      "Duration of hospital selection passes",
			Buckets:   prometheus.DefBuckets,
		}),
		candidatesScored: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "candidates_scored",
			Help:      "Number of candidate hospitals scored per pass",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		forecastFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forecast",
			Name:      "fallbacks_total",
			Help:      "Forecasts served in degraded mode by reason",
		}, []string{"reason"}),
		travelFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "travel",
			Name:      "fallbacks_total",
			Help:      "Travel estimates served by the fallback path",
		}),
		travelCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "travel",
			Name:      "cache_hits_total",
			Help:      "Travel estimate cache hits",
		}),
		travelCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "travel",
			Name:      "cache_misses_total",
			Help:      "Travel estimate cache misses",
		}),
		activeTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "active_trips",
			Help:      "Number of trips currently being tracked",
		}),
		locationSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "location_samples_total",
			Help:      "Location samples accepted",
		}),
		deviationAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "deviation_alerts_total",
			Help:      "Deviation alerts raised by severity",
		}, []string{"severity"}),
		tripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "trips_completed_total",
			Help:      "Trips stopped after arrival",
		}),
		auditAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "appends_total",
			Help:      "Audit entries appended by event kind",
		}, []string{"event_kind"}),
		auditAppendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "append_errors_total",
			Help:      "Audit appends that failed to persist",
		}),
		auditVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "verifications_total",
			Help:      "Audit chain verifications by result",
		}, []string{"result"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Outbound events delivered by publisher",
		}, []string{"publisher"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_errors_total",
			Help:      "Outbound events that failed delivery by publisher",
		}, []string{"publisher"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.optimizations,
			c.optimizationDuration,
			c.candidatesScored,
			c.forecastFallbacks,
			c.travelFallbacks,
			c.travelCacheHits,
			c.travelCacheMisses,
			c.activeTrips,
			c.locationSamples,
			c.deviationAlerts,
			c.tripsCompleted,
			c.auditAppends,
			c.auditAppendErrors,
			c.auditVerifications,
			c.eventsPublished,
			c.eventErrors,
		)
	}

	return c
}

// RecordOptimization records a selection pass
func (c *Collector) RecordOptimization(outcome string, candidates int, duration time.Duration) {
	if c == nil {
		return
	}
	c.optimizations.WithLabelValues(outcome).Inc()
	c.optimizationDuration.Observe(duration.Seconds())
	c.candidatesScored.Observe(float64(candidates))
}

// RecordForecastFallback records a degraded forecast
func (c *Collector) RecordForecastFallback(reason string) {
	if c == nil {
		return
	}
	c.forecastFallbacks.WithLabelValues(reason).Inc()
}

// RecordTravelFallback records a fallback travel estimate
func (c *Collector) RecordTravelFallback() {
	if c == nil {
		return
	}
	c.travelFallbacks.Inc()
}

// RecordTravelCache records a cache lookup
func (c *Collector) RecordTravelCache(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.travelCacheHits.Inc()
	} else {
		c.travelCacheMisses.Inc()
	}
}

// TripStarted increments the active trip gauge
func (c *Collector) TripStarted() {
	if c == nil {
		return
	}
	c.activeTrips.Inc()
}

// TripCompleted decrements the active trip gauge and counts the completion
func (c *Collector) TripCompleted() {
	if c == nil {
		return
	}
	c.activeTrips.Dec()
	c.tripsCompleted.Inc()
}

// RecordLocationSample counts an accepted location sample
func (c *Collector) RecordLocationSample() {
	if c == nil {
		return
	}
	c.locationSamples.Inc()
}

// RecordDeviation counts a raised deviation alert
func (c *Collector) RecordDeviation(severity string) {
	if c == nil {
		return
	}
	c.deviationAlerts.WithLabelValues(severity).Inc()
}

// RecordAuditAppend records an append attempt
func (c *Collector) RecordAuditAppend(eventKind string, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.auditAppendErrors.Inc()
		return
	}
	c.auditAppends.WithLabelValues(eventKind).Inc()
}

// RecordAuditVerification records the outcome of a chain verification
func (c *Collector) RecordAuditVerification(valid bool) {
	if c == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	c.auditVerifications.WithLabelValues(result).Inc()
}

// RecordEventPublish records an outbound event delivery attempt
func (c *Collector) RecordEventPublish(publisher string, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.eventErrors.WithLabelValues(publisher).Inc()
		return
	}
	c.eventsPublished.WithLabelValues(publisher).Inc()
}
