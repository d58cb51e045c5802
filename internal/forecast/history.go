package forecast

import (
	"context"
	"sync"
)

// HistoryRecorder persists capacity observations
type HistoryRecorder interface {
	Record(ctx context.Context, observation Observation) error
}

// MemoryHistory keeps a bounded per-hospital capacity history in process memory
type MemoryHistory struct {
	mu       sync.RWMutex
	capacity int
	samples  map[string][]Observation
}

// NewMemoryHistory creates an in-memory history retaining up to capacity samples per hospital
func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryHistory{
		capacity: capacity,
		samples:  make(map[string][]Observation),
	}
}

// Record appends an observation, evicting the oldest beyond capacity
func (m *MemoryHistory) Record(_ context.Context, observation Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := append(m.samples[observation.HospitalID], observation)
	if len(samples) > m.capacity {
		samples = samples[len(samples)-m.capacity:]
	}
	m.samples[observation.HospitalID] = samples
	return nil
}

// History returns up to limit of the most recent observations, oldest first
func (m *MemoryHistory) History(_ context.Context, hospitalID string, limit int) ([]Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	samples := m.samples[hospitalID]
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	out := make([]Observation, len(samples))
	copy(out, samples)
	return out, nil
}
