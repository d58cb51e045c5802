// Package events defines the outbound notifications produced by dispatch operations
// and the publishers that deliver them.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened
type Kind string

const (
	KindIncomingPatient      Kind = "hospital.incoming_patient"
	KindDestinationConfirmed Kind = "ambulance.destination_confirmed"
	KindTripStarted          Kind = "trip.started"
	KindDeviationAlert       Kind = "trip.deviation_alert"
	KindAlertAcknowledged    Kind = "trip.alert_acknowledged"
	KindAlertResolved        Kind = "trip.alert_resolved"
	KindTripCompleted        Kind = "trip.completed"
)

// Channel classes, the part of a channel name before the colon
const (
	ClassHospital  = "hospital"
	ClassAmbulance = "ambulance"
	ClassAlerts    = "alerts"
	ClassTrip      = "trip"
)

// Event is a notification addressed to a named channel
type Event struct {
	ID        string      `json:"id"`
	Channel   string      `json:"channel"`
	Kind      Kind        `json:"kind"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// New creates an event with a fresh id
func New(channel string, kind Kind, payload interface{}, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Channel:   channel,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: at,
	}
}

// Class returns the channel class of the event
func (e Event) Class() string {
	return ChannelClass(e.Channel)
}

// ChannelClass returns the part of channel before the first colon
func ChannelClass(channel string) string {
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		return channel[:i]
	}
	return channel
}

func HospitalChannel(hospitalID string) string { return ClassHospital + ":" + hospitalID }
func AmbulanceChannel(vehicleID string) string { return ClassAmbulance + ":" + vehicleID }
func AlertsChannel(tripID string) string       { return ClassAlerts + ":" + tripID }
func TripChannel(tripID string) string         { return ClassTrip + ":" + tripID }

// Publisher delivers events to a transport
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// MemoryPublisher keeps published events in memory
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher creates an empty in-memory publisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Name() string {
	return "memory"
}

func (m *MemoryPublisher) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything published so far
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OnChannel returns the published events addressed to channel
func (m *MemoryPublisher) OnChannel(channel string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.events {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}
