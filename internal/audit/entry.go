// Package audit implements the append-only, hash-chained decision ledger.
package audit

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"medroute/internal/models"
)

// Genesis is the previous hash of the first entry in a chain
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// RedactionMarker replaces every sensitive value
const RedactionMarker = "[REDACTED]"

// ErrSequenceConflict is returned by stores when an append does not extend the chain tail
var ErrSequenceConflict = errors.Wrap(models.ErrConflict, "audit sequence conflict")

// EventKind is the closed set of events the ledger records
type EventKind string

const (
	KindRoutingDecision  EventKind = "routing_decision_made"
	KindHospitalNotified EventKind = "hospital_notified"
	KindCrewAcknowledged EventKind = "crew_acknowledged"
	KindLocationSample   EventKind = "location_sample_recorded"
	KindDeviation        EventKind = "deviation_detected"
	KindDeviationResolve EventKind = "deviation_resolved"
	KindTripCompleted    EventKind = "trip_completed"
)

var eventKinds = map[EventKind]bool{
	KindRoutingDecision:  true,
	KindHospitalNotified: true,
	KindCrewAcknowledged: true,
	KindLocationSample:   true,
	KindDeviation:        true,
	KindDeviationResolve: true,
	KindTripCompleted:    true,
}

// Valid reports whether k belongs to the closed event vocabulary
func (k EventKind) Valid() bool {
	return eventKinds[k]
}

// EventKinds lists every supported kind
func EventKinds() []EventKind {
	return []EventKind{
		KindRoutingDecision,
		KindHospitalNotified,
		KindCrewAcknowledged,
		KindLocationSample,
		KindDeviation,
		KindDeviationResolve,
		KindTripCompleted,
	}
}

// Contact is a person reachable on the patient's behalf
type Contact struct {
	Name         string `json:"name,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// Patient carries the patient fields a decision may reference
type Patient struct {
	Name              string   `json:"name,omitempty"`
	Phone             string   `json:"phone,omitempty"`
	Address           string   `json:"address,omitempty"`
	NationalID        string   `json:"national_id,omitempty"`
	Email             string   `json:"email,omitempty"`
	DateOfBirth       string   `json:"date_of_birth,omitempty"`
	Severity          string   `json:"severity,omitempty"`
	ConditionCode     string   `json:"condition_code,omitempty"`
	RequiredSpecialty string   `json:"required_specialty,omitempty"`
	EmergencyContact  *Contact `json:"emergency_contact,omitempty"`
}

// Details is the typed payload of an entry
type Details struct {
	TripID      string                 `json:"trip_id,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	HospitalID  string                 `json:"hospital_id,omitempty"`
	VehicleID   string                 `json:"vehicle_id,omitempty"`
	AlertID     string                 `json:"alert_id,omitempty"`
	Severity    string                 `json:"severity,omitempty"`
	Reasons     []string               `json:"reasons,omitempty"`
	Location    *models.Coordinate     `json:"location,omitempty"`
	ETAMinutes  *float64               `json:"eta_minutes,omitempty"`
	Composite   *float64               `json:"composite,omitempty"`
	Confidence  *float64               `json:"confidence,omitempty"`
	Resolution  string                 `json:"resolution,omitempty"`
	Channel     string                 `json:"channel,omitempty"`
	DistanceKm  *float64               `json:"distance_km,omitempty"`
	ElapsedMins *float64               `json:"elapsed_minutes,omitempty"`
	Deviations  *int                   `json:"deviations,omitempty"`
	Patient     *Patient               `json:"patient,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Entry is one immutable link in the chain
type Entry struct {
	Sequence     int64     `json:"sequence"`
	ID           string    `json:"id"`
	EventKind    EventKind `json:"event_kind"`
	Actor        string    `json:"actor"`
	TripID       string    `json:"trip_id,omitempty"`
	Details      Details   `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
}

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	Kinds  []EventKind `json:"kinds,omitempty"`
	TripID string      `json:"trip_id,omitempty"`
	Actor  string      `json:"actor,omitempty"`
	From   time.Time   `json:"from,omitempty"`
	To     time.Time   `json:"to,omitempty"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// Matches reports whether e satisfies every set criterion of f
func (f Filter) Matches(e *Entry) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.EventKind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TripID != "" && f.TripID != e.TripID {
		return false
	}
	if f.Actor != "" && f.Actor != e.Actor {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Page is one window of query results, newest first
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Redactor masks sensitive fields in entry details
type Redactor struct {
	keys map[string]bool
}

// NewRedactor creates a redactor for the given free-form key names. Matching is case-insensitive.
func NewRedactor(sensitiveKeys []string) *Redactor {
	keys := make(map[string]bool, len(sensitiveKeys))
	for _, k := range sensitiveKeys {
		keys[strings.ToLower(k)] = true
	}
	return &Redactor{keys: keys}
}

// Redact returns a copy of d with patient identity, emergency contact and sensitive extra keys masked
func (r *Redactor) Redact(d Details) Details {
	out := d
	out.Reasons = append([]string(nil), d.Reasons...)
	if d.Location != nil {
		loc := *d.Location
		out.Location = &loc
	}

	if d.Patient != nil {
		p := *d.Patient
		p.Name = mask(p.Name)
		p.Phone = mask(p.Phone)
		p.Address = mask(p.Address)
		p.NationalID = mask(p.NationalID)
		p.Email = mask(p.Email)
		p.DateOfBirth = mask(p.DateOfBirth)
		if p.EmergencyContact != nil {
			c := *p.EmergencyContact
			c.Name = mask(c.Name)
			c.Phone = mask(c.Phone)
			p.EmergencyContact = &c
		}
		out.Patient = &p
	}

	if d.Extra != nil {
		out.Extra = r.redactMap(d.Extra)
	}
	return out
}

func (r *Redactor) redactMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if r.keys[strings.ToLower(k)] {
			out[k] = RedactionMarker
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return r.redactMap(val)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = r.redactValue(item)
		}
		return items
	default:
		return v
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return RedactionMarker
}
