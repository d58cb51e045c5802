package audit

import (
	"context"
	"sort"
	"sync"
)

// Store persists ledger entries. Implementations must reject an entry whose
// sequence is not exactly one past the current latest.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	// Latest returns the most recent entry, or nil when the chain is empty
	Latest(ctx context.Context) (*Entry, error)
	// All returns every entry in sequence order
	All(ctx context.Context) ([]Entry, error)
	Query(ctx context.Context, filter Filter) (*Page, error)
	Close() error
}

// MemoryStore keeps entries in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory audit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next int64 = 1
	if n := len(m.entries); n > 0 {
		next = m.entries[n-1].Sequence + 1
	}
	if entry.Sequence != next {
		return ErrSequenceConflict
	}
	m.entries = append(m.entries, cloneEntry(*entry))
	return nil
}

func (m *MemoryStore) Latest(_ context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil, nil
	}
	e := cloneEntry(m.entries[len(m.entries)-1])
	return &e, nil
}

func (m *MemoryStore) All(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

func (m *MemoryStore) Query(ctx context.Context, filter Filter) (*Page, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	return paginate(all, filter), nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// paginate filters entries held in sequence order and returns the requested newest-first window
func paginate(entries []Entry, filter Filter) *Page {
	matched := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if filter.Matches(&entries[i]) {
			matched = append(matched, entries[i])
		}
	}

	page := &Page{Total: len(matched), Limit: filter.Limit, Offset: filter.Offset, Entries: []Entry{}}
	if filter.Offset >= len(matched) {
		return page
	}
	end := len(matched)
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	page.Entries = matched[filter.Offset:end]
	return page
}

// chainOrder sorts entries by timestamp, then sequence
func chainOrder(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Sequence < entries[j].Sequence
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

func cloneEntry(e Entry) Entry {
	e.Details = cloneDetails(e.Details)
	return e
}

func cloneDetails(d Details) Details {
	out := d
	out.Reasons = append([]string(nil), d.Reasons...)
	if d.Location != nil {
		loc := *d.Location
		out.Location = &loc
	}
	if d.Patient != nil {
		p := *d.Patient
		if p.EmergencyContact != nil {
			c := *p.EmergencyContact
			p.EmergencyContact = &c
		}
		out.Patient = &p
	}
	if d.Extra != nil {
		out.Extra = cloneMap(d.Extra)
	}
	return out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(val)
		case []interface{}:
			out[k] = append([]interface{}(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}
