package tracking

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// SessionStore holds active trip sessions
type SessionStore interface {
	// Create stores a new session, failing with ErrTripExists if the id is taken
	Create(ctx context.Context, session *Session) error
	// Get returns a copy of the session or ErrSessionNotFound
	Get(ctx context.Context, tripID string) (*Session, error)
	// Put replaces an existing session
	Put(ctx context.Context, session *Session) error
	// Delete removes a session, failing with ErrSessionNotFound if absent
	Delete(ctx context.Context, tripID string) error
	// List returns copies of every stored session ordered by start time
	List(ctx context.Context) ([]Session, error)
}

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create stores a new session
func (m *MemoryStore) Create(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.TripID]; exists {
		return ErrTripExists
	}
	m.sessions[session.TripID] = session.Clone()
	return nil
}

// Get returns a copy of the session
func (m *MemoryStore) Get(_ context.Context, tripID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[tripID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Put replaces an existing session
func (m *MemoryStore) Put(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.TripID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[session.TripID] = session.Clone()
	return nil
}

// Delete removes a session
func (m *MemoryStore) Delete(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[tripID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, tripID)
	return nil
}

// List returns copies of all sessions
func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	// stored sessions are replaced on Put and never mutated in place
	out := make([]Session, 0, len(snapshot))
	for _, s := range snapshot {
		out = append(out, *s.Clone())
	}
	sortSessions(out)
	return out, nil
}

// RedisStore keeps sessions in Redis so they survive restarts and are shared across instances
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session store. ttl bounds how long an abandoned session lingers.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) sessionKey(tripID string) string {
	return r.prefix + ":trip:" + tripID
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":trips:active"
}

// Create stores a new session with SETNX semantics
func (r *RedisStore) Create(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}

	created, err := r.client.SetNX(ctx, r.sessionKey(session.TripID), data, r.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	if !created {
		return ErrTripExists
	}

	if err := r.client.SAdd(ctx, r.indexKey(), session.TripID).Err(); err != nil {
		return errors.Wrap(err, "failed to index session")
	}
	return nil
}

// Get loads a session
func (r *RedisStore) Get(ctx context.Context, tripID string) (*Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(tripID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "failed to decode session")
	}
	return &session, nil
}

// Put replaces an existing session
func (r *RedisStore) Put(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}

	updated, err := r.client.SetXX(ctx, r.sessionKey(session.TripID), data, r.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "failed to store session")
	}
	if !updated {
		return ErrSessionNotFound
	}
	return nil
}

// Delete removes a session and its index entry
func (r *RedisStore) Delete(ctx context.Context, tripID string) error {
	removed, err := r.client.Del(ctx, r.sessionKey(tripID)).Result()
	if err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	if err := r.client.SRem(ctx, r.indexKey(), tripID).Err(); err != nil {
		return errors.Wrap(err, "failed to unindex session")
	}
	if removed == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List loads every indexed session, dropping index entries whose session expired
func (r *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load sessions")
	}

	out := make([]Session, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var session Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, errors.Wrapf(err, "failed to decode session %s", ids[i])
		}
		out = append(out, session)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.indexKey(), stale...).Err(); err != nil {
			return nil, errors.Wrap(err, "failed to prune session index")
		}
	}

	sortSessions(out)
	return out, nil
}

func sortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].TripID < sessions[j].TripID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}
