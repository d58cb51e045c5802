package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"medroute/internal/config"
	"medroute/internal/metrics"
	"medroute/internal/models"
)

// VerifyResult reports the outcome of a full chain replay
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	Count         int    `json:"count"`
	FailedIndex   int    `json:"failed_index"`
	FailedEntryID string `json:"failed_entry_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Ledger appends redacted, hash-chained entries to a Store
type Ledger struct {
	cfg      config.AuditConfig
	store    Store
	redactor *Redactor
	clock    clockz.Clock
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	loaded   bool
	tailHash string
	tailSeq  int64
}

// NewLedger creates a ledger over store. The tail is read from the store on first append.
func NewLedger(cfg config.AuditConfig, store Store, logger *zap.Logger, collector *metrics.Collector) *Ledger {
	return &Ledger{
		cfg:      cfg,
		store:    store,
		redactor: NewRedactor(cfg.SensitiveKeys),
		clock:    clockz.RealClock,
		logger:   logger.Named("audit"),
		metrics:  collector,
	}
}

// WithClock replaces the clock
func (l *Ledger) WithClock(clock clockz.Clock) *Ledger {
	l.clock = clock
	return l
}

// Append redacts details, links the entry to the current tail and persists it
func (l *Ledger) Append(ctx context.Context, kind EventKind, actor string, details Details) (*Entry, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(models.ErrValidation, "unknown audit event kind %q", kind)
	}
	if strings.TrimSpace(actor) == "" {
		return nil, errors.Wrap(models.ErrValidation, "audit actor is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadTail(ctx); err != nil {
		l.metrics.RecordAuditAppend(string(kind), err)
		return nil, err
	}

	entry := &Entry{
		Sequence:     l.tailSeq + 1,
		ID:           uuid.NewString(),
		EventKind:    kind,
		Actor:        actor,
		TripID:       details.TripID,
		Details:      l.redactor.Redact(details),
		Timestamp:    l.clock.Now().UTC().Truncate(time.Microsecond),
		PreviousHash: l.tailHash,
	}

	hash, err := ComputeHash(entry)
	if err != nil {
		l.metrics.RecordAuditAppend(string(kind), err)
		return nil, err
	}
	entry.Hash = hash

	if err := l.store.Append(ctx, entry); err != nil {
		// another writer may have moved the tail; reload on the next append
		if errors.Is(err, ErrSequenceConflict) {
			l.loaded = false
		}
		l.metrics.RecordAuditAppend(string(kind), err)
		return nil, errors.Wrap(err, "failed to persist audit entry")
	}

	l.tailHash = entry.Hash
	l.tailSeq = entry.Sequence
	l.metrics.RecordAuditAppend(string(kind), nil)

	l.logger.Debug("Audit entry appended",
		zap.Int64("sequence", entry.Sequence),
		zap.String("event_kind", string(kind)),
		zap.String("actor", actor),
		zap.String("hash", entry.Hash))

	out := cloneEntry(*entry)
	return &out, nil
}

func (l *Ledger) loadTail(ctx context.Context) error {
	if l.loaded {
		return nil
	}

	latest, err := l.store.Latest(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load audit chain tail")
	}

	if latest == nil {
		l.tailHash = Genesis
		l.tailSeq = 0
	} else {
		l.tailHash = latest.Hash
		l.tailSeq = latest.Sequence
	}
	l.loaded = true

	l.logger.Info("Audit chain tail loaded",
		zap.Int64("sequence", l.tailSeq),
		zap.String("hash", l.tailHash))
	return nil
}

// Verify replays the whole chain in timestamp order. A broken chain is reported in the result, not as an error.
func (l *Ledger) Verify(ctx context.Context) (*VerifyResult, error) {
	entries, err := l.store.All(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load audit chain")
	}
	chainOrder(entries)

	result := &VerifyResult{Valid: true, Count: len(entries), FailedIndex: -1}
	running := Genesis
	for i := range entries {
		e := &entries[i]
		if reason := checkEntry(e, running); reason != "" {
			result.Valid = false
			result.FailedIndex = i
			result.FailedEntryID = e.ID
			result.Reason = reason
			break
		}
		running = e.Hash
	}

	l.metrics.RecordAuditVerification(result.Valid)
	if !result.Valid {
		l.logger.Error("Audit chain integrity violation",
			zap.Int("failed_index", result.FailedIndex),
			zap.String("entry_id", result.FailedEntryID),
			zap.String("reason", result.Reason))
	} else {
		l.logger.Info("Audit chain verified", zap.Int("entries", result.Count))
	}
	return result, nil
}

func checkEntry(e *Entry, expectedPrevious string) string {
	if e.PreviousHash != expectedPrevious {
		return fmt.Sprintf("previous hash %s does not match preceding entry hash %s", e.PreviousHash, expectedPrevious)
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return fmt.Sprintf("entry cannot be hashed: %v", err)
	}
	if hash != e.Hash {
		return "entry content does not match its hash"
	}
	return ""
}

// Query returns a newest-first page of entries. Limit defaults and caps come from configuration.
func (l *Ledger) Query(ctx context.Context, filter Filter) (*Page, error) {
	for _, k := range filter.Kinds {
		if !k.Valid() {
			return nil, errors.Wrapf(models.ErrValidation, "unknown audit event kind %q", k)
		}
	}
	if filter.Offset < 0 {
		return nil, errors.Wrap(models.ErrValidation, "offset must not be negative")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, errors.Wrap(models.ErrValidation, "time range end precedes start")
	}

	switch {
	case filter.Limit <= 0:
		filter.Limit = l.cfg.DefaultQueryLimit
	case l.cfg.MaxQueryLimit > 0 && filter.Limit > l.cfg.MaxQueryLimit:
		filter.Limit = l.cfg.MaxQueryLimit
	}

	page, err := l.store.Query(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit entries")
	}
	return page, nil
}

// RecordsLocationSamples reports whether location samples are written to the ledger
func (l *Ledger) RecordsLocationSamples() bool {
	return l.cfg.RecordLocationSamples
}
