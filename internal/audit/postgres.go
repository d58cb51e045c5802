package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EntryRecord is the relational row for an entry
type EntryRecord struct {
	Sequence     int64     `gorm:"primaryKey;autoIncrement:false"`
	ID           string    `gorm:"size:36;uniqueIndex;not null"`
	EventKind    string    `gorm:"size:64;index;not null"`
	Actor        string    `gorm:"size:128;index;not null"`
	TripID       string    `gorm:"size:128;index"`
	Details      string    `gorm:"type:jsonb;not null"`
	Timestamp    time.Time `gorm:"index;not null"`
	PreviousHash string    `gorm:"size:64;not null"`
	Hash         string    `gorm:"size:64;uniqueIndex;not null"`
}

// TableName overrides the default table name
func (EntryRecord) TableName() string {
	return "audit_entries"
}

func toRecord(e *Entry) (*EntryRecord, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode audit details")
	}
	return &EntryRecord{
		Sequence:     e.Sequence,
		ID:           e.ID,
		EventKind:    string(e.EventKind),
		Actor:        e.Actor,
		TripID:       e.TripID,
		Details:      string(details),
		Timestamp:    e.Timestamp,
		PreviousHash: e.PreviousHash,
		Hash:         e.Hash,
	}, nil
}

func (r *EntryRecord) toEntry() (Entry, error) {
	var details Details
	if err := json.Unmarshal([]byte(r.Details), &details); err != nil {
		return Entry{}, errors.Wrapf(err, "failed to decode audit details for entry %d", r.Sequence)
	}
	return Entry{
		Sequence:     r.Sequence,
		ID:           r.ID,
		EventKind:    EventKind(r.EventKind),
		Actor:        r.Actor,
		TripID:       r.TripID,
		Details:      details,
		Timestamp:    r.Timestamp.UTC(),
		PreviousHash: r.PreviousHash,
		Hash:         r.Hash,
	}, nil
}

// PostgresStore persists entries through gorm
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore creates a gorm-backed audit store. The table is created by Migrate.
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates or updates the audit table
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&EntryRecord{}); err != nil {
		return errors.Wrap(err, "failed to migrate audit table")
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	record, err := toRecord(entry)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int64
		if err := tx.Model(&EntryRecord{}).Select("COALESCE(MAX(sequence), 0)").Scan(&latest).Error; err != nil {
			return errors.Wrap(err, "failed to read latest sequence")
		}
		if entry.Sequence != latest+1 {
			return ErrSequenceConflict
		}

		if err := tx.Create(record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrSequenceConflict
			}
			return errors.Wrap(err, "failed to insert audit entry")
		}
		return nil
	})
}

func (s *PostgresStore) Latest(ctx context.Context) (*Entry, error) {
	var records []EntryRecord
	if err := s.db.WithContext(ctx).Order("sequence DESC").Limit(1).Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load latest audit entry")
	}
	if len(records) == 0 {
		return nil, nil
	}
	entry, err := records[0].toEntry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) All(ctx context.Context) ([]Entry, error) {
	var records []EntryRecord
	if err := s.db.WithContext(ctx).Order("sequence ASC").Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load audit entries")
	}
	return toEntries(records)
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) (*Page, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&EntryRecord{}).Scopes(filterScope(filter)).Count(&total).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count audit entries")
	}

	query := s.db.WithContext(ctx).Scopes(filterScope(filter)).Order("sequence DESC").Offset(filter.Offset)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []EntryRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query audit entries")
	}

	entries, err := toEntries(records)
	if err != nil {
		return nil, err
	}
	return &Page{Entries: entries, Total: int(total), Limit: filter.Limit, Offset: filter.Offset}, nil
}

func filterScope(filter Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if len(filter.Kinds) > 0 {
			kinds := make([]string, len(filter.Kinds))
			for i, k := range filter.Kinds {
				kinds[i] = string(k)
			}
			db = db.Where("event_kind IN ?", kinds)
		}
		if filter.TripID != "" {
			db = db.Where("trip_id = ?", filter.TripID)
		}
		if filter.Actor != "" {
			db = db.Where("actor = ?", filter.Actor)
		}
		if !filter.From.IsZero() {
			db = db.Where("timestamp >= ?", filter.From)
		}
		if !filter.To.IsZero() {
			db = db.Where("timestamp <= ?", filter.To)
		}
		return db
	}
}

// Close is a no-op; the gorm connection is owned by the database package
func (s *PostgresStore) Close() error {
	return nil
}

func toEntries(records []EntryRecord) ([]Entry, error) {
	entries := make([]Entry, 0, len(records))
	for i := range records {
		entry, err := records[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
