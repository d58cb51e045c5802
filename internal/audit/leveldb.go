package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	levelEntryPrefix = "entry_"
	levelLatestKey   = "seq_latest"
)

// LevelDBStore persists entries in an embedded LevelDB database.
// Keys are entry_<zero padded sequence> so iteration follows the chain.
type LevelDBStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) the database at path
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open audit database at %s", path)
	}
	return &LevelDBStore{db: db}, nil
}

func entryKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", levelEntryPrefix, seq))
}

func (s *LevelDBStore) latestSequence() (int64, error) {
	v, err := s.db.Get([]byte(levelLatestKey), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read latest sequence")
	}
	seq, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "corrupt latest sequence")
	}
	return seq, nil
}

func (s *LevelDBStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestSequence()
	if err != nil {
		return err
	}
	if entry.Sequence != latest+1 {
		return ErrSequenceConflict
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to encode audit entry")
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(entry.Sequence), data)
	batch.Put([]byte(levelLatestKey), []byte(strconv.FormatInt(entry.Sequence, 10)))
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "failed to write audit entry")
	}
	return nil
}

func (s *LevelDBStore) Latest(_ context.Context) (*Entry, error) {
	seq, err := s.latestSequence()
	if err != nil {
		return nil, err
	}
	if seq == 0 {
		return nil, nil
	}

	data, err := s.db.Get(entryKey(seq), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read audit entry %d", seq)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.Wrapf(err, "failed to decode audit entry %d", seq)
	}
	return &entry, nil
}

func (s *LevelDBStore) All(_ context.Context) ([]Entry, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(levelEntryPrefix)), nil)
	defer iter.Release()

	var entries []Entry
	for iter.Next() {
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, errors.Wrapf(err, "failed to decode audit entry %s", iter.Key())
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate audit entries")
	}
	return entries, nil
}

func (s *LevelDBStore) Query(ctx context.Context, filter Filter) (*Page, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return paginate(all, filter), nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
