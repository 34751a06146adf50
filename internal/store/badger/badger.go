// Package badger provides a BadgerDB-backed store.DataStore, the indexed
// key-value flavour of local persistence.
//
// Layout:
//
//	e/<set>\x00<key> -> JSON {"seq", "state", "data"}
//	meta/seq         -> badger.Sequence lease for insertion order
//
// Queries are evaluated in memory over the set's rows in seq order.
package badger

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/store"
)

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns defaults for a persistent store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var (
	entityPrefix = []byte("e/")
	seqKey       = []byte("meta/seq")
)

// record is the stored value of one entity.
type record struct {
	Seq   uint64         `json:"seq"`
	State string         `json:"state"`
	Data  payload.Object `json:"data"`
}

// Store is a BadgerDB DataStore.
type Store struct {
	db       *badger.DB
	seq      *badger.Sequence
	gc       *gcRunner
	resolver store.Resolver
}

var (
	_ store.DataStore      = (*Store)(nil)
	_ store.ResolverSetter = (*Store)(nil)
)

// Open opens a store with cfg. A GC runner is started for persistent
// stores with a positive GCInterval.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.NumVersionsToKeep > 0 {
		opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence(seqKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("lease sequence: %w", err)
	}

	s := &Store{db: db, seq: seq}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		go s.gc.run()
	}
	return s, nil
}

// Init is a no-op; Open prepares the database.
func (s *Store) Init(ctx context.Context) error { return nil }

// Close stops GC, releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
		s.gc = nil
	}
	if s.seq != nil {
		if err := s.seq.Release(); err != nil {
			return fmt.Errorf("release sequence: %w", err)
		}
		s.seq = nil
	}
	return s.db.Close()
}

// SetResolver enables $expand.
func (s *Store) SetResolver(r store.Resolver) {
	s.resolver = r
}

// Reset drops every entity. The sequence keeps counting.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.db.DropPrefix(entityPrefix); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func setPrefix(setName string) []byte {
	p := make([]byte, 0, len(entityPrefix)+len(setName)+1)
	p = append(p, entityPrefix...)
	p = append(p, setName...)
	return append(p, 0)
}

func entityKey(setName, key string) []byte {
	return append(setPrefix(setName), key...)
}

// GetAll returns the set's items matching q.
func (s *Store) GetAll(ctx context.Context, setName string, q *query.Query) ([]store.Item, error) {
	type row struct {
		item store.Item
		seq  uint64
	}
	var rows []row
	prefix := setPrefix(setName)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			key := string(bytes.TrimPrefix(k, prefix))
			rows = append(rows, row{item: store.Item{Key: key, State: rec.State, Data: rec.Data}, seq: rec.Seq})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", setName, err)
	}

	slices.SortFunc(rows, func(a, b row) int { return cmp.Compare(a.seq, b.seq) })
	items := make([]store.Item, len(rows))
	for i, r := range rows {
		items[i] = r.item
	}
	matched, err := query.Apply(q, items, false)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", setName, err)
	}
	return store.Project(ctx, s, s.resolver, setName, matched, q)
}

// GetOne returns one item by key.
func (s *Store) GetOne(ctx context.Context, setName, key string, q *query.Query) (store.Item, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		r, ok, err := getRecord(txn, entityKey(setName, key))
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		rec = r
		return nil
	})
	if err != nil {
		return store.Item{}, fmt.Errorf("get %s/%s: %w", setName, key, err)
	}
	projected, err := store.Project(ctx, s, s.resolver, setName,
		[]store.Item{{Key: key, State: rec.State, Data: rec.Data}}, q)
	if err != nil {
		return store.Item{}, err
	}
	return projected[0], nil
}

func getRecord(txn *badger.Txn, k []byte) (record, bool, error) {
	var rec record
	it, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = it.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	return rec, err == nil, err
}

func putRecord(txn *badger.Txn, k []byte, rec record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %q: %w", k, err)
	}
	return txn.Set(k, val)
}

func (s *Store) Add(ctx context.Context, setName string, item store.Item) error {
	return s.AddRange(ctx, setName, []store.Item{item})
}

// AddRange upserts items in one transaction. Replaced items keep their seq.
func (s *Store) AddRange(ctx context.Context, setName string, items []store.Item) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, item := range items {
			k := entityKey(setName, item.Key)
			existing, ok, err := getRecord(txn, k)
			if err != nil {
				return err
			}
			seq := existing.Seq
			if !ok {
				if seq, err = s.seq.Next(); err != nil {
					return fmt.Errorf("next seq: %w", err)
				}
			}
			if err := putRecord(txn, k, record{Seq: seq, State: stateOrDefault(item.State), Data: item.Data}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", setName, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, setName string, item store.Item) error {
	return s.UpdateRange(ctx, setName, []store.Item{item})
}

// UpdateRange replaces existing items; the transaction is discarded when
// any key is missing.
func (s *Store) UpdateRange(ctx context.Context, setName string, items []store.Item) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, item := range items {
			k := entityKey(setName, item.Key)
			existing, ok, err := getRecord(txn, k)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", item.Key, store.ErrNotFound)
			}
			if err := putRecord(txn, k, record{Seq: existing.Seq, State: stateOrDefault(item.State), Data: item.Data}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", setName, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, setName, key string) error {
	return s.RemoveRange(ctx, setName, []string{key})
}

func (s *Store) RemoveRange(ctx context.Context, setName string, keys []string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(entityKey(setName, key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", setName, err)
	}
	return nil
}

func stateOrDefault(state string) string {
	if state == "" {
		return "unchanged"
	}
	return state
}
