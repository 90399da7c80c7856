// Package leveldb persists verdicts, final results and live status in an embedded LevelDB.
package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/JakeFAU/scanfetch/internal/scan"
)

const (
	verdictPrefix = "v:"
	resultPrefix  = "r:"
	statusPrefix  = "s:"
)

// Store implements scan.VerdictCache, scan.ResultStore and scan.StatusStore.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) a store rooted at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the verdict stored for fingerprint. Bypass options force a miss.
func (s *Store) Get(_ context.Context, fingerprint string, opts *scan.Options) (scan.CacheEntry, error) {
	entry := scan.CacheEntry{Fingerprint: fingerprint}
	if opts.SkipsCacheRead() {
		return entry, nil
	}
	var v scan.Verdict
	found, err := s.load(verdictPrefix+fingerprint, &v)
	if err != nil || !found {
		return entry, err
	}
	malicious := v.Malicious
	entry.Malicious = &malicious
	entry.Result = v.Result
	return entry, nil
}

// Put stores the verdict for fingerprint.
func (s *Store) Put(_ context.Context, fingerprint string, verdict scan.Verdict) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	body, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	if err := s.db.Put([]byte(verdictPrefix+fingerprint), body, nil); err != nil {
		return fmt.Errorf("put verdict: %w", err)
	}
	return nil
}

// SaveResult writes the final record and its status view in one batch.
func (s *Store) SaveResult(_ context.Context, rec scan.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := rec.Key()
	batch := new(leveldb.Batch)
	batch.Put([]byte(resultPrefix+key), body)
	batch.Put([]byte(statusPrefix+key), body)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// Result returns the stored final record for key.
func (s *Store) Result(key string) (scan.Record, bool, error) {
	var rec scan.Record
	found, err := s.load(resultPrefix+key, &rec)
	return rec, found, err
}

// ResultCount walks the result keyspace.
func (s *Store) ResultCount() (int, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(resultPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("iterate results: %w", err)
	}
	return n, nil
}

// GetStatus returns the live status for key.
func (s *Store) GetStatus(_ context.Context, key string) (scan.Record, bool, error) {
	var rec scan.Record
	found, err := s.load(statusPrefix+key, &rec)
	return rec, found, err
}

// PutStatus overwrites the live status for the record's key.
func (s *Store) PutStatus(_ context.Context, rec scan.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.db.Put([]byte(statusPrefix+rec.Key()), body, nil); err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	return nil
}

func (s *Store) load(key string, dst any) (bool, error) {
	b, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
