package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/scanfetch/internal/scan"
)

// RecordStore implements scan.VerdictCache, scan.ResultStore and scan.StatusStore in-memory.
type RecordStore struct {
	mu       sync.RWMutex
	verdicts map[string]scan.Verdict
	results  map[string]scan.Record
	statuses map[string]scan.Record
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		verdicts: make(map[string]scan.Verdict),
		results:  make(map[string]scan.Record),
		statuses: make(map[string]scan.Record),
	}
}

// Get returns the verdict recorded for fingerprint. Bypass options force a miss.
func (s *RecordStore) Get(_ context.Context, fingerprint string, opts *scan.Options) (scan.CacheEntry, error) {
	entry := scan.CacheEntry{Fingerprint: fingerprint}
	if opts.SkipsCacheRead() {
		return entry, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.verdicts[fingerprint]; ok {
		malicious := v.Malicious
		entry.Malicious = &malicious
		entry.Result = v.Result
	}
	return entry, nil
}

// Put records a verdict for fingerprint.
func (s *RecordStore) Put(_ context.Context, fingerprint string, verdict scan.Verdict) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[fingerprint] = verdict
	return nil
}

// SaveResult stores the final record under its request key.
func (s *RecordStore) SaveResult(_ context.Context, rec scan.Record) error {
	if rec.Resource == "" {
		return errors.New("resource is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[rec.Key()] = rec.Clone()
	// The live view follows the final record.
	s.statuses[rec.Key()] = rec.Clone()
	return nil
}

// Result returns the final record stored under key.
func (s *RecordStore) Result(key string) (scan.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.results[key]
	return rec.Clone(), ok
}

// GetStatus returns the live status stored under key.
func (s *RecordStore) GetStatus(_ context.Context, key string) (scan.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.statuses[key]
	if !ok {
		return scan.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

// PutStatus overwrites the live status for the record's request key.
func (s *RecordStore) PutStatus(_ context.Context, rec scan.Record) error {
	if rec.Resource == "" {
		return errors.New("resource is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[rec.Key()] = rec.Clone()
	return nil
}
