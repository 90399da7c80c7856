// Package postgres provides Postgres-backed verdict, result and status stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scanfetch/internal/scan"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Tables names the three tables created by the embedded migrations.
type Tables struct {
	Verdicts string
	Results  string
	Status   string
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Tables          Tables
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore implements scan.VerdictCache, scan.ResultStore and scan.StatusStore.
type RecordStore struct {
	pool   pool
	tables Tables
}

// NewRecordStore connects a pool using the provided config.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	tables, err := resolveTables(cfg.Tables)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: p, tables: tables}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, tables Tables) (*RecordStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	resolved, err := resolveTables(tables)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p, tables: resolved}, nil
}

func resolveTables(t Tables) (Tables, error) {
	if t.Verdicts == "" {
		t.Verdicts = "scan_verdicts"
	}
	if t.Results == "" {
		t.Results = "scan_results"
	}
	if t.Status == "" {
		t.Status = "scan_status"
	}
	for _, name := range []string{t.Verdicts, t.Results, t.Status} {
		if !validTableName.MatchString(name) {
			return Tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

// Ping checks connectivity for readiness probes.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Get looks up the verdict for fingerprint. Bypass options force a miss.
func (s *RecordStore) Get(ctx context.Context, fingerprint string, opts *scan.Options) (scan.CacheEntry, error) {
	entry := scan.CacheEntry{Fingerprint: fingerprint}
	if opts.SkipsCacheRead() {
		return entry, nil
	}
	query := fmt.Sprintf(`SELECT malicious, result FROM %s WHERE fingerprint = $1`, s.tables.Verdicts)
	var (
		malicious bool
		result    string
	)
	err := s.pool.QueryRow(ctx, query, fingerprint).Scan(&malicious, &result)
	if errors.Is(err, pgx.ErrNoRows) {
		return entry, nil
	}
	if err != nil {
		return entry, fmt.Errorf("select verdict: %w", err)
	}
	entry.Malicious = &malicious
	entry.Result = result
	return entry, nil
}

// Put upserts the verdict for fingerprint.
func (s *RecordStore) Put(ctx context.Context, fingerprint string, verdict scan.Verdict) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, malicious, result, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (fingerprint) DO UPDATE
SET malicious = EXCLUDED.malicious, result = EXCLUDED.result, updated_at = now()`, s.tables.Verdicts)
	if _, err := s.pool.Exec(ctx, query, fingerprint, verdict.Malicious, verdict.Result); err != nil {
		return fmt.Errorf("upsert verdict: %w", err)
	}
	return nil
}

// SaveResult upserts the final record and mirrors it into the live status table.
func (s *RecordStore) SaveResult(ctx context.Context, rec scan.Record) error {
	if rec.Resource == "" {
		return errors.New("resource is required")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (request_key, resource, status, record, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (request_key) DO UPDATE
SET resource = EXCLUDED.resource, status = EXCLUDED.status, record = EXCLUDED.record, updated_at = now()`, s.tables.Results)
	if _, err := s.pool.Exec(ctx, query, rec.Key(), rec.Resource, string(rec.Status), body); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return s.putStatus(ctx, rec.Key(), body)
}

// GetStatus reads the live status for key.
func (s *RecordStore) GetStatus(ctx context.Context, key string) (scan.Record, bool, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE request_key = $1`, s.tables.Status)
	var body []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Record{}, false, nil
	}
	if err != nil {
		return scan.Record{}, false, fmt.Errorf("select status: %w", err)
	}
	var rec scan.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return scan.Record{}, false, fmt.Errorf("decode status: %w", err)
	}
	return rec, true, nil
}

// PutStatus upserts the live status for the record's request key.
func (s *RecordStore) PutStatus(ctx context.Context, rec scan.Record) error {
	if rec.Resource == "" {
		return errors.New("resource is required")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.putStatus(ctx, rec.Key(), body)
}

func (s *RecordStore) putStatus(ctx context.Context, key string, body []byte) error {
	query := fmt.Sprintf(`
INSERT INTO %s (request_key, record, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (request_key) DO UPDATE
SET record = EXCLUDED.record, updated_at = now()`, s.tables.Status)
	if _, err := s.pool.Exec(ctx, query, key, body); err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	return nil
}
