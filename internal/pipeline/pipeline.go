// Package pipeline composes fetch, dedupe, cleanup, persistence and scan dispatch.
//
// Every stage takes the record by value and returns the next version of it, so a
// stage never observes a later stage's changes.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scanfetch/internal/metrics"
	"github.com/JakeFAU/scanfetch/internal/scan"
)

// Fetcher resolves a record into stored content or a folded failure.
type Fetcher interface {
	FetchURI(ctx context.Context, rec scan.Record) scan.Record
}

// Config holds pipeline settings.
type Config struct {
	ScanTopic string
}

// Pipeline runs fetch -> lookup -> settle -> persist -> dispatch.
type Pipeline struct {
	fetcher   Fetcher
	cache     scan.VerdictCache
	blobs     scan.BlobStore
	results   scan.ResultStore
	publisher scan.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New wires a Pipeline.
func New(
	fetcher Fetcher,
	cache scan.VerdictCache,
	blobs scan.BlobStore,
	results scan.ResultStore,
	publisher scan.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		fetcher:   fetcher,
		cache:     cache,
		blobs:     blobs,
		results:   results,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("pipeline"),
	}
}

// Run processes one record end to end. Only a scan dispatch failure is returned as an error.
func (p *Pipeline) Run(ctx context.Context, rec scan.Record) (scan.Record, error) {
	rec = p.fetcher.FetchURI(ctx, rec)
	rec = p.Lookup(ctx, rec)
	rec = p.Settle(ctx, rec)
	rec = p.Persist(ctx, rec)
	return p.Dispatch(ctx, rec)
}

// Lookup copies a prior verdict for the record's fingerprint onto it. The fresh blob is
// then redundant and the record no longer waits for a scan. Lookup errors count as a miss.
func (p *Pipeline) Lookup(ctx context.Context, rec scan.Record) scan.Record {
	if rec.Fingerprint == "" || rec.Status != scan.StatusPendingScan {
		return rec
	}
	logger := p.logger.With(zap.String("resource", rec.Resource), zap.String("fingerprint", rec.Fingerprint))

	entry, err := p.cache.Get(ctx, rec.Fingerprint, rec.Options)
	if err != nil {
		logger.Warn("verdict cache lookup failed, treating as miss", zap.Error(err))
		metrics.ObserveDedupe("error")
		return rec
	}
	if !entry.Hit() {
		metrics.ObserveDedupe("miss")
		return rec
	}

	logger.Info("found cached verdict for fingerprint")
	metrics.ObserveDedupe("hit")
	rec = rec.WithVerdict(scan.Verdict{Malicious: *entry.Malicious, Result: entry.Result})
	rec.Cached = true
	rec.DeleteBlobOnSettle = rec.BlobKey != ""
	rec.Fingerprint = ""
	rec.Status = scan.StatusCacheHit
	return rec
}

// Settle deletes a blob marked redundant. Failures are logged and never fatal.
func (p *Pipeline) Settle(ctx context.Context, rec scan.Record) scan.Record {
	if !rec.DeleteBlobOnSettle {
		return rec
	}
	if err := p.blobs.DeleteObject(ctx, rec.BlobKey); err != nil {
		p.logger.Error("failed to delete blob",
			zap.String("blob_key", rec.BlobKey),
			zap.Error(err),
		)
		metrics.ObserveBlobDelete(false)
		return rec
	}
	p.logger.Debug("deleted blob", zap.String("blob_key", rec.BlobKey))
	metrics.ObserveBlobDelete(true)
	rec.DeleteBlobOnSettle = false
	return rec
}

// Persist writes terminal records, and records with nothing to scan, to the result store.
// Transient fields are stripped from the returned record as well.
func (p *Pipeline) Persist(ctx context.Context, rec scan.Record) scan.Record {
	// A failed record can still carry a BlobKey (an oversize abort with fallWithUpstream).
	// Its blob was removed in Settle, so the failure status, not the missing verdict,
	// decides that it is stored here and never dispatched.
	if !rec.Terminal() && rec.BlobKey != "" {
		return rec
	}
	rec = rec.ForResultStore()
	if err := p.results.SaveResult(ctx, rec); err != nil {
		p.logger.Error("failed to save result",
			zap.String("resource", rec.Resource),
			zap.Error(err),
		)
		return rec
	}
	p.logger.Info("saved result", zap.String("resource", rec.Resource), zap.String("status", string(rec.Status)))
	return rec
}

// Dispatch publishes content awaiting a verdict to the scan topic.
func (p *Pipeline) Dispatch(ctx context.Context, rec scan.Record) (scan.Record, error) {
	if rec.Status != scan.StatusPendingScan || rec.HasVerdict() || rec.BlobKey == "" {
		p.logger.Debug("skipping scan dispatch", zap.String("resource", rec.Resource), zap.String("status", string(rec.Status)))
		return rec, nil
	}
	id, err := p.publisher.Publish(ctx, p.cfg.ScanTopic, rec)
	if err != nil {
		metrics.ObserveScanDispatch(false)
		return rec, fmt.Errorf("%w: %w", scan.ErrScanDispatch, err)
	}
	metrics.ObserveScanDispatch(true)
	p.logger.Info("sent to scan queue",
		zap.String("resource", rec.Resource),
		zap.String("blob_key", rec.BlobKey),
		zap.String("message_id", id),
	)
	rec.Status = scan.StatusScanning
	return rec, nil
}
