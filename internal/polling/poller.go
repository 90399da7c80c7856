// Package polling waits for a request's verdict to appear in the live status store.
//
// A poll moves Idle -> Polling -> Terminal | TimedOut. One goroutine selects over a
// deadline context and a single re-armed tick timer, so exactly one outcome is ever
// returned for a call.
package polling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanfetch/internal/metrics"
	"github.com/JakeFAU/scanfetch/internal/scan"
)

// maxInterval is the tick length, in units, at which the schedule stops growing.
const maxInterval = 5

// finalWriteTimeout bounds the settle write, which runs detached from the poll deadline.
const finalWriteTimeout = 5 * time.Second

// Schedule yields tick intervals 1, 2, 3, 5, 5, ... by Fibonacci growth capped at 5.
type Schedule struct {
	a, b int
}

// NewSchedule returns a schedule in its initial (0, 1) state.
func NewSchedule() *Schedule {
	return &Schedule{a: 0, b: 1}
}

// Next returns the next interval in units and advances the schedule while it is below the cap.
func (s *Schedule) Next() int {
	interval := s.a + s.b
	if interval < maxInterval {
		s.a, s.b = s.b, interval
	}
	return interval
}

// Config controls polling timing.
type Config struct {
	// Unit is the length of one schedule step and of one responseTimeSeconds second.
	Unit time.Duration
	// DefaultTimeoutSeconds applies when a record has no responseTimeSeconds.
	DefaultTimeoutSeconds int
	// Meter receives the status read counter. Defaults to the global meter provider.
	Meter metric.Meter
}

// Poller reads the live status store until a verdict or failure shows up.
type Poller struct {
	store  scan.StatusStore
	cfg    Config
	reads  metric.Int64Counter
	logger *zap.Logger
}

// New builds a Poller.
func New(store scan.StatusStore, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = int(scan.DefaultResponseTime / time.Second)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("polling")
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("scanfetch/polling")
	}
	reads, err := cfg.Meter.Int64Counter("scanfetch.poll.status_reads",
		metric.WithDescription("Live status reads issued by pollers."),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		logger.Warn("status read counter unavailable", zap.Error(err))
		reads, _ = noop.NewMeterProvider().Meter("scanfetch/polling").Int64Counter("scanfetch.poll.status_reads")
	}
	return &Poller{store: store, cfg: cfg, reads: reads, logger: logger}
}

// Poll blocks until the status store reports a result or a status code for rec.
// It returns scan.ErrPollTimeout when the record's deadline passes first and a
// *scan.RejectedError when the stored record carries a failure status code.
func (p *Poller) Poll(ctx context.Context, rec scan.Record) (scan.Record, error) {
	if rec.HasVerdict() {
		metrics.ObservePoll("resolved", 0)
		return rec, nil
	}
	logger := p.logger.With(zap.String("resource", rec.Resource))
	options := rec.Options.Clone()
	echo := rec.NonCachedEcho

	ctx, cancel := context.WithTimeoutCause(ctx, p.timeout(rec), scan.ErrPollTimeout)
	defer cancel()

	if rec.Options.SkipsCacheRead() {
		rec = rec.ClearVerdict()
		// Finishes before the first tick so a stale verdict cannot be read back.
		// The deadline covers this write too.
		if err := p.store.PutStatus(ctx, rec); err != nil {
			logger.Warn("failed to reset live status", zap.Error(err))
		}
	}

	schedule := NewSchedule()
	timer := time.NewTimer(p.interval(schedule))
	defer timer.Stop()

	logger.Debug("polling start")
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return rec, p.expired(ctx, logger, ticks)
		case <-timer.C:
			ticks++
			p.reads.Add(ctx, 1)
			live, ok, err := p.store.GetStatus(ctx, rec.Key())
			if err != nil {
				logger.Warn("status read failed", zap.Int("tick", ticks), zap.Error(err))
			}
			if err == nil && ok && (live.Failed() || live.HasVerdict()) {
				return p.settle(ctx, logger, live, options, echo, ticks)
			}
			timer.Reset(p.interval(schedule))
		}
	}
}

func (p *Poller) settle(
	ctx context.Context,
	logger *zap.Logger,
	live scan.Record,
	options *scan.Options,
	echo bool,
	ticks int,
) (scan.Record, error) {
	logger.Debug("polling stop", zap.Int("ticks", ticks))
	// The outcome is already decided, so the poll deadline no longer applies.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	if err := p.store.PutStatus(writeCtx, live); err != nil {
		logger.Warn("failed to write final status", zap.Error(err))
	}
	if echo {
		live.Cached = false
		live.Options = options
	}
	if live.Failed() {
		metrics.ObservePoll("rejected", ticks)
		return live, &scan.RejectedError{Record: live}
	}
	metrics.ObservePoll("resolved", ticks)
	return live, nil
}

func (p *Poller) expired(ctx context.Context, logger *zap.Logger, ticks int) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, scan.ErrPollTimeout) {
		logger.Debug("polling timeout", zap.Int("ticks", ticks))
		metrics.ObservePoll("timeout", ticks)
		return scan.ErrPollTimeout
	}
	metrics.ObservePoll("canceled", ticks)
	return fmt.Errorf("poll canceled: %w", cause)
}

func (p *Poller) timeout(rec scan.Record) time.Duration {
	seconds := rec.ResponseTimeSeconds
	if seconds <= 0 {
		seconds = p.cfg.DefaultTimeoutSeconds
	}
	return time.Duration(seconds) * p.cfg.Unit
}

func (p *Poller) interval(s *Schedule) time.Duration {
	return time.Duration(s.Next()) * p.cfg.Unit
}
