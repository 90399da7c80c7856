// Package worker consumes work queue messages and drives the fetch pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/scanfetch/internal/metrics"
	"github.com/JakeFAU/scanfetch/internal/scan"
)

// Processor runs one parsed record through the pipeline.
type Processor interface {
	Run(ctx context.Context, rec scan.Record) (scan.Record, error)
}

// Config tunes the receive loop.
type Config struct {
	// ReceiveRPS caps receive calls per second. Zero disables pacing.
	ReceiveRPS float64
	// ErrorBackoff is the pause after a failed processing unit.
	ErrorBackoff time.Duration
}

// Outcome is the result of one processing unit. An empty Outcome means the queue was empty.
type Outcome struct {
	Handle    string
	MessageID string
	Record    scan.Record
}

// Worker consumes queue items and executes the fetch pipeline.
type Worker struct {
	queue     scan.WorkQueue
	processor Processor
	pacer     *rate.Limiter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(queue scan.WorkQueue, processor Processor, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	var pacer *rate.Limiter
	if cfg.ReceiveRPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.ReceiveRPS), 1)
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		pacer:     pacer,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, processing messages until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.pacer != nil {
			if err := w.pacer.Wait(ctx); err != nil {
				return
			}
		}
		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsFatal(err) {
				w.logger.Error("processing unit failed", zap.Error(err))
			} else {
				w.logger.Warn("receive failed", zap.Error(err))
			}
			w.backoff(ctx)
		}
	}
}

// ProcessOne receives, parses, processes and deletes at most one message.
// Scan dispatch and queue delete failures are returned; the message then stays on the queue.
func (w *Worker) ProcessOne(ctx context.Context) (Outcome, error) {
	msg, ok, err := w.queue.Receive(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("receive message: %w", err)
	}
	if !ok {
		w.logger.Debug("empty queue")
		metrics.ObserveQueueMessage("empty")
		return Outcome{}, nil
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	out, err := w.process(ctx, msg)
	if err != nil {
		metrics.ObserveQueueMessage("dispatch_failed")
		return out, err
	}
	if err := w.delete(ctx, out); err != nil {
		metrics.ObserveQueueMessage("delete_failed")
		return out, err
	}
	return out, nil
}

func (w *Worker) process(ctx context.Context, msg scan.Message) (Outcome, error) {
	var rec scan.Record
	if err := json.Unmarshal(msg.Body, &rec); err != nil {
		// Consumed rather than retried so a poison message cannot loop.
		w.logger.Warn("malformed body", zap.String("message_id", msg.ID), zap.ByteString("body", msg.Body))
		metrics.ObserveQueueMessage("malformed")
		return Outcome{Handle: msg.Handle}, nil
	}
	w.logger.Info("received message", zap.String("message_id", msg.ID))

	out := Outcome{Handle: msg.Handle, MessageID: msg.ID}
	if rec.Resource == "" {
		w.logger.Debug("queue message has no resource", zap.String("message_id", msg.ID))
		metrics.ObserveQueueMessage("no_resource")
		return out, nil
	}

	rec.MessageID = msg.ID
	result, err := w.processor.Run(ctx, rec)
	out.Record = result
	if err != nil {
		return out, fmt.Errorf("process %s: %w", msg.ID, err)
	}
	metrics.ObserveQueueMessage("processed")
	return out, nil
}

func (w *Worker) delete(ctx context.Context, out Outcome) error {
	if out.Handle == "" {
		w.logger.Debug("skipping delete, handle missing", zap.String("message_id", out.MessageID))
		return nil
	}
	if err := w.queue.Delete(ctx, out.Handle); err != nil {
		return fmt.Errorf("%w: %s: %w", scan.ErrQueueDelete, out.MessageID, err)
	}
	w.logger.Info("deleted message", zap.String("message_id", out.MessageID))
	return nil
}

func (w *Worker) backoff(ctx context.Context) {
	timer := time.NewTimer(w.cfg.ErrorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// IsFatal reports whether err is one of the failures that void a processing unit.
func IsFatal(err error) bool {
	return errors.Is(err, scan.ErrScanDispatch) || errors.Is(err, scan.ErrQueueDelete)
}
