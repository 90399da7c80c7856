// Package dispatcher manages worker fan-out over the work queue and submits new work.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scanfetch/internal/scan"
)

// Runner is a long-lived consumer such as worker.Worker.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	publisher scan.Publisher
	workTopic string
	workers   []Runner
}

// New creates a Dispatcher. workers may be empty for a submit-only process.
func New(publisher scan.Publisher, workTopic string, workers []Runner) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		workTopic: workTopic,
		workers:   workers,
	}
}

// Run starts all workers and blocks until the context finishes and every worker returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit publishes a fetch request onto the work topic.
func (d *Dispatcher) Submit(ctx context.Context, rec scan.Record) (string, error) {
	id, err := d.publisher.Publish(ctx, d.workTopic, rec)
	if err != nil {
		return "", fmt.Errorf("submit work: %w", err)
	}
	return id, nil
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}
