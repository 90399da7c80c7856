// Package memory provides a work queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/scanfetch/internal/scan"
)

// ErrUnknownHandle is returned when deleting a message that is not in flight.
var ErrUnknownHandle = errors.New("unknown receipt handle")

// Queue is a bounded in-memory queue with long-poll receive and delete-by-handle.
// Received messages stay in flight until deleted; they are never redelivered.
type Queue struct {
	ch       chan scan.Message
	wait     time.Duration
	mu       sync.Mutex
	seq      int
	inFlight map[string]scan.Message
}

// NewQueue constructs a queue with the provided capacity. wait bounds each Receive.
func NewQueue(capacity int, wait time.Duration) *Queue {
	return &Queue{
		ch:       make(chan scan.Message, capacity),
		wait:     wait,
		inFlight: make(map[string]scan.Message),
	}
}

// Enqueue pushes a message body or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	q.mu.Lock()
	q.seq++
	id := "msg-" + strconv.Itoa(q.seq)
	q.mu.Unlock()

	msg := scan.Message{ID: id, Body: append([]byte(nil), body...)}
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- msg:
		return id, nil
	}
}

// Receive waits up to the configured long-poll window for one message.
func (q *Queue) Receive(ctx context.Context) (scan.Message, bool, error) {
	var timeout <-chan time.Time
	if q.wait > 0 {
		timer := time.NewTimer(q.wait)
		defer timer.Stop()
		timeout = timer.C
	} else {
		select {
		case msg := <-q.ch:
			return q.lease(msg), true, nil
		default:
			return scan.Message{}, false, nil
		}
	}

	select {
	case <-ctx.Done():
		return scan.Message{}, false, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-timeout:
		return scan.Message{}, false, nil
	case msg := <-q.ch:
		return q.lease(msg), true, nil
	}
}

// Delete acknowledges an in-flight message.
func (q *Queue) Delete(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[handle]; !ok {
		return fmt.Errorf("delete %q: %w", handle, ErrUnknownHandle)
	}
	delete(q.inFlight, handle)
	return nil
}

// InFlight returns the number of received but undeleted messages.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Len returns the number of messages waiting to be received.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) lease(msg scan.Message) scan.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg.Handle = "receipt-" + msg.ID
	q.inFlight[msg.Handle] = msg
	return msg
}
