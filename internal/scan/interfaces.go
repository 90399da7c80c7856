package scan

import (
	"context"
	"io"
)

// WorkQueue delivers fetch requests and supports delete-by-handle once processed.
type WorkQueue interface {
	// Receive waits up to the queue's long-poll window. ok is false when nothing arrived.
	Receive(ctx context.Context) (msg Message, ok bool, err error)
	Delete(ctx context.Context, handle string) error
}

// Publisher pushes serialized payloads onto a topic (scan queue, work queue).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes fetched content and removes redundant blobs.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// VerdictCache maps content fingerprints to prior verdicts.
type VerdictCache interface {
	Get(ctx context.Context, fingerprint string, opts *Options) (CacheEntry, error)
	Put(ctx context.Context, fingerprint string, verdict Verdict) error
}

// ResultStore durably records finalized requests keyed by request identity.
type ResultStore interface {
	SaveResult(ctx context.Context, rec Record) error
}

// StatusStore is the live status view read by pollers.
type StatusStore interface {
	GetStatus(ctx context.Context, key string) (Record, bool, error)
	PutStatus(ctx context.Context, rec Record) error
}

// IDGenerator produces unique blob keys.
type IDGenerator interface {
	NewID() (string, error)
}
