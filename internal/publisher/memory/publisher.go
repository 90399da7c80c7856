// Package memory contains an in-memory publisher for tests and single-process runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher serializes payloads the way a broker would and keeps them for inspection.
// Topics can be attached to a sink so published messages reach an in-process consumer.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	sinks    map[string]func(ctx context.Context, data []byte) error
	failWith error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID    string
	Topic string
	Data  []byte
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{sinks: make(map[string]func(context.Context, []byte) error)}
}

// Attach forwards every message published on topic to sink.
func (p *Publisher) Attach(topic string, sink func(ctx context.Context, data []byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[topic] = sink
}

// FailWith makes subsequent publishes return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish encodes payload as JSON, records it and hands it to the topic's sink.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	if p.failWith != nil {
		err := p.failWith
		p.mu.Unlock()
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Data: data})
	sink := p.sinks[topic]
	p.mu.Unlock()

	if sink != nil {
		if err := sink(ctx, data); err != nil {
			return "", fmt.Errorf("deliver to %s: %w", topic, err)
		}
	}
	return id, nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ByTopic returns the recorded publishes for one topic.
func (p *Publisher) ByTopic(topic string) []PublishedMessage {
	var out []PublishedMessage
	for _, msg := range p.Messages() {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
