// Package messaging abstracts the message broker used to announce ingest outcomes.
// Publishers are optional: a ledger without a broker uses NoopPublisher.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is a single broker message.
type Message struct {
	Subject  string
	Data     []byte
	Metadata map[string]string
}

// Publisher publishes messages to subjects. Publishing is fire-and-forget.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *Message) error
	Close() error
}

// PublishJSON marshals v and publishes it on subject through p.
func PublishJSON(ctx context.Context, p Publisher, subject string, v interface{}, metadata map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.PublishMsg(ctx, &Message{Subject: subject, Data: data, Metadata: metadata})
}

// NoopPublisher drops every message.
type NoopPublisher struct{}

func (NoopPublisher) PublishMsg(ctx context.Context, msg *Message) error { return ctx.Err() }
func (NoopPublisher) Close() error                                      { return nil }

// MemoryPublisher records published messages. It is safe for concurrent use.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []*Message
	Err      error
}

func (m *MemoryPublisher) PublishMsg(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (m *MemoryPublisher) Messages() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.messages))
	copy(out, m.messages)
	return out
}
