package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockBus is an in-memory stand-in for natsclient.Client. It supports the
// subject-aware subscribe methods, NATS wildcard matching (* and >), and
// queue groups, and records every published message for assertions.
// Thread-safe for concurrent use from multiple goroutines.
type MockBus struct {
	mu        sync.RWMutex
	published map[string][][]byte
	subs      []busSub
	rr        map[string]int
	healthy   bool
	closed    bool
}

type busSub struct {
	pattern string
	queue   string
	handler func(context.Context, string, []byte)
}

// NewMockBus creates a healthy mock bus with no subscriptions.
func NewMockBus() *MockBus {
	return &MockBus{
		published: make(map[string][][]byte),
		rr:        make(map[string]int),
		healthy:   true,
	}
}

// Publish records the message and delivers it to every matching
// subscription. Queue-grouped subscriptions on the same pattern receive
// round-robin, one member per message, like real NATS queue groups.
func (b *MockBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}

	b.published[subject] = append(b.published[subject], data)

	// Pick handlers under the lock, call them outside it.
	var handlers []func(context.Context, string, []byte)
	groups := make(map[string][]busSub)
	for _, sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		if sub.queue == "" {
			handlers = append(handlers, sub.handler)
			continue
		}
		key := sub.pattern + "|" + sub.queue
		groups[key] = append(groups[key], sub)
	}
	for key, members := range groups {
		pick := b.rr[key] % len(members)
		b.rr[key]++
		handlers = append(handlers, members[pick].handler)
	}
	b.mu.Unlock()

	// Per-message context with 30s timeout, matching the real client.
	for _, handler := range handlers {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		handler(msgCtx, subject, data)
		cancel()
	}

	return nil
}

// SubscribeSubject registers a handler for a subject pattern.
func (b *MockBus) SubscribeSubject(ctx context.Context, subject string, handler func(context.Context, string, []byte)) error {
	return b.subscribe(ctx, subject, "", handler)
}

// QueueSubscribeSubject registers a queue-grouped handler for a subject
// pattern.
func (b *MockBus) QueueSubscribeSubject(ctx context.Context, subject, queue string, handler func(context.Context, string, []byte)) error {
	return b.subscribe(ctx, subject, queue, handler)
}

// Subscribe registers a handler that does not need the concrete subject.
func (b *MockBus) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	return b.subscribe(ctx, subject, "", func(ctx context.Context, _ string, data []byte) {
		handler(ctx, data)
	})
}

func (b *MockBus) subscribe(ctx context.Context, subject, queue string, handler func(context.Context, string, []byte)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	b.subs = append(b.subs, busSub{pattern: subject, queue: queue, handler: handler})
	return nil
}

// subjectMatches applies NATS wildcard rules: * matches exactly one token,
// > matches one or more trailing tokens.
func subjectMatches(pattern, subject string) bool {
	pTok := strings.Split(pattern, ".")
	sTok := strings.Split(subject, ".")

	for i, p := range pTok {
		if p == ">" {
			return i < len(sTok)
		}
		if i >= len(sTok) {
			return false
		}
		if p != "*" && p != sTok[i] {
			return false
		}
	}
	return len(pTok) == len(sTok)
}

// IsHealthy reports the health flag, true until SetHealthy or Close.
func (b *MockBus) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy && !b.closed
}

// SetHealthy flips the health flag so tests can simulate an outage.
func (b *MockBus) SetHealthy(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
}

// SubscriptionCount returns how many subscriptions are registered.
func (b *MockBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// GetMessages returns a copy of all messages published to a subject.
func (b *MockBus) GetMessages(subject string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msgs := b.published[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// GetMessageCount returns the number of messages published to a subject.
func (b *MockBus) GetMessageCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.published[subject])
}

// Clear drops recorded messages for a subject.
func (b *MockBus) Clear(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.published, subject)
}

// ClearAll drops all recorded messages.
func (b *MockBus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = make(map[string][][]byte)
}

// Close marks the bus closed; further publishes and subscribes fail.
func (b *MockBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// IsClosed returns whether the bus is closed.
func (b *MockBus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// WaitForMessage waits for a message published to a subject and returns the
// latest one, failing the test on timeout.
func WaitForMessage(t *testing.T, bus *MockBus, subject string, timeout time.Duration) []byte {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for message on subject %s", subject)
			return nil
		case <-ticker.C:
			messages := bus.GetMessages(subject)
			if len(messages) > 0 {
				return messages[len(messages)-1]
			}
		}
	}
}

// WaitForMessageCount waits until at least count messages were published to
// a subject, failing the test on timeout.
func WaitForMessageCount(t *testing.T, bus *MockBus, subject string, count int, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			got := bus.GetMessageCount(subject)
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, got)
			return
		case <-ticker.C:
			if bus.GetMessageCount(subject) >= count {
				return
			}
		}
	}
}

// AssertNoMessages checks that nothing was published to a subject.
func AssertNoMessages(t *testing.T, bus *MockBus, subject string) {
	t.Helper()

	messages := bus.GetMessages(subject)
	if len(messages) > 0 {
		t.Fatalf("expected no messages on subject %s, got %d", subject, len(messages))
	}
}
