package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const defaultQueueDepth = 1024

type memoryQueue struct {
	messages chan Message
	keys     map[string]struct{}
}

// MemoryBus is an in-process topic exchange with buffered queues. It is used
// when no broker is configured and as the bus double in tests.
type MemoryBus struct {
	mu     sync.RWMutex
	queues map[string]*memoryQueue
	depth  int
	closed bool
}

// NewMemoryBus creates an in-process bus whose queues hold up to depth
// undelivered messages. A non-positive depth uses the default.
func NewMemoryBus(depth int) *MemoryBus {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &MemoryBus{
		queues: make(map[string]*memoryQueue),
		depth:  depth,
	}
}

// Publish routes event to every queue bound with a matching pattern.
// Messages published while no queue matches are dropped, as on a broker.
func (b *MemoryBus) Publish(ctx context.Context, routingKey string, event any) error {
	msg, err := newMessage(routingKey, event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", ErrUnavailable)
	}

	for name, q := range b.queues {
		if !q.matches(routingKey) {
			continue
		}
		select {
		case q.messages <- msg:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		default:
			return fmt.Errorf("%w: queue %s is full", ErrUnavailable, name)
		}
	}
	return nil
}

// Bind declares queue if needed and adds routingKey to its bindings.
func (b *MemoryBus) Bind(queue, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", ErrUnavailable)
	}

	q, ok := b.queues[queue]
	if !ok {
		q = &memoryQueue{
			messages: make(chan Message, b.depth),
			keys:     make(map[string]struct{}),
		}
		b.queues[queue] = q
	}
	q.keys[routingKey] = struct{}{}
	return nil
}

// Consume hands queued messages to h one at a time until ctx is done or the
// bus is closed.
func (b *MemoryBus) Consume(ctx context.Context, queue string, h Handler) error {
	b.mu.RLock()
	q, ok := b.queues[queue]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, open := <-q.messages:
			if !open {
				return nil
			}
			_ = h(ctx, msg)
		}
	}
}

// Ping reports whether the bus still accepts messages.
func (b *MemoryBus) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", ErrUnavailable)
	}
	return nil
}

// Close stops all consumers. Pending messages are discarded.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.messages)
	}
	return nil
}

// Pending returns the number of undelivered messages in queue.
func (b *MemoryBus) Pending(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.messages)
	}
	return 0
}

func (q *memoryQueue) matches(routingKey string) bool {
	for pattern := range q.keys {
		if MatchTopic(pattern, routingKey) {
			return true
		}
	}
	return false
}

// MatchTopic reports whether routingKey matches an AMQP topic pattern.
// "*" matches exactly one word and "#" matches zero or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
