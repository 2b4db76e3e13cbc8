// Package events carries domain events between the write path and the cache.
//
// Events are JSON documents published to a topic exchange. Delivery is
// at-least-once: handlers may see the same message more than once and must
// tolerate it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topology shared by publishers and consumers.
const (
	Exchange = "url_exchange"

	LinkCreatedKey = "url.created"
	LinkVisitedKey = "url.visited"

	LinkCreatedQueue = "url_created_queue"
	LinkVisitedQueue = "url_visited_queue"
)

var (
	// ErrUnavailable is returned when the broker cannot accept or deliver a message.
	ErrUnavailable = errors.New("event bus unavailable")
	// ErrUnknownQueue is returned when consuming from a queue that was never bound.
	ErrUnknownQueue = errors.New("queue not declared")
)

// LinkCreated is published after a new short link has been persisted.
type LinkCreated struct {
	Code      string    `json:"code"`
	TargetURL string    `json:"targetUrl"`
	OwnerID   string    `json:"ownerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LinkVisited is published after every successful redirect.
// OwnerID is the viewer principal, if the visitor was identified.
type LinkVisited struct {
	Code      string    `json:"code"`
	VisitedAt time.Time `json:"visitedAt"`
	OwnerID   string    `json:"ownerId,omitempty"`
}

// Message is a single delivery handed to a Handler.
type Message struct {
	ID          string
	RoutingKey  string
	Body        []byte
	PublishedAt time.Time
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", m.RoutingKey, m.ID, err)
	}
	return nil
}

// Handler processes one delivery. The message is acknowledged after the
// handler returns, whatever it returns.
type Handler func(ctx context.Context, msg Message) error

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Bus is a publish/subscribe channel backed by durable queues.
type Bus interface {
	Publisher

	// Bind declares a durable queue and binds it to the exchange with the
	// given routing key pattern. It is idempotent.
	Bind(queue, routingKey string) error

	// Consume delivers messages from queue to h until ctx is cancelled or the
	// underlying channel closes.
	Consume(ctx context.Context, queue string, h Handler) error

	Ping(ctx context.Context) error
	Close() error
}

// newMessage builds the envelope for event. The id doubles as an idempotency
// key for consumers that need one.
func newMessage(routingKey string, event any) (Message, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s event: %w", routingKey, err)
	}
	return Message{
		ID:          uuid.NewString(),
		RoutingKey:  routingKey,
		Body:        body,
		PublishedAt: time.Now().UTC(),
	}, nil
}
