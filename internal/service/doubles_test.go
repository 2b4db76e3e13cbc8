package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/events"
	"github.com/zhejian/url-shortener/internal/model"
	"github.com/zhejian/url-shortener/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingCache fails every operation like an unreachable Redis.
type failingCache struct {
	calls atomic.Int64
}

func (c *failingCache) fail() error {
	c.calls.Add(1)
	return cache.ErrUnavailable
}

func (c *failingCache) Get(context.Context, string) (string, error) { return "", c.fail() }
func (c *failingCache) Set(context.Context, string, string, time.Duration) error {
	return c.fail()
}
func (c *failingCache) Delete(context.Context, string) (bool, error)          { return false, c.fail() }
func (c *failingCache) IncrementVisits(context.Context, string) (int64, error) { return 0, c.fail() }
func (c *failingCache) GetVisits(context.Context, string) (int64, error)       { return 0, c.fail() }
func (c *failingCache) Ping(context.Context) error                             { return c.fail() }

// failingPublisher rejects every event like a broker that is down.
type failingPublisher struct {
	calls atomic.Int64
}

func (p *failingPublisher) Publish(context.Context, string, any) error {
	p.calls.Add(1)
	return events.ErrUnavailable
}

// recordingPublisher keeps every published event in order.
type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	routingKey string
	event      any
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedEvent{routingKey: routingKey, event: event})
	return nil
}

func (p *recordingPublisher) byKey(routingKey string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.published {
		if e.routingKey == routingKey {
			out = append(out, e.event)
		}
	}
	return out
}

// countingStore counts writes on top of MemoryLinkStore.
type countingStore struct {
	*repository.MemoryLinkStore
	creates    atomic.Int64
	increments atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryLinkStore: repository.NewMemoryLinkStore()}
}

func (s *countingStore) Create(ctx context.Context, link *model.ShortLink) error {
	s.creates.Add(1)
	return s.MemoryLinkStore.Create(ctx, link)
}

func (s *countingStore) IncrementUsage(ctx context.Context, code string) (int64, error) {
	s.increments.Add(1)
	return s.MemoryLinkStore.IncrementUsage(ctx, code)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
