// Package worker runs the consumers that keep the cache in step with writes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/events"
	"github.com/zhejian/url-shortener/internal/observability"
	"golang.org/x/sync/errgroup"
)

// CacheSyncWorker applies LinkCreated and LinkVisited events to the cache.
//
// Handler failures are logged and the message is still acknowledged; a lost
// cache write is repaired by the next redirect miss. A consumer that loses
// the bus is re-subscribed with exponential backoff.
type CacheSyncWorker struct {
	bus      events.Bus
	cache    cache.Cache
	entryTTL time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	retryInitial time.Duration
	retryMax     time.Duration
}

// NewCacheSyncWorker creates a worker that caches created links for at most
// entryTTL. metrics may be nil.
func NewCacheSyncWorker(bus events.Bus, c cache.Cache, entryTTL time.Duration, metrics *observability.Metrics, logger *slog.Logger) *CacheSyncWorker {
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &CacheSyncWorker{
		bus:      bus,
		cache:    c,
		entryTTL: entryTTL,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,

		retryInitial: 500 * time.Millisecond,
		retryMax:     30 * time.Second,
	}
}

// Setup declares and binds the worker's durable queues. Call it before the
// first event is published so nothing is routed to an unbound exchange.
func (w *CacheSyncWorker) Setup() error {
	if err := w.bus.Bind(events.LinkCreatedQueue, events.LinkCreatedKey); err != nil {
		return fmt.Errorf("bind %s: %w", events.LinkCreatedQueue, err)
	}
	if err := w.bus.Bind(events.LinkVisitedQueue, events.LinkVisitedKey); err != nil {
		return fmt.Errorf("bind %s: %w", events.LinkVisitedQueue, err)
	}
	return nil
}

// Run consumes both queues until ctx is cancelled. Losing the bus is not
// fatal: each consumer re-binds its queue and resumes after a backoff. Only
// an unbound queue, which means Setup was skipped, ends Run early.
func (w *CacheSyncWorker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.subscribe(ctx, events.LinkCreatedQueue, events.LinkCreatedKey, w.consume(w.HandleLinkCreated))
	})
	g.Go(func() error {
		return w.subscribe(ctx, events.LinkVisitedQueue, events.LinkVisitedKey, w.consume(w.HandleLinkVisited))
	})

	w.logger.InfoContext(ctx, "cache sync worker started")
	err := g.Wait()
	w.logger.Info("cache sync worker stopped")
	return err
}

// subscribe keeps a consumer on queue alive until ctx is done.
func (w *CacheSyncWorker) subscribe(ctx context.Context, queue, routingKey string, h events.Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInitial
	b.MaxInterval = w.retryMax

	for {
		started := time.Now()
		err := w.bus.Consume(ctx, queue, h)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, events.ErrUnknownQueue) {
			return err
		}
		if err == nil {
			err = errors.New("consumer stopped")
		}
		if time.Since(started) > w.retryMax {
			b.Reset()
		}

		delay := b.NextBackOff()
		w.logger.WarnContext(ctx, "event consumer lost, resubscribing",
			slog.String("queue", queue),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		if err := w.bus.Bind(queue, routingKey); err != nil {
			w.logger.WarnContext(ctx, "failed to rebind queue",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
		}
	}
}

// consume wraps h with logging and metrics. Errors are reported but never
// stop consumption.
func (w *CacheSyncWorker) consume(h events.Handler) events.Handler {
	return func(ctx context.Context, msg events.Message) error {
		err := h(ctx, msg)
		w.metrics.EventConsumed(ctx, msg.RoutingKey, err)
		if err != nil {
			w.logger.ErrorContext(ctx, "failed to apply event to cache",
				slog.String("routing_key", msg.RoutingKey),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
		return err
	}
}

// HandleLinkCreated caches the new mapping, capped at the link's lifetime.
// Re-delivery rewrites the same value.
func (w *CacheSyncWorker) HandleLinkCreated(ctx context.Context, msg events.Message) error {
	var ev events.LinkCreated
	if err := msg.Decode(&ev); err != nil {
		return err
	}

	ttl := w.entryTTL
	if !ev.ExpiresAt.IsZero() {
		remaining := ev.ExpiresAt.Sub(w.now())
		if remaining <= 0 {
			w.logger.DebugContext(ctx, "skipping expired link", slog.String("code", ev.Code))
			return nil
		}
		ttl = min(ttl, remaining)
	}

	if err := w.cache.Set(ctx, ev.Code, ev.TargetURL, ttl); err != nil {
		return fmt.Errorf("cache link %s: %w", ev.Code, err)
	}
	w.logger.DebugContext(ctx, "cached link", slog.String("code", ev.Code))
	return nil
}

// HandleLinkVisited bumps the advisory visit counter. A re-delivered
// message counts twice.
func (w *CacheSyncWorker) HandleLinkVisited(ctx context.Context, msg events.Message) error {
	var ev events.LinkVisited
	if err := msg.Decode(&ev); err != nil {
		return err
	}

	if _, err := w.cache.IncrementVisits(ctx, ev.Code); err != nil {
		return fmt.Errorf("count visit %s: %w", ev.Code, err)
	}
	return nil
}
