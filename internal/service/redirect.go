package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/events"
	"github.com/zhejian/url-shortener/internal/model"
	"github.com/zhejian/url-shortener/internal/observability"
	"github.com/zhejian/url-shortener/internal/repository"
)

// RedirectOptions configures RedirectService.
type RedirectOptions struct {
	// CacheTTL is the upper bound for entries written by cache repair.
	CacheTTL time.Duration
	// SideEffectTimeout bounds the detached work done after a resolve.
	SideEffectTimeout time.Duration
}

// RedirectService resolves short codes using the cache first and the link
// store as the source of truth.
type RedirectService struct {
	store     repository.LinkStore
	cache     cache.Cache
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	opts      RedirectOptions
	now       func() time.Time

	// pending counts running side effects; idle is closed while it is zero.
	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// NewRedirectService wires the service. metrics may be nil.
func NewRedirectService(
	store repository.LinkStore,
	c cache.Cache,
	publisher events.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts RedirectOptions,
) *RedirectService {
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 7 * 24 * time.Hour
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 2 * time.Second
	}
	return &RedirectService{
		store:     store,
		cache:     c,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		idle:      closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Resolve returns the target URL for code or ErrNotFound.
//
// Cache failures are treated as misses. Store failures are returned. After a
// successful resolve the usage counter, the visit event and (on a miss) the
// cache repair run in the background and never affect the result.
func (s *RedirectService) Resolve(ctx context.Context, code, viewerID string) (string, error) {
	if !IsBase62(code) {
		return "", ErrNotFound
	}

	target, err := s.cache.Get(ctx, code)
	if err == nil {
		s.metrics.Redirect(ctx, true)
		s.afterResolve(ctx, code, viewerID, nil)
		return target, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.WarnContext(ctx, "cache lookup failed, falling back to store",
			slog.String("code", code),
			slog.String("error", err.Error()))
	}

	link, err := s.store.GetLive(ctx, code, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	s.metrics.Redirect(ctx, false)
	s.afterResolve(ctx, code, viewerID, link)
	return link.TargetURL, nil
}

// Drain waits until no background side effects are running or ctx ends.
// It may be called while Resolve is still serving; side effects started
// before the count reaches zero are waited for too.
func (s *RedirectService) Drain(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RedirectService) sideEffectStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
}

func (s *RedirectService) sideEffectDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
}

// afterResolve starts the best-effort work that follows a redirect. It runs
// detached from the request so a client hanging up does not cancel it.
// repair is the link loaded from the store on a cache miss, nil on a hit.
func (s *RedirectService) afterResolve(ctx context.Context, code, viewerID string, repair *model.ShortLink) {
	visitedAt := s.now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SideEffectTimeout)

	s.sideEffectStarted()
	go func() {
		defer s.sideEffectDone()
		defer cancel()

		if repair != nil {
			s.repairCache(ctx, repair, visitedAt)
		}

		if _, err := s.store.IncrementUsage(ctx, code); err != nil {
			s.sideEffectFailed(ctx, "usage_increment", code, err)
		}

		err := s.publisher.Publish(ctx, events.LinkVisitedKey, events.LinkVisited{
			Code:      code,
			VisitedAt: visitedAt,
			OwnerID:   viewerID,
		})
		s.metrics.EventPublished(ctx, events.LinkVisitedKey, err)
		if err != nil {
			s.sideEffectFailed(ctx, "visit_event", code, err)
		}
	}()
}

// repairCache writes link back to the cache, never past its expiry.
func (s *RedirectService) repairCache(ctx context.Context, link *model.ShortLink, now time.Time) {
	ttl := min(s.opts.CacheTTL, link.RemainingLife(now))
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, link.Code, link.TargetURL, ttl); err != nil {
		s.sideEffectFailed(ctx, "cache_repair", link.Code, err)
	}
}

func (s *RedirectService) sideEffectFailed(ctx context.Context, kind, code string, err error) {
	s.metrics.SideEffectFailed(ctx, kind)
	s.logger.WarnContext(ctx, "redirect side effect failed",
		slog.String("kind", kind),
		slog.String("code", code),
		slog.String("error", err.Error()))
}
