package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/model"
	"github.com/zhejian/url-shortener/internal/observability"
	"github.com/zhejian/url-shortener/internal/repository"
)

// LinkService serves the owner-scoped operations: listing and deleting.
type LinkService struct {
	store   repository.LinkStore
	cache   cache.Cache
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewLinkService(store repository.LinkStore, c cache.Cache, metrics *observability.Metrics, logger *slog.Logger) *LinkService {
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &LinkService{store: store, cache: c, metrics: metrics, logger: logger}
}

// List returns every link owned by ownerID, newest first, expired ones included.
func (s *LinkService) List(ctx context.Context, ownerID string) ([]*model.ShortLink, error) {
	if ownerID == "" {
		return nil, ErrUnauthorized
	}
	return s.store.ListByOwner(ctx, ownerID)
}

// Delete removes code if ownerID owns it. Links owned by someone else are
// reported as not found.
func (s *LinkService) Delete(ctx context.Context, code, ownerID string) error {
	if ownerID == "" {
		return ErrUnauthorized
	}
	if err := s.store.DeleteOwned(ctx, code, ownerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.invalidate(ctx, code)
	return nil
}

// Clear removes all links of ownerID and returns how many were deleted.
func (s *LinkService) Clear(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, ErrUnauthorized
	}
	codes, err := s.store.DeleteAllByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	for _, code := range codes {
		s.invalidate(ctx, code)
	}
	return int64(len(codes)), nil
}

// invalidate drops code from the cache so a deleted link stops redirecting
// before its entry would expire. Failure leaves a stale entry until its TTL.
func (s *LinkService) invalidate(ctx context.Context, code string) {
	if _, err := s.cache.Delete(ctx, code); err != nil {
		s.metrics.SideEffectFailed(ctx, "cache_invalidate")
		s.logger.WarnContext(ctx, "failed to invalidate cache entry",
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
}
