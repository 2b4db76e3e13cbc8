package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhejian/url-shortener/internal/model"
)

// MemoryLinkStore keeps links in a map. It is used for local runs without
// PostgreSQL and as the store double in tests.
type MemoryLinkStore struct {
	mu    sync.RWMutex
	links map[string]*model.ShortLink
}

func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{
		links: make(map[string]*model.ShortLink),
	}
}

func (r *MemoryLinkStore) Create(_ context.Context, link *model.ShortLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.links[link.Code]; exists {
		return ErrCodeConflict
	}
	stored := *link
	r.links[link.Code] = &stored
	return nil
}

func (r *MemoryLinkStore) GetLive(_ context.Context, code string, now time.Time) (*model.ShortLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[code]
	if !ok || !link.IsLive(now) {
		return nil, ErrNotFound
	}
	found := *link
	return &found, nil
}

func (r *MemoryLinkStore) FindLiveByTarget(_ context.Context, targetURL string, now time.Time) (*model.ShortLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *model.ShortLink
	for _, link := range r.links {
		if link.TargetURL != targetURL || !link.IsLive(now) {
			continue
		}
		if oldest == nil || link.CreatedAt.Before(oldest.CreatedAt) {
			oldest = link
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	found := *oldest
	return &found, nil
}

func (r *MemoryLinkStore) CodeExists(_ context.Context, code string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.links[code]
	return exists, nil
}

func (r *MemoryLinkStore) IncrementUsage(_ context.Context, code string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.links[code]
	if !ok {
		return 0, ErrNotFound
	}
	link.UsageCount++
	return link.UsageCount, nil
}

func (r *MemoryLinkStore) ListByOwner(_ context.Context, ownerID string) ([]*model.ShortLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	links := make([]*model.ShortLink, 0)
	for _, link := range r.links {
		if link.OwnerID == ownerID {
			found := *link
			links = append(links, &found)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.After(links[j].CreatedAt)
	})
	return links, nil
}

func (r *MemoryLinkStore) DeleteOwned(_ context.Context, code, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.links[code]
	if !ok || link.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(r.links, code)
	return nil
}

func (r *MemoryLinkStore) DeleteAllByOwner(_ context.Context, ownerID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	codes := make([]string, 0)
	for code, link := range r.links {
		if link.OwnerID == ownerID {
			codes = append(codes, code)
			delete(r.links, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

func (r *MemoryLinkStore) Ping(_ context.Context) error {
	return nil
}

var _ LinkStore = (*MemoryLinkStore)(nil)
