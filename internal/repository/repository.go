package repository

import (
	"context"
	"errors"
	"time"

	"github.com/zhejian/url-shortener/internal/model"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/zhejian/url-shortener/internal/repository")

var (
	ErrNotFound         = errors.New("short link not found")
	ErrCodeConflict     = errors.New("short code already exists")
	ErrStoreUnavailable = errors.New("link store unavailable")
)

// LinkStore is the durable, authoritative record of short links. It owns code
// uniqueness, which spans expired records too: codes are never reused.
type LinkStore interface {
	// Create persists link. It returns ErrCodeConflict if the code was ever used.
	Create(ctx context.Context, link *model.ShortLink) error

	// GetLive returns the link for code if it is live at now.
	GetLive(ctx context.Context, code string, now time.Time) (*model.ShortLink, error)

	// FindLiveByTarget returns the oldest link for targetURL that is live at now.
	FindLiveByTarget(ctx context.Context, targetURL string, now time.Time) (*model.ShortLink, error)

	// CodeExists reports whether any record, live or expired, uses code.
	CodeExists(ctx context.Context, code string) (bool, error)

	// IncrementUsage adds one to the usage counter and returns the new value.
	IncrementUsage(ctx context.Context, code string) (int64, error)

	// ListByOwner returns every link of ownerID, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*model.ShortLink, error)

	// DeleteOwned removes code if ownerID owns it, ErrNotFound otherwise.
	DeleteOwned(ctx context.Context, code, ownerID string) error

	// DeleteAllByOwner removes all links of ownerID and returns their codes.
	DeleteAllByOwner(ctx context.Context, ownerID string) ([]string, error)

	Ping(ctx context.Context) error
}
