package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/zhejian/url-shortener/internal/events"
	"github.com/zhejian/url-shortener/internal/model"
	"github.com/zhejian/url-shortener/internal/observability"
	"github.com/zhejian/url-shortener/internal/repository"
)

// ShortenRequest is the input of ShortenService.Shorten.
// A nil ExpirationDays uses the configured default.
type ShortenRequest struct {
	TargetURL      string `validate:"required,url"`
	OwnerID        string
	CustomAlias    string
	ExpirationDays *int
}

// ShortenOptions configures ShortenService.
type ShortenOptions struct {
	DefaultExpirationDays int
	MaxExpirationDays     int
	MinAliasLen           int
	MaxAliasLen           int
	PublishTimeout        time.Duration
}

// ShortenService creates short links and announces them on the bus.
type ShortenService struct {
	store     repository.LinkStore
	generator *ShortCodeGenerator
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	validate  *validator.Validate
	opts      ShortenOptions
	reserved  map[string]struct{}
	now       func() time.Time
}

// NewShortenService wires the service. metrics may be nil.
func NewShortenService(
	store repository.LinkStore,
	generator *ShortCodeGenerator,
	publisher events.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts ShortenOptions,
) *ShortenService {
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 500 * time.Millisecond
	}
	return &ShortenService{
		store:     store,
		generator: generator,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		validate:  validator.New(),
		opts:      opts,
		reserved:  make(map[string]struct{}),
		now:       time.Now,
	}
}

// ReserveAliases marks names that are served by fixed routes. Neither
// custom aliases nor generated codes will use them. It must be called
// before the service handles requests.
func (s *ShortenService) ReserveAliases(names ...string) {
	for _, name := range names {
		s.reserved[name] = struct{}{}
	}
}

func (s *ShortenService) isReserved(code string) bool {
	_, ok := s.reserved[code]
	return ok
}

// codeTaken reports whether code is reserved or already in the store.
func (s *ShortenService) codeTaken(ctx context.Context, code string) (bool, error) {
	if s.isReserved(code) {
		return true, nil
	}
	return s.store.CodeExists(ctx, code)
}

// Shorten returns the live link for req.TargetURL if one exists, otherwise
// persists a new one and publishes LinkCreated.
func (s *ShortenService) Shorten(ctx context.Context, req ShortenRequest) (*model.ShortLink, error) {
	days, err := s.validateRequest(req)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	existing, err := s.store.FindLiveByTarget(ctx, req.TargetURL, now)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	link := &model.ShortLink{
		ID:        uuid.New(),
		TargetURL: req.TargetURL,
		OwnerID:   req.OwnerID,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, days),
	}

	if req.CustomAlias != "" {
		link.Code = req.CustomAlias
		if err := s.store.Create(ctx, link); err != nil {
			if errors.Is(err, repository.ErrCodeConflict) {
				return nil, ErrAliasTaken
			}
			return nil, err
		}
	} else if err := s.createWithGeneratedCode(ctx, link); err != nil {
		return nil, err
	}

	s.metrics.LinkCreated(ctx)
	s.publishCreated(ctx, link)
	return link, nil
}

// createWithGeneratedCode allocates a free code and inserts link. A conflict
// on insert means another request took the code after the existence check,
// so allocation is retried within the generator's attempt budget.
func (s *ShortenService) createWithGeneratedCode(ctx context.Context, link *model.ShortLink) error {
	for attempt := 0; attempt < s.generator.maxAttempts; attempt++ {
		code, err := s.generator.AllocateUnique(ctx, s.codeTaken)
		if err != nil {
			return err
		}
		link.Code = code
		err = s.store.Create(ctx, link)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrCodeConflict) {
			return err
		}
		s.logger.WarnContext(ctx, "generated code lost insert race, retrying",
			slog.String("code", code))
	}
	return fmt.Errorf("%w: insert kept conflicting", ErrCodeSpaceExhausted)
}

// validateRequest checks req and returns the lifetime in days to apply.
func (s *ShortenService) validateRequest(req ShortenRequest) (int, error) {
	if err := s.validate.Struct(req); err != nil {
		return 0, fmt.Errorf("%w: originalUrl must be an absolute URL", ErrInvalidArgument)
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("%w: originalUrl must use http or https", ErrInvalidArgument)
	}

	days := s.opts.DefaultExpirationDays
	if req.ExpirationDays != nil {
		days = *req.ExpirationDays
		if days < 1 || days > s.opts.MaxExpirationDays {
			return 0, fmt.Errorf("%w: expirationDays must be between 1 and %d",
				ErrInvalidArgument, s.opts.MaxExpirationDays)
		}
	}

	if req.CustomAlias != "" {
		tag := fmt.Sprintf("alphanum,min=%d,max=%d", s.opts.MinAliasLen, s.opts.MaxAliasLen)
		if err := s.validate.Var(req.CustomAlias, tag); err != nil {
			return 0, fmt.Errorf("%w: customAlias must be %d-%d letters or digits",
				ErrInvalidArgument, s.opts.MinAliasLen, s.opts.MaxAliasLen)
		}
		if s.isReserved(req.CustomAlias) {
			return 0, fmt.Errorf("%w: customAlias %q is reserved", ErrInvalidArgument, req.CustomAlias)
		}
	}
	return days, nil
}

// publishCreated announces link. Failure only delays cache population until
// the first redirect misses, so it is logged and dropped.
func (s *ShortenService) publishCreated(ctx context.Context, link *model.ShortLink) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	err := s.publisher.Publish(ctx, events.LinkCreatedKey, events.LinkCreated{
		Code:      link.Code,
		TargetURL: link.TargetURL,
		OwnerID:   link.OwnerID,
		CreatedAt: link.CreatedAt,
		ExpiresAt: link.ExpiresAt,
	})
	s.metrics.EventPublished(ctx, events.LinkCreatedKey, err)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish link created event",
			slog.String("code", link.Code),
			slog.String("error", err.Error()))
	}
}
