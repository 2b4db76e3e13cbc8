package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/middleware"
	"github.com/zhejian/url-shortener/internal/model"
	"github.com/zhejian/url-shortener/internal/repository"
	"github.com/zhejian/url-shortener/internal/service"
)

// Shortener creates short links.
type Shortener interface {
	Shorten(ctx context.Context, req service.ShortenRequest) (*model.ShortLink, error)
}

// Resolver maps a short code to its target URL.
type Resolver interface {
	Resolve(ctx context.Context, code, viewerID string) (string, error)
}

// LinkManager serves the owner-scoped link operations.
type LinkManager interface {
	List(ctx context.Context, ownerID string) ([]*model.ShortLink, error)
	Delete(ctx context.Context, code, ownerID string) error
	Clear(ctx context.Context, ownerID string) (int64, error)
}

// Pinger is a dependency reported by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups the business logic the handler delegates to.
type Services struct {
	Shortener Shortener
	Resolver  Resolver
	Links     LinkManager
}

// Options configures the handler.
type Options struct {
	// BaseURL prefixes short codes in responses, e.g. "https://sho.rt".
	BaseURL string
	// DirectCacheTTL applies to entries written through POST /api/cache.
	DirectCacheTTL time.Duration
}

// Handler holds HTTP handlers and dependencies.
// It receives interfaces rather than concrete implementations for testability.
type Handler struct {
	services Services
	cache    cache.Cache
	health   map[string]Pinger
	opts     Options
	logger   *slog.Logger
}

// NewHandler creates a new handler instance with the provided dependencies.
// health maps a dependency name (e.g. "database") to its probe.
func NewHandler(services Services, c cache.Cache, health map[string]Pinger, opts Options, logger *slog.Logger) *Handler {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.DirectCacheTTL <= 0 {
		opts.DirectCacheTTL = 30 * 24 * time.Hour
	}
	return &Handler{
		services: services,
		cache:    c,
		health:   health,
		opts:     opts,
		logger:   logger,
	}
}

// RegisterRoutes registers all route definitions on the given Gin engine.
// The caller creates the engine and adds middleware (including
// middleware.Principal) before calling this method.
// Routes are organized into:
//   - Health check endpoint for monitoring
//   - Shorten endpoints, public or authenticated
//   - Owner endpoints under /urls (principal required)
//   - Cache service boundary under /api/cache
//   - Public redirect endpoint for short URL resolution
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.healthCheck)

	r.POST("/shorten", h.createShortURL)
	r.POST("/api/shorten", h.createShortURL)

	urls := r.Group("/urls", middleware.RequirePrincipal())
	{
		urls.GET("", h.listURLs)
		urls.DELETE("/clear", h.clearURLs)
		urls.DELETE("/:code", h.deleteURL)
	}

	cacheAPI := r.Group("/api/cache")
	{
		cacheAPI.GET("/:code", h.getCacheEntry)
		cacheAPI.POST("", h.setCacheEntry)
		cacheAPI.DELETE("/:code", h.deleteCacheEntry)
	}

	r.GET("/:code", h.redirect)
}

// StaticSegments returns the distinct first path segments of the routes on
// r that are not parameters, such as "health" or "urls". A short code equal
// to one of them would be shadowed by that route.
func StaticSegments(r *gin.Engine) []string {
	seen := make(map[string]struct{})
	var segments []string
	for _, route := range r.Routes() {
		first, _, _ := strings.Cut(strings.TrimPrefix(route.Path, "/"), "/")
		if first == "" || first[0] == ':' || first[0] == '*' {
			continue
		}
		if _, ok := seen[first]; ok {
			continue
		}
		seen[first] = struct{}{}
		segments = append(segments, first)
	}
	return segments
}

// healthCheck handles GET /health
// Response codes:
//   - 200 OK: All dependencies are healthy
//   - 503 Service Unavailable: One or more dependencies are down
func (h *Handler) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	status := "ok"
	code := http.StatusOK
	deps := gin.H{}

	for name, dep := range h.health {
		if err := dep.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()))
			status = "degraded"
			code = http.StatusServiceUnavailable
			deps[name] = "down"
			continue
		}
		deps[name] = "up"
	}

	c.JSON(code, gin.H{"status": status, "dependencies": deps})
}

// createShortURL handles POST /shorten and POST /api/shorten
// Request body: CreateURLRequest (JSON)
// Response codes:
//   - 200 OK: Short URL created, or the existing live one returned
//   - 400 Bad Request: Invalid body, URL, expiration or custom alias
//   - 409 Conflict: Custom alias already exists
func (h *Handler) createShortURL(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.CreateURLRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			slog.String("error", err.Error()),
			slog.String("path", c.Request.URL.Path))
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	owner, _ := middleware.PrincipalFrom(c)
	link, err := h.services.Shortener.Shorten(ctx, service.ShortenRequest{
		TargetURL:      req.OriginalURL,
		OwnerID:        owner,
		CustomAlias:    req.CustomAlias,
		ExpirationDays: req.ExpirationDays,
	})
	if err != nil {
		h.serviceError(c, err, "shorten")
		return
	}

	c.JSON(http.StatusOK, model.CreateURLResponse{
		ShortenedURL:   h.shortURL(link.Code),
		ShortCode:      link.Code,
		ExpirationDate: formatTime(link.ExpiresAt),
	})
}

// redirect handles GET /:code
// Response codes:
//   - 302 Found: Redirects to the original URL
//   - 404 Not Found: Code unknown or expired
func (h *Handler) redirect(c *gin.Context) {
	viewer, _ := middleware.PrincipalFrom(c)

	target, err := h.services.Resolver.Resolve(c.Request.Context(), c.Param("code"), viewer)
	if err != nil {
		h.serviceError(c, err, "redirect")
		return
	}

	c.Redirect(http.StatusFound, target)
}

// listURLs handles GET /urls
// Returns the caller's links newest first, expired ones included.
func (h *Handler) listURLs(c *gin.Context) {
	owner, _ := middleware.PrincipalFrom(c)

	links, err := h.services.Links.List(c.Request.Context(), owner)
	if err != nil {
		h.serviceError(c, err, "list")
		return
	}

	resp := make([]model.URLResponse, 0, len(links))
	for _, link := range links {
		resp = append(resp, model.URLResponse{
			OriginalURL:    link.TargetURL,
			ShortenedURL:   h.shortURL(link.Code),
			ShortCode:      link.Code,
			CreatedAt:      formatTime(link.CreatedAt),
			ExpirationDate: formatTime(link.ExpiresAt),
			UsageCount:     link.UsageCount,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// deleteURL handles DELETE /urls/:code
// Response codes:
//   - 200 OK: Link deleted
//   - 404 Not Found: No such link owned by the caller
func (h *Handler) deleteURL(c *gin.Context) {
	owner, _ := middleware.PrincipalFrom(c)

	if err := h.services.Links.Delete(c.Request.Context(), c.Param("code"), owner); err != nil {
		h.serviceError(c, err, "delete")
		return
	}
	c.Status(http.StatusOK)
}

// clearURLs handles DELETE /urls/clear
func (h *Handler) clearURLs(c *gin.Context) {
	owner, _ := middleware.PrincipalFrom(c)

	n, err := h.services.Links.Clear(c.Request.Context(), owner)
	if err != nil {
		h.serviceError(c, err, "clear")
		return
	}
	c.JSON(http.StatusOK, model.ClearURLsResponse{Deleted: n})
}

// serviceError maps service and repository errors to HTTP responses.
func (h *Handler) serviceError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		h.errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		h.errorResponse(c, http.StatusNotFound, "URL not found")
	case errors.Is(err, service.ErrUnauthorized):
		h.errorResponse(c, http.StatusUnauthorized, "Authentication required")
	case errors.Is(err, service.ErrAliasTaken):
		h.errorResponse(c, http.StatusConflict, "Custom alias already exists")
	case errors.Is(err, repository.ErrStoreUnavailable):
		h.logger.ErrorContext(c.Request.Context(), "store unavailable",
			slog.String("op", op),
			slog.String("error", err.Error()))
		h.errorResponse(c, http.StatusServiceUnavailable, "Storage unavailable")
	default:
		h.logger.ErrorContext(c.Request.Context(), "unexpected error",
			slog.String("op", op),
			slog.String("error", err.Error()))
		h.errorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}

// errorResponse sends a standardized JSON error response.
func (h *Handler) errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, model.ErrorResponse{
		Error:   http.StatusText(status), // e.g., "Bad Request", "Not Found"
		Message: message,
	})
}

func (h *Handler) shortURL(code string) string {
	return h.opts.BaseURL + "/" + code
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
