package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/model"
	"github.com/zhejian/url-shortener/internal/service"
)

// The /api/cache routes expose the cache directly to internal callers.
// Unlike the redirect path, a failing backend is reported as 503 here.

// getCacheEntry handles GET /api/cache/:code
// Reading an entry does not count as a visit.
// Response codes:
//   - 200 OK: {url, visits}; visits is null when no counter exists
//   - 404 Not Found: No entry
//   - 503 Service Unavailable: Cache backend down
func (h *Handler) getCacheEntry(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	target, err := h.cache.Get(ctx, code)
	if err != nil {
		h.cacheError(c, err, code)
		return
	}

	resp := model.CacheEntryResponse{URL: target}
	visits, err := h.cache.GetVisits(ctx, code)
	switch {
	case err == nil:
		resp.Visits = &visits
	case !errors.Is(err, cache.ErrMiss):
		h.logger.WarnContext(ctx, "failed to read visit counter",
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	c.JSON(http.StatusOK, resp)
}

// setCacheEntry handles POST /api/cache
// Request body: CacheEntryRequest (JSON)
// Response codes:
//   - 200 OK: Entry written
//   - 400 Bad Request: Invalid code or URL
//   - 503 Service Unavailable: Cache backend down
func (h *Handler) setCacheEntry(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.CacheEntryRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !service.IsBase62(req.Code) {
		h.errorResponse(c, http.StatusBadRequest, "code must contain only letters and digits")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || !u.IsAbs() || u.Host == "" {
		h.errorResponse(c, http.StatusBadRequest, "url must be an absolute URL")
		return
	}

	if err := h.cache.Set(ctx, req.Code, req.URL, h.opts.DirectCacheTTL); err != nil {
		h.cacheError(c, err, req.Code)
		return
	}
	c.Status(http.StatusOK)
}

// deleteCacheEntry handles DELETE /api/cache/:code
// Response codes:
//   - 200 OK: Entry removed
//   - 404 Not Found: No entry
//   - 503 Service Unavailable: Cache backend down
func (h *Handler) deleteCacheEntry(c *gin.Context) {
	code := c.Param("code")

	deleted, err := h.cache.Delete(c.Request.Context(), code)
	if err != nil {
		h.cacheError(c, err, code)
		return
	}
	if !deleted {
		h.errorResponse(c, http.StatusNotFound, "Cache entry not found")
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) cacheError(c *gin.Context, err error, code string) {
	if errors.Is(err, cache.ErrMiss) {
		h.errorResponse(c, http.StatusNotFound, "Cache entry not found")
		return
	}
	h.logger.ErrorContext(c.Request.Context(), "cache unavailable",
		slog.String("code", code),
		slog.String("error", err.Error()))
	h.errorResponse(c, http.StatusServiceUnavailable, "Cache unavailable")
}
