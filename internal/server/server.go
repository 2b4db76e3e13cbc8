package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zhejian/url-shortener/internal/api"
	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/config"
	"github.com/zhejian/url-shortener/internal/events"
	"github.com/zhejian/url-shortener/internal/middleware"
	"github.com/zhejian/url-shortener/internal/observability"
	"github.com/zhejian/url-shortener/internal/repository"
	"github.com/zhejian/url-shortener/internal/service"
	"github.com/zhejian/url-shortener/internal/worker"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Dependencies are the backends the application runs on.
type Dependencies struct {
	Store repository.LinkStore
	Cache cache.Cache
	Bus   events.Bus
}

// App is the wired application: the HTTP router plus the pieces whose
// lifetime the caller manages.
type App struct {
	Router    *gin.Engine
	Redirects *service.RedirectService
	Worker    *worker.CacheSyncWorker
}

// NewApp initializes all services on top of deps and returns the router and
// the background components.
func NewApp(cfg *config.Config, deps Dependencies, obs *observability.Observability) *App {
	logger := obs.Logger

	generator := service.NewShortCodeGenerator(cfg.App.ShortCodeLen, cfg.App.ShortCodeRetries)
	shortener := service.NewShortenService(deps.Store, generator, deps.Bus, obs.Metrics, logger, service.ShortenOptions{
		DefaultExpirationDays: cfg.App.DefaultExpirationDays,
		MaxExpirationDays:     cfg.App.MaxExpirationDays,
		MinAliasLen:           cfg.App.MinAliasLen,
		MaxAliasLen:           cfg.App.MaxAliasLen,
		PublishTimeout:        cfg.Broker.PublishTimeout,
	})
	redirects := service.NewRedirectService(deps.Store, deps.Cache, deps.Bus, obs.Metrics, logger, service.RedirectOptions{
		CacheTTL:          cfg.Cache.EntryTTL,
		SideEffectTimeout: cfg.App.SideEffectTimeout,
	})
	links := service.NewLinkService(deps.Store, deps.Cache, obs.Metrics, logger)

	handler := api.NewHandler(
		api.Services{Shortener: shortener, Resolver: redirects, Links: links},
		deps.Cache,
		map[string]api.Pinger{
			"database": deps.Store,
			"cache":    deps.Cache,
			"broker":   deps.Bus,
		},
		api.Options{BaseURL: cfg.App.BaseURL, DirectCacheTTL: cfg.Cache.DirectTTL},
		logger,
	)

	router := NewRouter(cfg, handler, obs)
	shortener.ReserveAliases(api.StaticSegments(router)...)

	return &App{
		Router:    router,
		Redirects: redirects,
		Worker:    worker.NewCacheSyncWorker(deps.Bus, deps.Cache, cfg.Cache.EntryTTL, obs.Metrics, logger),
	}
}

// NewRouter builds the Gin engine with middleware in order: recovery,
// tracing, request logging, principal extraction.
func NewRouter(cfg *config.Config, handler *api.Handler, obs *observability.Observability) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.Observability.ServiceName))
	r.Use(middleware.Logging(obs.Logger))
	r.Use(middleware.Principal([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer))

	if obs.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(obs.MetricsHandler))
	}
	handler.RegisterRoutes(r)
	return r
}

// NewServer returns an HTTP server for handler with the configured address
// and timeouts.
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
