// Package api wires every HTTP route onto a fiber.App, translating
// requests into calls against the auth, metadata/blob store, publish,
// upstream, webhook, rate limit, and IP allowlist packages.
package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gsmlg-opt/repub-sub000/internal/auth"
	"github.com/gsmlg-opt/repub-sub000/internal/blobstore"
	"github.com/gsmlg-opt/repub-sub000/internal/cache"
	"github.com/gsmlg-opt/repub-sub000/internal/config"
	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
	"github.com/gsmlg-opt/repub-sub000/internal/ipallow"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
	"github.com/gsmlg-opt/repub-sub000/internal/metrics"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
	"github.com/gsmlg-opt/repub-sub000/internal/publish"
	"github.com/gsmlg-opt/repub-sub000/internal/ratelimit"
	"github.com/gsmlg-opt/repub-sub000/internal/upstream"
	"github.com/gsmlg-opt/repub-sub000/internal/webhook"
)

// Deps bundles every collaborator a handler group needs. Built once in
// cmd/repubd and passed to New.
type Deps struct {
	Config      *config.Config
	Store       metadatastore.Store
	HostedBlobs blobstore.Store
	CacheBlobs  blobstore.Store
	Auth        *auth.Service
	RSA         *auth.PasswordTransport
	Publish     *publish.Manager
	Finalizer   *publish.Finalizer
	Upstream    *upstream.Client
	Proxy       *upstream.Proxy
	Webhooks    *webhook.Service
	InfoCache   *cache.PackageInfoCache
	RateLimiter *ratelimit.Limiter
	Metrics     *metrics.Registry
	Logger      mlog.Logger
	AdminRules  []ipallow.Rule
}

// New builds the fiber app with every middleware and route group mounted.
func New(d *Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return httpkit.WithError(c, err)
		},
		DisableStartupMessage: true,
	})

	app.Use(httpkit.WithCorrelationID())
	app.Use(httpkit.WithVersionHeaders(d.Config.Version, d.Config.GitHash))
	app.Use(httpkit.WithCORS(d.Config.CORSAllowedOrigins))

	app.Use(ratelimit.Middleware(d.RateLimiter, ratelimit.Config{
		Max:           d.Config.RateLimitRequests,
		Window:        d.Config.RateLimitWindowSeconds,
		ExcludedPaths: ratelimit.DefaultExcludedPaths(),
		KeyFunc:       ratelimit.DefaultKeyFunc,
	}))

	app.Use(ipallow.Middleware("/admin", d.AdminRules, httpkit.ClientIP))

	app.Get("/health", healthHandler(d))
	app.Get("/health/detailed", healthDetailedHandler(d))
	app.Get("/metrics", d.Metrics.Handler())
	app.Get("/api/version", versionHandler(d))
	app.Get("/api/public-key", publicKeyHandler(d))

	app.Use(d.Auth.Middleware())

	registerPackageRoutes(app, d)
	registerPublishRoutes(app, d)
	registerAuthRoutes(app, d)
	registerTokenRoutes(app, d)
	registerAdminRoutes(app, d)

	return app
}
