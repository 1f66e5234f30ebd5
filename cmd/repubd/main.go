// Command repubd is the package registry server: it wires configuration,
// the metadata and blob stores, authentication, the publish pipeline, the
// upstream caching proxy, webhook delivery, and the HTTP API together and
// runs until signaled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gsmlg-opt/repub-sub000/internal/api"
	"github.com/gsmlg-opt/repub-sub000/internal/auth"
	"github.com/gsmlg-opt/repub-sub000/internal/blobstore"
	"github.com/gsmlg-opt/repub-sub000/internal/blobstore/localstore"
	"github.com/gsmlg-opt/repub-sub000/internal/blobstore/s3store"
	"github.com/gsmlg-opt/repub-sub000/internal/cache"
	"github.com/gsmlg-opt/repub-sub000/internal/config"
	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/ipallow"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
	"github.com/gsmlg-opt/repub-sub000/internal/metrics"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
	"github.com/gsmlg-opt/repub-sub000/internal/mzap"
	"github.com/gsmlg-opt/repub-sub000/internal/publish"
	"github.com/gsmlg-opt/repub-sub000/internal/ratelimit"
	"github.com/gsmlg-opt/repub-sub000/internal/server"
	"github.com/gsmlg-opt/repub-sub000/internal/upstream"
	"github.com/gsmlg-opt/repub-sub000/internal/webhook"
)

// defaultAdminPassword is rotated on first login; must_change_password
// blocks every other admin endpoint until it is.
const defaultAdminPassword = "ChangeMe123"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	level, err := mlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = mlog.InfoLevel
	}
	logger, err := mzap.New(level, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	store, err := metadatastore.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatalf("connecting metadata store: %v", err)
	}

	hostedBlobs, cacheBlobs, err := buildBlobStores(ctx, cfg)
	if err != nil {
		logger.Fatalf("building blob stores: %v", err)
	}

	if err := bootstrapAdmin(ctx, store, logger); err != nil {
		logger.Fatalf("bootstrapping admin user: %v", err)
	}

	var infoCache *cache.PackageInfoCache
	var redisConn *cache.Connection
	if cfg.RedisURL != "" {
		redisConn = &cache.Connection{URL: cfg.RedisURL, Logger: logger}
		if err := redisConn.Connect(ctx); err != nil {
			logger.Warnf("connecting to redis, proceeding without package-info cache: %v", err)
			redisConn = nil
		} else {
			infoCache = cache.NewPackageInfoCache(redisConn)
		}
	}

	authService := auth.NewService(store)
	rsaTransport, err := auth.NewPasswordTransport()
	if err != nil {
		logger.Fatalf("generating RSA password transport keypair: %v", err)
	}

	webhooks := webhook.NewService(store, logger, cfg.RabbitMQURL)
	webhookStop := make(chan struct{})
	if err := webhooks.Start(ctx, webhookStop); err != nil {
		logger.Fatalf("starting webhook delivery service: %v", err)
	}

	publishManager := publish.NewManager().WithMaxUploadBytes(cfg.MaxUploadSizeBytes)
	finalizer := publish.NewFinalizer(publishManager, store, hostedBlobs, webhooks, infoCache, logger)

	upstreamClient := upstream.New(cfg.UpstreamURL, cfg.EnableUpstreamProxy)
	proxy := upstream.NewProxy(upstreamClient, store, hostedBlobs, cacheBlobs, infoCache, logger)

	rateLimiter := ratelimit.New()
	metricsRegistry := metrics.New()
	metricsRegistry.Up.Set(1)

	deps := &api.Deps{
		Config:      cfg,
		Store:       store,
		HostedBlobs: hostedBlobs,
		CacheBlobs:  cacheBlobs,
		Auth:        authService,
		RSA:         rsaTransport,
		Publish:     publishManager,
		Finalizer:   finalizer,
		Upstream:    upstreamClient,
		Proxy:       proxy,
		Webhooks:    webhooks,
		InfoCache:   infoCache,
		RateLimiter: rateLimiter,
		Metrics:     metricsRegistry,
		Logger:      logger,
		AdminRules:  ipallow.ParseRules(cfg.AdminIPWhitelist),
	}
	app := api.New(deps)

	addr := cfg.ListenAddr + ":" + cfg.ListenPort
	mgr := server.New(app, addr, logger).
		WithBackground(server.Background{
			Name:     "publish-session-reaper",
			Interval: 10 * time.Minute,
			Run:      func() { publishManager.Reap() },
		}).
		WithBackground(server.Background{
			Name:     "rate-limit-reaper",
			Interval: 5 * time.Minute,
			Run:      func() { rateLimiter.Reap(cfg.RateLimitWindowSeconds) },
		}).
		WithCloser(server.Closer{Name: "metadata-store", Close: store.Close}).
		WithCloser(server.Closer{Name: "webhook-service", Close: webhooks.Close}).
		WithCloser(server.Closer{Name: "upstream-client", Close: upstreamClient.Close})

	if redisConn != nil {
		mgr = mgr.WithCloser(server.Closer{Name: "redis-connection", Close: redisConn.Close})
	}

	logger.Infof("repub listening on %s", addr)
	if err := mgr.Run(ctx); err != nil {
		close(webhookStop)
		logger.Fatalf("server exited with error: %v", err)
	}
	close(webhookStop)
}

func buildBlobStores(ctx context.Context, cfg *config.Config) (hosted, cached blobstore.Store, err error) {
	if cfg.ObjectStoreEndpoint == "" && cfg.ObjectStoreBucket == "" {
		hosted = localstore.New(cfg.StoragePath + "/hosted")
		cached = localstore.New(cfg.StoragePath + "/cache")
		return hosted, cached, nil
	}

	hostedStore, err := s3store.New(ctx, s3store.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		Region:    cfg.ObjectStoreRegion,
		Bucket:    cfg.ObjectStoreBucket,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building hosted object store: %w", err)
	}

	cacheStore, err := s3store.New(ctx, s3store.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		Region:    cfg.ObjectStoreRegion,
		Bucket:    cfg.CacheObjectStoreBucket,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building cache object store: %w", err)
	}

	return hostedStore, cacheStore, nil
}

// bootstrapAdmin creates the default "admin" account on first start, per
// the admin default bootstrap rule: known default credentials, forced
// rotation before any other admin endpoint is usable.
func bootstrapAdmin(ctx context.Context, store metadatastore.Store, logger mlog.Logger) error {
	existing, err := store.GetAdminByUsername(ctx, "admin")
	if err == nil && existing != nil {
		return nil
	}
	if err != nil {
		var se *domain.StorageError
		if !errors.As(err, &se) || se.Kind != domain.NotFound {
			return err
		}
	}

	hash, err := auth.HashPassword(defaultAdminPassword)
	if err != nil {
		return err
	}

	admin := domain.AdminUser{
		ID:                 uuid.NewString(),
		Username:           "admin",
		PasswordHash:       hash,
		IsActive:           true,
		MustChangePassword: true,
	}
	if err := store.CreateAdmin(ctx, admin); err != nil {
		return err
	}

	logger.Warnf("bootstrapped default admin account %q with a known default password; log in and change it immediately", admin.Username)
	return nil
}
