// Package cache is a read-through Redis cache sitting in front of the
// metadata store's package lookups. Grounded on common/mredis/redis.go's
// RedisConnection (Connect/GetDB, ParseURL, ping-on-connect). It is not a
// metadata-store backend — every store implementation remains the
// source of truth; this package only shortens repeat lookups and is
// invalidated on every mutation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
)

// Connection mirrors mredis.RedisConnection's lazy-connect shape.
type Connection struct {
	URL    string
	Logger mlog.Logger
	client *redis.Client
}

func (c *Connection) Connect(ctx context.Context) error {
	c.Logger.Info("connecting to redis...")

	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	c.Logger.Info("connected to redis")
	c.client = client
	return nil
}

func (c *Connection) GetClient(ctx context.Context) (*redis.Client, error) {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return c.client, nil
}

func (c *Connection) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

const defaultTTL = 30 * time.Second

func packageInfoKey(name string) string { return "repub:pkginfo:" + name }

// PackageInfoCache wraps a Connection with the typed get/set/invalidate
// operations the router's read path needs.
type PackageInfoCache struct {
	conn *Connection
}

func NewPackageInfoCache(conn *Connection) *PackageInfoCache {
	return &PackageInfoCache{conn: conn}
}

func (c *PackageInfoCache) Get(ctx context.Context, name string) (*domain.PackageInfo, bool) {
	client, err := c.conn.GetClient(ctx)
	if err != nil {
		return nil, false
	}

	raw, err := client.Get(ctx, packageInfoKey(name)).Bytes()
	if err != nil {
		return nil, false
	}

	var info domain.PackageInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, false
	}
	return &info, true
}

func (c *PackageInfoCache) Set(ctx context.Context, name string, info *domain.PackageInfo) {
	client, err := c.conn.GetClient(ctx)
	if err != nil {
		return
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}

	_ = client.Set(ctx, packageInfoKey(name), data, defaultTTL).Err()
}

// Invalidate drops the cached entry for name; called on every write path
// that mutates a package or its versions.
func (c *PackageInfoCache) Invalidate(ctx context.Context, name string) {
	client, err := c.conn.GetClient(ctx)
	if err != nil {
		return
	}
	_ = client.Del(ctx, packageInfoKey(name)).Err()
}
