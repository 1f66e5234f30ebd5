package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
)

func newTestCache(t *testing.T) *PackageInfoCache {
	t.Helper()
	server := miniredis.RunT(t)

	conn := &Connection{URL: "redis://" + server.Addr(), Logger: &mlog.NoneLogger{}}
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { conn.Close() })

	return NewPackageInfoCache(conn)
}

func TestPackageInfoCache_SetGetInvalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "sample_pkg")
	require.False(t, ok)

	info := &domain.PackageInfo{Package: domain.Package{Name: "sample_pkg"}}
	c.Set(ctx, "sample_pkg", info)

	got, ok := c.Get(ctx, "sample_pkg")
	require.True(t, ok)
	require.Equal(t, "sample_pkg", got.Name)

	c.Invalidate(ctx, "sample_pkg")
	_, ok = c.Get(ctx, "sample_pkg")
	require.False(t, ok)
}
