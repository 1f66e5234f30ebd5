package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/gsmlg-opt/repub-sub000/internal/blobstore"
	"github.com/gsmlg-opt/repub-sub000/internal/cache"
	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
)

// Proxy implements the read-through caching policy in front of the
// configured upstream registry: metadata lookup first, then the
// appropriate blob namespace, falling through to upstream on miss.
type Proxy struct {
	client       *Client
	store        metadatastore.Store
	hostedBlobs  blobstore.Store
	cacheBlobs   blobstore.Store
	infoCache    *cache.PackageInfoCache
	logger       mlog.Logger
}

func NewProxy(client *Client, store metadatastore.Store, hostedBlobs, cacheBlobs blobstore.Store, infoCache *cache.PackageInfoCache, logger mlog.Logger) *Proxy {
	return &Proxy{
		client:      client,
		store:       store,
		hostedBlobs: hostedBlobs,
		cacheBlobs:  cacheBlobs,
		infoCache:   infoCache,
		logger:      logger,
	}
}

// GetPackageInfo reads the Redis-fronted metadata store, falling through
// to upstream when the package isn't known locally. The fall-through
// result is not persisted; metadata rows are written only when
// DownloadArchive caches an archive.
func (p *Proxy) GetPackageInfo(ctx context.Context, name string) (*domain.PackageInfo, bool, error) {
	if p.infoCache != nil {
		if info, ok := p.infoCache.Get(ctx, name); ok {
			return info, false, nil
		}
	}

	info, err := p.store.GetPackageInfo(ctx, name)
	if err == nil && info != nil {
		if p.infoCache != nil {
			p.infoCache.Set(ctx, name, info)
		}
		return info, false, nil
	}
	if se, ok := err.(*domain.StorageError); !ok || se.Kind != domain.NotFound {
		if err != nil {
			return nil, false, err
		}
	}

	if !p.client.Enabled {
		return nil, false, nil
	}

	remote, err := p.client.GetPackage(ctx, name)
	if err != nil || remote == nil {
		return nil, false, nil
	}

	return p.materializeFallThrough(ctx, remote)
}

// materializeFallThrough is used by GET /api/packages/<name> when a local
// row is absent: it builds an in-memory upstream-cache PackageInfo from
// the remote response without writing anything to the store or fetching
// archive bytes (those are pulled, and the row inserted, by DownloadArchive
// on first actual download).
func (p *Proxy) materializeFallThrough(ctx context.Context, remote *PackageInfo) (*domain.PackageInfo, bool, error) {
	info := &domain.PackageInfo{
		Package: domain.Package{
			Name:            remote.Name,
			OwnerID:         domain.AnonymousUserID,
			IsUpstreamCache: true,
			CreatedAt:       time.Now().UTC(),
			UpdatedAt:       time.Now().UTC(),
		},
	}
	for _, v := range remote.Versions {
		info.Versions = append(info.Versions, domain.PackageVersion{
			Package: remote.Name,
			Version: v.Version,
		})
	}
	if remote.Latest != nil {
		info.Latest = &domain.PackageVersion{Package: remote.Name, Version: remote.Latest.Version}
	}
	return info, true, nil
}

// DownloadArchive implements the read-through download path: local
// metadata + blob first, then upstream fetch-and-cache, then 404.
func (p *Proxy) DownloadArchive(ctx context.Context, name, version, clientIP string) (io.ReadCloser, bool, error) {
	pv, err := p.store.GetPackageVersion(ctx, name, version)
	if err == nil && pv != nil {
		store := p.blobStoreFor(ctx, name)
		rc, err := store.Get(ctx, pv.ArchiveKey)
		if err != nil {
			return nil, false, err
		}
		p.recordDownload(ctx, name, version, clientIP)
		return rc, false, nil
	}

	if !p.client.Enabled {
		return nil, false, nil
	}

	remoteVersion, err := p.client.GetVersion(ctx, name, version)
	if err != nil || remoteVersion == nil {
		return nil, false, nil
	}

	data, err := p.client.DownloadArchive(ctx, remoteVersion.ArchiveURL)
	if err != nil {
		p.logger.Errorf("fetching upstream archive %s %s: %v", name, version, err)
		return nil, false, nil
	}

	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])
	key := blobstore.ArchiveKey(name, version, shaHex)

	if err := p.cacheBlobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), shaHex); err != nil {
		p.logger.Errorf("caching upstream archive %s %s: %v", name, version, err)
		// Still serve the freshly fetched bytes even if the cache write failed.
		p.recordDownload(ctx, name, version, clientIP)
		return io.NopCloser(bytes.NewReader(data)), true, nil
	}

	if err := p.store.UpsertPackageVersion(ctx, domain.AnonymousUserID, true, domain.PackageVersion{
		Package:       name,
		Version:       version,
		ArchiveKey:    key,
		ArchiveSHA256: shaHex,
		PublishedAt:   time.Now().UTC(),
	}); err != nil {
		p.logger.Errorf("inserting upstream-cache metadata row for %s %s: %v", name, version, err)
	}
	if p.infoCache != nil {
		p.infoCache.Invalidate(ctx, name)
	}

	p.recordDownload(ctx, name, version, clientIP)
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

func (p *Proxy) blobStoreFor(ctx context.Context, name string) blobstore.Store {
	pkg, err := p.store.GetPackage(ctx, name)
	if err == nil && pkg != nil && pkg.IsUpstreamCache {
		return p.cacheBlobs
	}
	return p.hostedBlobs
}

func (p *Proxy) recordDownload(ctx context.Context, name, version, clientIP string) {
	var ip *string
	if clientIP != "" {
		ip = &clientIP
	}
	if err := p.store.RecordDownload(ctx, domain.Download{
		Package: name,
		Version: version,
		IP:      ip,
		At:      time.Now().UTC(),
	}); err != nil {
		p.logger.Errorf("recording download for %s %s: %v", name, version, err)
	}
}

// ClearCache deletes every upstream-cache package and its blobs in the
// cache namespace. A blob deletion failure is logged, not fatal: the
// metadata row is already gone, and a dangling cache-namespace object is
// cleaned up again the next time a fresh fetch overwrites its key.
func (p *Proxy) ClearCache(ctx context.Context) (int, error) {
	n, archiveKeys, err := p.store.ClearUpstreamCache(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range archiveKeys {
		if err := p.cacheBlobs.Delete(ctx, key); err != nil {
			p.logger.Errorf("deleting cached archive %s: %v", key, err)
		}
	}
	return n, nil
}

