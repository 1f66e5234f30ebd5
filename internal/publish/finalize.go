package publish

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gsmlg-opt/repub-sub000/internal/blobstore"
	"github.com/gsmlg-opt/repub-sub000/internal/cache"
	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
)

// Notifier is the narrow webhook-fan-out surface finalize needs; satisfied
// by *webhook.Service.
type Notifier interface {
	Publish(ctx context.Context, event string, data any)
}

// Finalizer runs step READY->COMPLETED of the pipeline: archive
// validation, ownership/scope checks, and the atomic
// blob-then-metadata commit.
type Finalizer struct {
	manager   *Manager
	store     metadatastore.Store
	blobs     blobstore.Store
	hooks     Notifier
	infoCache *cache.PackageInfoCache
	logger    mlog.Logger
}

func NewFinalizer(manager *Manager, store metadatastore.Store, blobs blobstore.Store, hooks Notifier, infoCache *cache.PackageInfoCache, logger mlog.Logger) *Finalizer {
	return &Finalizer{manager: manager, store: store, blobs: blobs, hooks: hooks, infoCache: infoCache, logger: logger}
}

// Caller identifies who is finalizing: an authenticated token, or nobody
// (anonymous finalize, permitted only when the package is new and no
// scope is configured to require one).
type Caller struct {
	Token       *domain.Token
	UserID      string
	HasToken    bool
	PublisherIP *string
}

// Finalize runs the full READY->COMPLETED/INVALID validation and commit
// sequence for session id, returning the persisted version on success.
func (f *Finalizer) Finalize(ctx context.Context, id string, caller Caller) (*domain.PackageVersion, error) {
	s, err := f.manager.beginFinalize(id)
	if err != nil {
		return nil, err
	}

	version, finalErr := f.runValidatedCommit(ctx, s, caller)
	if finalErr != nil {
		f.manager.resolve(id, StateInvalid)
		return nil, finalErr
	}

	f.manager.resolve(id, StateCompleted)
	return version, nil
}

func (f *Finalizer) runValidatedCommit(ctx context.Context, s *session, caller Caller) (*domain.PackageVersion, error) {
	ext, err := extractAndValidate(s.bytes)
	if err != nil {
		return nil, err
	}

	if err := f.checkScopeAndOwnership(ctx, ext.Name, caller); err != nil {
		return nil, err
	}

	if existing, err := f.store.GetPackageVersion(ctx, ext.Name, ext.Version); err == nil && existing != nil {
		return nil, newPublishError("version_exists", "this package version has already been published")
	}

	key := blobstore.ArchiveKey(ext.Name, ext.Version, ext.SHA256Hex)
	if err := f.blobs.Put(ctx, key, bytes.NewReader(s.bytes), int64(len(s.bytes)), ext.SHA256Hex); err != nil {
		return nil, newPublishError("storage_error", "storing archive: "+err.Error())
	}

	ownerID := caller.UserID
	if ownerID == "" {
		ownerID = domain.AnonymousUserID
	}

	pv := domain.PackageVersion{
		Package:       ext.Name,
		Version:       ext.Version,
		Manifest:      ext.ManifestYAML,
		ArchiveKey:    key,
		ArchiveSHA256: ext.SHA256Hex,
		PublishedAt:   time.Now().UTC(),
	}

	if err := f.store.UpsertPackageVersion(ctx, ownerID, false, pv); err != nil {
		return nil, err
	}
	if f.infoCache != nil {
		f.infoCache.Invalidate(ctx, ext.Name)
	}

	go f.fireAndForget(ext.Name, ext.Version, ownerID, caller.PublisherIP)

	return &pv, nil
}

// checkScopeAndOwnership implements steps 4-5 of finalize: a present
// token must carry publish:all, admin, or publish:pkg:<name>; and if the
// package already exists, its owner (or an admin/publish:all token) must
// match the caller.
func (f *Finalizer) checkScopeAndOwnership(ctx context.Context, name string, caller Caller) error {
	if caller.HasToken {
		if caller.Token == nil || !caller.Token.CanPublish(name) {
			return newPublishError("auth_forbidden", "token lacks permission to publish this package")
		}
	}

	existing, err := f.store.GetPackage(ctx, name)
	if err != nil {
		if se, ok := err.(*domain.StorageError); ok && se.Kind == domain.NotFound {
			return nil
		}
		return err
	}
	if existing == nil {
		return nil
	}

	if caller.Token != nil {
		for _, sc := range caller.Token.Scopes {
			if sc == domain.ScopeAdmin || sc == domain.ScopePublishAll {
				return nil
			}
		}
	}
	if existing.OwnerID != caller.UserID {
		return newPublishError("auth_forbidden", "you do not own this package")
	}
	return nil
}

func (f *Finalizer) fireAndForget(name, version, ownerID string, ip *string) {
	ctx := context.Background()

	if err := f.store.RecordActivity(ctx, domain.ActivityLog{
		ID:           uuid.NewString(),
		ActivityType: "package.published",
		ActorType:    "user",
		ActorID:      &ownerID,
		TargetType:   strPtr("package"),
		TargetID:     &name,
		Metadata:     map[string]any{"version": version},
		IP:           ip,
		At:           time.Now().UTC(),
	}); err != nil {
		f.logger.Errorf("recording publish activity for %s %s: %v", name, version, err)
	}

	if f.hooks != nil {
		f.hooks.Publish(ctx, "package.published", map[string]any{
			"package": name,
			"version": version,
		})
	}
}

func strPtr(s string) *string { return &s }
