// Package boltstore is the embedded, single-file metadata store backend,
// grounded on bbolt's genuine use in netresearch-ldap-manager and
// evalgo-org-eve. One bucket per entity, JSON-encoded values, a migrations
// bucket recording applied step ids — the same "declarative migration
// runner" contract the networked backend (pgstore) satisfies.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
	bolt "go.etcd.io/bbolt"
)

var buckets = []string{
	"packages", "versions", "users", "user_sessions", "admins", "admin_sessions",
	"admin_login_audit", "tokens", "webhooks", "deliveries", "downloads",
	"activity", "site_config", "migrations",
}

// Store is the bbolt-backed metadatastore.Store implementation.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the single bbolt file at path and ensures
// every bucket exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) bool {
	data := b.Get([]byte(key))
	if data == nil {
		return false
	}
	_ = json.Unmarshal(data, v)
	return true
}

// versionKey is the composite key used in the "versions" bucket.
func versionKey(pkg, version string) string { return pkg + "\x00" + version }

// RunMigrations applies idempotent schema steps recorded in the migrations
// bucket. For bbolt there is no DDL; a "migration" here seeds well-known
// SiteConfig rows exactly once, the same idempotent-and-ordered contract
// the relational backend's migrate.Migrate runner provides.
func (s *Store) RunMigrations(ctx context.Context) error {
	steps := []struct {
		id   string
		run  func(tx *bolt.Tx) error
	}{
		{"0001_seed_admin_notification_email", func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte("site_config"))
			return putJSON(b, domain.AdminNotificationEmailConfigName, domain.SiteConfig{
				Name:      domain.AdminNotificationEmailConfigName,
				Value:     "",
				ValueType: domain.SiteConfigString,
				UpdatedAt: time.Now().UTC(),
			})
		}},
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket([]byte("migrations"))
		for _, step := range steps {
			if mb.Get([]byte(step.id)) != nil {
				continue
			}
			if err := step.run(tx); err != nil {
				return fmt.Errorf("migration %s: %w", step.id, err)
			}
			if err := mb.Put([]byte(step.id), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) HealthCheck(ctx context.Context) (metadatastore.HealthStatus, error) {
	start := time.Now()
	stat, err := os.Stat(s.db.Path())
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return metadatastore.HealthStatus{Status: "down", Type: "bolt", LatencyMS: latency}, nil
	}
	size := stat.Size()
	return metadatastore.HealthStatus{Status: "ok", Type: "bolt", LatencyMS: latency, DBSizeBytes: &size}, nil
}

// --- Packages -----------------------------------------------------------

func (s *Store) ListPackages(ctx context.Context, filter metadatastore.PackageFilter, page, limit int) ([]domain.PackageInfo, error) {
	var all []domain.PackageInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket([]byte("packages"))
		return pb.ForEach(func(k, _ []byte) error {
			var pkg domain.Package
			getJSON(pb, string(k), &pkg)
			if filter.OwnerID != "" && pkg.OwnerID != filter.OwnerID {
				return nil
			}
			if filter.IsUpstreamCache != nil && pkg.IsUpstreamCache != *filter.IsUpstreamCache {
				return nil
			}
			if filter.IsDiscontinued != nil && pkg.IsDiscontinued != *filter.IsDiscontinued {
				return nil
			}
			info := s.packageInfoLocked(tx, pkg)
			all = append(all, info)
			return nil
		})
	})
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "list packages failed", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return paginate(all, page, limit), nil
}

func (s *Store) SearchPackages(ctx context.Context, query string, page, limit int) ([]domain.PackageInfo, error) {
	all, err := s.ListPackages(ctx, metadatastore.PackageFilter{}, 1, 10000)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(query)
	var matched []domain.PackageInfo
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Name), query) {
			matched = append(matched, p)
		}
	}
	return paginate(matched, page, limit), nil
}

func paginate[T any](items []T, page, limit int) []T {
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *Store) GetPackage(ctx context.Context, name string) (*domain.Package, error) {
	var pkg domain.Package
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = getJSON(tx.Bucket([]byte("packages")), name, &pkg)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "package not found")
	}
	return &pkg, nil
}

func (s *Store) packageInfoLocked(tx *bolt.Tx, pkg domain.Package) domain.PackageInfo {
	vb := tx.Bucket([]byte("versions"))
	prefix := []byte(pkg.Name + "\x00")
	c := vb.Cursor()

	var versions []domain.PackageVersion
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var pv domain.PackageVersion
		_ = json.Unmarshal(v, &pv)
		versions = append(versions, pv)
	}

	info := domain.PackageInfo{Package: pkg, Versions: versions}
	info.Latest = latestVersion(versions)
	return info
}

// latestVersion implements invariant 7: highest non-retracted semver, or
// the highest retracted one if all are retracted.
func latestVersion(versions []domain.PackageVersion) *domain.PackageVersion {
	if len(versions) == 0 {
		return nil
	}
	sorted := append([]domain.PackageVersion{}, versions...)
	sort.Slice(sorted, func(i, j int) bool { return semverLess(sorted[i].Version, sorted[j].Version) })

	for i := len(sorted) - 1; i >= 0; i-- {
		if !sorted[i].IsRetracted {
			v := sorted[i]
			return &v
		}
	}
	v := sorted[len(sorted)-1]
	return &v
}

func (s *Store) GetPackageInfo(ctx context.Context, name string) (*domain.PackageInfo, error) {
	var info domain.PackageInfo
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		var pkg domain.Package
		if !getJSON(tx.Bucket([]byte("packages")), name, &pkg) {
			return nil
		}
		found = true
		info = s.packageInfoLocked(tx, pkg)
		return nil
	})
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "get package info failed", err)
	}
	if !found {
		return nil, domain.NewNotFound("not_found", "package not found")
	}
	return &info, nil
}

func (s *Store) GetPackageVersion(ctx context.Context, name, version string) (*domain.PackageVersion, error) {
	var pv domain.PackageVersion
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = getJSON(tx.Bucket([]byte("versions")), versionKey(name, version), &pv)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "version not found")
	}
	return &pv, nil
}

func (s *Store) UpsertPackageVersion(ctx context.Context, ownerID string, isUpstreamCache bool, v domain.PackageVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket([]byte("packages"))
		vb := tx.Bucket([]byte("versions"))

		vk := versionKey(v.Package, v.Version)
		if vb.Get([]byte(vk)) != nil {
			return domain.NewConflict("version_exists", "package version already exists")
		}

		var pkg domain.Package
		now := time.Now().UTC()
		if !getJSON(pb, v.Package, &pkg) {
			pkg = domain.Package{
				Name:            v.Package,
				OwnerID:         ownerID,
				IsUpstreamCache: isUpstreamCache,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
		} else {
			pkg.UpdatedAt = now
		}
		if err := putJSON(pb, pkg.Name, pkg); err != nil {
			return err
		}

		if v.PublishedAt.IsZero() {
			v.PublishedAt = now
		}
		return putJSON(vb, vk, v)
	})
}

func (s *Store) DeletePackage(ctx context.Context, name string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket([]byte("packages"))
		vb := tx.Bucket([]byte("versions"))

		if pb.Get([]byte(name)) == nil {
			return domain.NewNotFound("not_found", "package not found")
		}

		c := vb.Cursor()
		prefix := []byte(name + "\x00")
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := vb.Delete(k); err != nil {
				return err
			}
			count++
		}
		return pb.Delete([]byte(name))
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) DeletePackageVersion(ctx context.Context, name, version string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket([]byte("versions"))
		key := []byte(versionKey(name, version))
		if vb.Get(key) != nil {
			existed = true
		}
		return vb.Delete(key)
	})
	return existed, err
}

func (s *Store) RetractPackageVersion(ctx context.Context, name, version string, message *string) error {
	return s.mutateVersion(name, version, func(pv *domain.PackageVersion) error {
		now := time.Now().UTC()
		pv.IsRetracted = true
		pv.RetractedAt = &now
		pv.RetractionMessage = message
		return nil
	})
}

func (s *Store) UnretractPackageVersion(ctx context.Context, name, version string) error {
	return s.mutateVersion(name, version, func(pv *domain.PackageVersion) error {
		pv.IsRetracted = false
		pv.RetractedAt = nil
		pv.RetractionMessage = nil
		return nil
	})
}

func (s *Store) mutateVersion(name, version string, fn func(*domain.PackageVersion) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket([]byte("versions"))
		key := versionKey(name, version)
		var pv domain.PackageVersion
		if !getJSON(vb, key, &pv) {
			return domain.NewNotFound("not_found", "version not found")
		}
		if err := fn(&pv); err != nil {
			return err
		}
		return putJSON(vb, key, pv)
	})
}

func (s *Store) TransferPackageOwnership(ctx context.Context, name, newOwnerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket([]byte("packages"))
		ub := tx.Bucket([]byte("users"))

		var pkg domain.Package
		if !getJSON(pb, name, &pkg) {
			return domain.NewNotFound("not_found", "package not found")
		}

		if newOwnerID != domain.AnonymousUserID {
			if ub.Get([]byte(newOwnerID)) == nil {
				return domain.NewInvalid("validation_error", "new owner does not exist")
			}
		}

		pkg.OwnerID = newOwnerID
		pkg.UpdatedAt = time.Now().UTC()
		return putJSON(pb, name, pkg)
	})
}

func (s *Store) DiscontinuePackage(ctx context.Context, name string, replacedBy *string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket([]byte("packages"))
		var pkg domain.Package
		if !getJSON(pb, name, &pkg) {
			return domain.NewNotFound("not_found", "package not found")
		}
		pkg.IsDiscontinued = true
		pkg.ReplacedBy = replacedBy
		pkg.UpdatedAt = time.Now().UTC()
		return putJSON(pb, name, pkg)
	})
}

func (s *Store) ClearUpstreamCache(ctx context.Context) (int, []string, error) {
	count := 0
	var archiveKeys []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket([]byte("packages"))
		vb := tx.Bucket([]byte("versions"))

		var toDelete []string
		pb.ForEach(func(k, v []byte) error {
			var pkg domain.Package
			json.Unmarshal(v, &pkg)
			if pkg.IsUpstreamCache {
				toDelete = append(toDelete, pkg.Name)
			}
			return nil
		})

		for _, name := range toDelete {
			c := vb.Cursor()
			prefix := []byte(name + "\x00")
			var keys [][]byte
			for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
				keys = append(keys, append([]byte{}, k...))
			}
			for _, k := range keys {
				var v domain.PackageVersion
				if getJSON(vb, string(k), &v) && v.ArchiveKey != "" {
					archiveKeys = append(archiveKeys, v.ArchiveKey)
				}
				vb.Delete(k)
			}
			pb.Delete([]byte(name))
			count++
		}
		return nil
	})
	return count, archiveKeys, err
}

// semverLess compares two structural semver strings for sort ordering.
// Minimal ordering: numeric major.minor.patch comparison, pre-release
// (anything after '-') sorts below the same release without one.
func semverLess(a, b string) bool {
	pa, preA := splitSemver(a)
	pb, preB := splitSemver(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	if preA == "" && preB == "" {
		return false
	}
	if preA == "" {
		return false
	}
	if preB == "" {
		return true
	}
	return preA < preB
}

func splitSemver(v string) ([3]int, string) {
	var nums [3]int
	core := v
	if idx := strings.IndexAny(v, "-+"); idx != -1 {
		core = v[:idx]
	}
	parts := strings.SplitN(core, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		var n int
		fmt.Sscanf(parts[i], "%d", &n)
		nums[i] = n
	}
	pre := ""
	if idx := strings.Index(v, "-"); idx != -1 {
		pre = v[idx+1:]
	}
	return nums, pre
}

// --- Users ----------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ub := tx.Bucket([]byte("users"))
		if ub.Get([]byte(u.ID)) != nil {
			return domain.NewConflict("conflict", "user already exists")
		}
		if existing := findUserByEmail(ub, u.Email); existing != nil {
			return domain.NewConflict("conflict", "email already registered")
		}
		return putJSON(ub, u.ID, u)
	})
}

func findUserByEmail(ub *bolt.Bucket, email string) *domain.User {
	var found *domain.User
	ub.ForEach(func(k, v []byte) error {
		var u domain.User
		json.Unmarshal(v, &u)
		if strings.EqualFold(u.Email, email) {
			uu := u
			found = &uu
		}
		return nil
	})
	return found
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var result *domain.User
	s.db.View(func(tx *bolt.Tx) error {
		result = findUserByEmail(tx.Bucket([]byte("users")), email)
		return nil
	})
	if result == nil {
		return nil, domain.NewNotFound("not_found", "user not found")
	}
	return result, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = getJSON(tx.Bucket([]byte("users")), id, &u)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "user not found")
	}
	return &u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u domain.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ub := tx.Bucket([]byte("users"))
		if ub.Get([]byte(u.ID)) == nil {
			return domain.NewNotFound("not_found", "user not found")
		}
		return putJSON(ub, u.ID, u)
	})
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ub := tx.Bucket([]byte("users"))
		if ub.Get([]byte(id)) == nil {
			return domain.NewNotFound("not_found", "user not found")
		}
		return ub.Delete([]byte(id))
	})
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	s.db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket([]byte("users")).Stats().KeyN)
		return nil
	})
	return count, nil
}

// --- Sessions ---------------------------------------------------------------

func (s *Store) CreateUserSession(ctx context.Context, sess domain.UserSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte("user_sessions")), sess.SessionID, sess)
	})
}

func (s *Store) GetUserSession(ctx context.Context, id string) (*domain.UserSession, error) {
	var sess domain.UserSession
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = getJSON(tx.Bucket([]byte("user_sessions")), id, &sess)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "session not found")
	}
	return &sess, nil
}

func (s *Store) DeleteUserSession(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("user_sessions")).Delete([]byte(id))
	})
}

func (s *Store) CreateAdminSession(ctx context.Context, sess domain.AdminSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte("admin_sessions")), sess.SessionID, sess)
	})
}

func (s *Store) GetAdminSession(ctx context.Context, id string) (*domain.AdminSession, error) {
	var sess domain.AdminSession
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = getJSON(tx.Bucket([]byte("admin_sessions")), id, &sess)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "admin session not found")
	}
	return &sess, nil
}

func (s *Store) DeleteAdminSession(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("admin_sessions")).Delete([]byte(id))
	})
}

// --- Admin users --------------------------------------------------------

func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*domain.AdminUser, error) {
	var result *domain.AdminUser
	s.db.View(func(tx *bolt.Tx) error {
		ab := tx.Bucket([]byte("admins"))
		ab.ForEach(func(k, v []byte) error {
			var a domain.AdminUser
			json.Unmarshal(v, &a)
			if a.Username == username {
				aa := a
				result = &aa
			}
			return nil
		})
		return nil
	})
	if result == nil {
		return nil, domain.NewNotFound("not_found", "admin not found")
	}
	return result, nil
}

func (s *Store) GetAdminByID(ctx context.Context, id string) (*domain.AdminUser, error) {
	var a domain.AdminUser
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = getJSON(tx.Bucket([]byte("admins")), id, &a)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "admin not found")
	}
	return &a, nil
}

func (s *Store) CreateAdmin(ctx context.Context, a domain.AdminUser) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte("admins")), a.ID, a)
	})
}

func (s *Store) UpdateAdmin(ctx context.Context, a domain.AdminUser) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ab := tx.Bucket([]byte("admins"))
		if ab.Get([]byte(a.ID)) == nil {
			return domain.NewNotFound("not_found", "admin not found")
		}
		return putJSON(ab, a.ID, a)
	})
}

func (s *Store) RecordAdminLoginAudit(ctx context.Context, a domain.AdminLoginAudit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte("admin_login_audit")), a.ID, a)
	})
}

// --- Tokens --------------------------------------------------------------

func tokenKey(userID, label string) string { return userID + "\x00" + label }

func (s *Store) CreateToken(ctx context.Context, t domain.Token) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte("tokens"))
		key := tokenKey(t.UserID, t.Label)
		if tb.Get([]byte(key)) != nil {
			return domain.NewConflict("conflict", "token label already exists")
		}
		if err := putJSON(tb, key, t); err != nil {
			return err
		}
		return tb.Put([]byte("hash:"+t.Hash), []byte(key))
	})
}

func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*domain.Token, error) {
	var t domain.Token
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte("tokens"))
		keyBytes := tb.Get([]byte("hash:" + hash))
		if keyBytes == nil {
			return nil
		}
		found = getJSON(tb, string(keyBytes), &t)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "token not found")
	}
	return &t, nil
}

func (s *Store) TouchToken(ctx context.Context, hash string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte("tokens"))
		keyBytes := tb.Get([]byte("hash:" + hash))
		if keyBytes == nil {
			return domain.NewNotFound("not_found", "token not found")
		}
		var t domain.Token
		getJSON(tb, string(keyBytes), &t)
		t.LastUsedAt = &at
		return putJSON(tb, string(keyBytes), t)
	})
}

func (s *Store) ListTokensForUser(ctx context.Context, userID string) ([]domain.Token, error) {
	var tokens []domain.Token
	s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte("tokens"))
		prefix := []byte(userID + "\x00")
		c := tb.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var t domain.Token
			json.Unmarshal(v, &t)
			tokens = append(tokens, t)
		}
		return nil
	})
	return tokens, nil
}

func (s *Store) DeleteToken(ctx context.Context, userID, label string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte("tokens"))
		key := tokenKey(userID, label)
		var t domain.Token
		if !getJSON(tb, key, &t) {
			return domain.NewNotFound("not_found", "token not found")
		}
		tb.Delete([]byte("hash:" + t.Hash))
		return tb.Delete([]byte(key))
	})
}

func (s *Store) DeleteTokensForUser(ctx context.Context, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte("tokens"))
		prefix := []byte(userID + "\x00")
		c := tb.Cursor()
		var keys [][]byte
		var hashes []string
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var t domain.Token
			json.Unmarshal(v, &t)
			hashes = append(hashes, t.Hash)
			keys = append(keys, append([]byte{}, k...))
		}
		for _, h := range hashes {
			tb.Delete([]byte("hash:" + h))
		}
		for _, k := range keys {
			tb.Delete(k)
		}
		return nil
	})
}

func (s *Store) CountActiveTokens(ctx context.Context) (int64, error) {
	var count int64
	now := time.Now().UTC()
	s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte("tokens"))
		return tb.ForEach(func(k, v []byte) error {
			if strings.HasPrefix(string(k), "hash:") {
				return nil
			}
			var t domain.Token
			json.Unmarshal(v, &t)
			if t.ExpiresAt == nil || t.ExpiresAt.After(now) {
				count++
			}
			return nil
		})
	})
	return count, nil
}

// --- Webhooks --------------------------------------------------------------

func (s *Store) CreateWebhook(ctx context.Context, w domain.Webhook) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte("webhooks")), w.ID, w)
	})
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	var w domain.Webhook
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = getJSON(tx.Bucket([]byte("webhooks")), id, &w)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "webhook not found")
	}
	return &w, nil
}

func (s *Store) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	var hooks []domain.Webhook
	s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("webhooks")).ForEach(func(k, v []byte) error {
			var w domain.Webhook
			json.Unmarshal(v, &w)
			hooks = append(hooks, w)
			return nil
		})
	})
	return hooks, nil
}

func (s *Store) GetWebhooksForEvent(ctx context.Context, event string) ([]domain.Webhook, error) {
	all, err := s.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	var matched []domain.Webhook
	for _, w := range all {
		if w.IsActive && w.WantsEvent(event) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

func (s *Store) UpdateWebhook(ctx context.Context, w domain.Webhook) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		wb := tx.Bucket([]byte("webhooks"))
		if wb.Get([]byte(w.ID)) == nil {
			return domain.NewNotFound("not_found", "webhook not found")
		}
		return putJSON(wb, w.ID, w)
	})
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("webhooks")).Delete([]byte(id))
	})
}

func (s *Store) RecordDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte("deliveries")), d.ID, d)
	})
}

// --- Downloads / activity --------------------------------------------------

func (s *Store) RecordDownload(ctx context.Context, d domain.Download) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := fmt.Sprintf("%s\x00%s\x00%d", d.Package, d.Version, d.At.UnixNano())
		return putJSON(tx.Bucket([]byte("downloads")), key, d)
	})
}

func (s *Store) RecordActivity(ctx context.Context, a domain.ActivityLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte("activity")), a.ID, a)
	})
}

func (s *Store) DownloadsPerHour(ctx context.Context, hours int) (map[string]int64, error) {
	result := make(map[string]int64)
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("downloads")).ForEach(func(k, v []byte) error {
			var d domain.Download
			json.Unmarshal(v, &d)
			if d.At.Before(cutoff) {
				return nil
			}
			bucket := d.At.Format("2006-01-02T15")
			result[bucket]++
			return nil
		})
	})
	return result, nil
}

func (s *Store) PackagesCreatedPerDay(ctx context.Context, days int) (map[string]int64, error) {
	result := make(map[string]int64)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("packages")).ForEach(func(k, v []byte) error {
			var pkg domain.Package
			json.Unmarshal(v, &pkg)
			if pkg.CreatedAt.Before(cutoff) {
				return nil
			}
			bucket := pkg.CreatedAt.Format("2006-01-02")
			result[bucket]++
			return nil
		})
	})
	return result, nil
}

func (s *Store) GetPackageDownloadStats(ctx context.Context, name string, historyDays int) (map[string]int64, error) {
	result := make(map[string]int64)
	cutoff := time.Now().UTC().AddDate(0, 0, -historyDays)
	s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("downloads")).ForEach(func(k, v []byte) error {
			var d domain.Download
			json.Unmarshal(v, &d)
			if d.Package != name || d.At.Before(cutoff) {
				return nil
			}
			bucket := d.At.Format("2006-01-02")
			result[bucket]++
			return nil
		})
	})
	return result, nil
}

func (s *Store) GetTotalDownloads(ctx context.Context) (int64, error) {
	var count int64
	s.db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket([]byte("downloads")).Stats().KeyN)
		return nil
	})
	return count, nil
}

// --- Site config / stats ---------------------------------------------------

func (s *Store) GetSiteConfig(ctx context.Context, name string) (*domain.SiteConfig, error) {
	var cfg domain.SiteConfig
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = getJSON(tx.Bucket([]byte("site_config")), name, &cfg)
		return nil
	})
	if !found {
		return nil, domain.NewNotFound("not_found", "site config not found")
	}
	return &cfg, nil
}

func (s *Store) SetSiteConfig(ctx context.Context, cfg domain.SiteConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte("site_config")), cfg.Name, cfg)
	})
}

func (s *Store) GetAdminStats(ctx context.Context) (metadatastore.AdminStats, error) {
	var stats metadatastore.AdminStats
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.PackagesTotal = int64(tx.Bucket([]byte("packages")).Stats().KeyN)
		stats.VersionsTotal = int64(tx.Bucket([]byte("versions")).Stats().KeyN)
		stats.UsersTotal = int64(tx.Bucket([]byte("users")).Stats().KeyN)
		stats.DownloadsTotal = int64(tx.Bucket([]byte("downloads")).Stats().KeyN)
		return nil
	})
	if err != nil {
		return stats, err
	}
	active, err := s.CountActiveTokens(ctx)
	if err != nil {
		return stats, err
	}
	stats.ActiveTokens = active
	return stats, nil
}
