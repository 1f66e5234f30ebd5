// Package pgstore is the networked, relational metadata store backend,
// grounded on common/mpostgres/postgres.go's PostgresConnection/Connect/
// GetDB pattern: pgx/v5 as the database/sql driver, golang-migrate for
// schema management, dbresolver for primary/replica query routing (a
// single DSN serves as both primary and replica here, since the spec
// names one DATABASE_URL rather than a read-replica topology).
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is the pgx/dbresolver-backed metadatastore.Store implementation.
type Store struct {
	db  dbresolver.DB
	dsn string
}

// Open opens a primary/replica-routed connection pool against the single
// DSN and verifies connectivity with a ping. Schema migrations are applied
// separately via RunMigrations, matching the Store interface's lifecycle.
func Open(ctx context.Context, dsn string) (*Store, error) {
	primary, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening primary connection: %w", err)
	}

	replica, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening replica connection: %w", err)
	}

	connDB := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := connDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Store{db: connDB, dsn: dsn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RunMigrations applies the embedded schema steps via golang-migrate's
// iofs source, mirroring mpostgres's file-source migration runner.
func (s *Store) RunMigrations(ctx context.Context) error {
	conn, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	driver, err := postgres.WithInstance(conn, &postgres.Config{
		MultiStatementEnabled: true,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("building migration driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("building migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("building migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) (metadatastore.HealthStatus, error) {
	start := time.Now()
	err := s.db.PingContext(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return metadatastore.HealthStatus{Status: "down", Type: "postgres", LatencyMS: latency}, nil
	}

	var size int64
	row := s.db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`)
	if err := row.Scan(&size); err == nil {
		return metadatastore.HealthStatus{Status: "ok", Type: "postgres", LatencyMS: latency, DBSizeBytes: &size}, nil
	}
	return metadatastore.HealthStatus{Status: "ok", Type: "postgres", LatencyMS: latency}, nil
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func scanNotFound(err error, code, message string) error {
	if isNoRows(err) {
		return domain.NewNotFound(code, message)
	}
	return domain.NewUnavailable("storage_error", message, err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

// --- Packages ---------------------------------------------------------

func (s *Store) scanPackage(row *sql.Row) (*domain.Package, error) {
	var pkg domain.Package
	var replacedBy sql.NullString
	err := row.Scan(&pkg.Name, &pkg.OwnerID, &pkg.IsUpstreamCache, &pkg.IsDiscontinued, &replacedBy, &pkg.CreatedAt, &pkg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if replacedBy.Valid {
		pkg.ReplacedBy = &replacedBy.String
	}
	return &pkg, nil
}

func (s *Store) GetPackage(ctx context.Context, name string) (*domain.Package, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, owner_id, is_upstream_cache, is_discontinued, replaced_by, created_at, updated_at FROM packages WHERE name = $1`, name)
	pkg, err := s.scanPackage(row)
	if err != nil {
		return nil, scanNotFound(err, "not_found", "package not found")
	}
	return pkg, nil
}

func (s *Store) versionsFor(ctx context.Context, name string) ([]domain.PackageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT package, version, manifest, archive_key, archive_sha256, published_at, is_retracted, retracted_at, retraction_message FROM package_versions WHERE package = $1 ORDER BY published_at`, name)
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "list versions failed", err)
	}
	defer rows.Close()

	var versions []domain.PackageVersion
	for rows.Next() {
		var v domain.PackageVersion
		var retractedAt sql.NullTime
		var retractionMessage sql.NullString
		if err := rows.Scan(&v.Package, &v.Version, &v.Manifest, &v.ArchiveKey, &v.ArchiveSHA256, &v.PublishedAt, &v.IsRetracted, &retractedAt, &retractionMessage); err != nil {
			return nil, domain.NewUnavailable("storage_error", "scan version failed", err)
		}
		if retractedAt.Valid {
			v.RetractedAt = &retractedAt.Time
		}
		if retractionMessage.Valid {
			v.RetractionMessage = &retractionMessage.String
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func latestVersion(versions []domain.PackageVersion) *domain.PackageVersion {
	if len(versions) == 0 {
		return nil
	}
	sorted := append([]domain.PackageVersion{}, versions...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && semverLess(sorted[j].Version, sorted[j-1].Version); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if !sorted[i].IsRetracted {
			v := sorted[i]
			return &v
		}
	}
	v := sorted[len(sorted)-1]
	return &v
}

func semverLess(a, b string) bool {
	pa, preA := splitSemver(a)
	pb, preB := splitSemver(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	if preA == preB {
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

func (s *Store) GetPackageInfo(ctx context.Context, name string) (*domain.PackageInfo, error) {
	pkg, err := s.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}
	versions, err := s.versionsFor(ctx, name)
	if err != nil {
		return nil, err
	}
	info := &domain.PackageInfo{Package: *pkg, Versions: versions, Latest: latestVersion(versions)}
	return info, nil
}

func (s *Store) GetPackageVersion(ctx context.Context, name, version string) (*domain.PackageVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT package, version, manifest, archive_key, archive_sha256, published_at, is_retracted, retracted_at, retraction_message FROM package_versions WHERE package = $1 AND version = $2`, name, version)
	var v domain.PackageVersion
	var retractedAt sql.NullTime
	var retractionMessage sql.NullString
	err := row.Scan(&v.Package, &v.Version, &v.Manifest, &v.ArchiveKey, &v.ArchiveSHA256, &v.PublishedAt, &v.IsRetracted, &retractedAt, &retractionMessage)
	if err != nil {
		return nil, scanNotFound(err, "not_found", "version not found")
	}
	if retractedAt.Valid {
		v.RetractedAt = &retractedAt.Time
	}
	if retractionMessage.Valid {
		v.RetractionMessage = &retractionMessage.String
	}
	return &v, nil
}

func (s *Store) listPackagesRaw(ctx context.Context, filter metadatastore.PackageFilter) ([]domain.Package, error) {
	query := `SELECT name, owner_id, is_upstream_cache, is_discontinued, replaced_by, created_at, updated_at FROM packages WHERE 1=1`
	var args []any
	n := 1
	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", n)
		args = append(args, filter.OwnerID)
		n++
	}
	if filter.IsUpstreamCache != nil {
		query += fmt.Sprintf(" AND is_upstream_cache = $%d", n)
		args = append(args, *filter.IsUpstreamCache)
		n++
	}
	if filter.IsDiscontinued != nil {
		query += fmt.Sprintf(" AND is_discontinued = $%d", n)
		args = append(args, *filter.IsDiscontinued)
		n++
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "list packages failed", err)
	}
	defer rows.Close()

	var packages []domain.Package
	for rows.Next() {
		var pkg domain.Package
		var replacedBy sql.NullString
		if err := rows.Scan(&pkg.Name, &pkg.OwnerID, &pkg.IsUpstreamCache, &pkg.IsDiscontinued, &replacedBy, &pkg.CreatedAt, &pkg.UpdatedAt); err != nil {
			return nil, domain.NewUnavailable("storage_error", "scan package failed", err)
		}
		if replacedBy.Valid {
			pkg.ReplacedBy = &replacedBy.String
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

func (s *Store) ListPackages(ctx context.Context, filter metadatastore.PackageFilter, page, limit int) ([]domain.PackageInfo, error) {
	packages, err := s.listPackagesRaw(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.paginateWithVersions(ctx, packages, page, limit)
}

func (s *Store) SearchPackages(ctx context.Context, query string, page, limit int) ([]domain.PackageInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, owner_id, is_upstream_cache, is_discontinued, replaced_by, created_at, updated_at FROM packages WHERE name ILIKE $1 ORDER BY updated_at DESC`, "%"+query+"%")
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "search packages failed", err)
	}
	defer rows.Close()

	var packages []domain.Package
	for rows.Next() {
		var pkg domain.Package
		var replacedBy sql.NullString
		if err := rows.Scan(&pkg.Name, &pkg.OwnerID, &pkg.IsUpstreamCache, &pkg.IsDiscontinued, &replacedBy, &pkg.CreatedAt, &pkg.UpdatedAt); err != nil {
			return nil, domain.NewUnavailable("storage_error", "scan package failed", err)
		}
		if replacedBy.Valid {
			pkg.ReplacedBy = &replacedBy.String
		}
		packages = append(packages, pkg)
	}
	return s.paginateWithVersions(ctx, packages, page, limit)
}

func (s *Store) paginateWithVersions(ctx context.Context, packages []domain.Package, page, limit int) ([]domain.PackageInfo, error) {
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(packages) {
		return []domain.PackageInfo{}, nil
	}
	end := start + limit
	if end > len(packages) {
		end = len(packages)
	}

	result := make([]domain.PackageInfo, 0, end-start)
	for _, pkg := range packages[start:end] {
		versions, err := s.versionsFor(ctx, pkg.Name)
		if err != nil {
			return nil, err
		}
		result = append(result, domain.PackageInfo{Package: pkg, Versions: versions, Latest: latestVersion(versions)})
	}
	return result, nil
}

func (s *Store) UpsertPackageVersion(ctx context.Context, ownerID string, isUpstreamCache bool, v domain.PackageVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewUnavailable("storage_error", "begin transaction failed", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packages (name, owner_id, is_upstream_cache, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (name) DO UPDATE SET updated_at = now()
	`, v.Package, ownerID, isUpstreamCache)
	if err != nil {
		return domain.NewUnavailable("storage_error", "upsert package failed", err)
	}

	if v.PublishedAt.IsZero() {
		v.PublishedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO package_versions (package, version, manifest, archive_key, archive_sha256, published_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.Package, v.Version, v.Manifest, v.ArchiveKey, v.ArchiveSHA256, v.PublishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflict("version_exists", "package version already exists")
		}
		return domain.NewUnavailable("storage_error", "insert version failed", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.NewUnavailable("storage_error", "commit failed", err)
	}
	return nil
}

func (s *Store) DeletePackage(ctx context.Context, name string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM package_versions WHERE package = $1`, name)
	row.Scan(&count)

	res, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE name = $1`, name)
	if err != nil {
		return 0, domain.NewUnavailable("storage_error", "delete package failed", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return 0, domain.NewNotFound("not_found", "package not found")
	}
	return count, nil
}

func (s *Store) DeletePackageVersion(ctx context.Context, name, version string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM package_versions WHERE package = $1 AND version = $2`, name, version)
	if err != nil {
		return false, domain.NewUnavailable("storage_error", "delete version failed", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *Store) RetractPackageVersion(ctx context.Context, name, version string, message *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE package_versions SET is_retracted = TRUE, retracted_at = now(), retraction_message = $3 WHERE package = $1 AND version = $2`, name, version, message)
	if err != nil {
		return domain.NewUnavailable("storage_error", "retract version failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "version not found")
	}
	return nil
}

func (s *Store) UnretractPackageVersion(ctx context.Context, name, version string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE package_versions SET is_retracted = FALSE, retracted_at = NULL, retraction_message = NULL WHERE package = $1 AND version = $2`, name, version)
	if err != nil {
		return domain.NewUnavailable("storage_error", "unretract version failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "version not found")
	}
	return nil
}

func (s *Store) TransferPackageOwnership(ctx context.Context, name, newOwnerID string) error {
	if newOwnerID != domain.AnonymousUserID {
		var exists bool
		row := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, newOwnerID)
		if err := row.Scan(&exists); err != nil || !exists {
			return domain.NewInvalid("validation_error", "new owner does not exist")
		}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE packages SET owner_id = $2, updated_at = now() WHERE name = $1`, name, newOwnerID)
	if err != nil {
		return domain.NewUnavailable("storage_error", "transfer ownership failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "package not found")
	}
	return nil
}

func (s *Store) DiscontinuePackage(ctx context.Context, name string, replacedBy *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE packages SET is_discontinued = TRUE, replaced_by = $2, updated_at = now() WHERE name = $1`, name, replacedBy)
	if err != nil {
		return domain.NewUnavailable("storage_error", "discontinue package failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "package not found")
	}
	return nil
}

func (s *Store) ClearUpstreamCache(ctx context.Context) (int, []string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT archive_key FROM package_versions WHERE package IN (SELECT name FROM packages WHERE is_upstream_cache = TRUE)`)
	if err != nil {
		return 0, nil, domain.NewUnavailable("storage_error", "list upstream cache archive keys failed", err)
	}
	var archiveKeys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, nil, domain.NewUnavailable("storage_error", "scan upstream cache archive key failed", err)
		}
		archiveKeys = append(archiveKeys, key)
	}
	rows.Close()

	res, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE is_upstream_cache = TRUE`)
	if err != nil {
		return 0, nil, domain.NewUnavailable("storage_error", "clear upstream cache failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), archiveKeys, nil
}

// --- Users --------------------------------------------------------------

func (s *Store) scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var passwordHash sql.NullString
	var lastLoginAt sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &passwordHash, &u.Name, &u.IsActive, &lastLoginAt)
	if err != nil {
		return nil, err
	}
	if passwordHash.Valid {
		u.PasswordHash = &passwordHash.String
	}
	if lastLoginAt.Valid {
		u.LastLoginAt = &lastLoginAt.Time
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email, password_hash, name, is_active) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflict("conflict", "email already registered")
		}
		return domain.NewUnavailable("storage_error", "create user failed", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, name, is_active, last_login_at FROM users WHERE lower(email) = lower($1)`, email)
	u, err := s.scanUser(row)
	if err != nil {
		return nil, scanNotFound(err, "not_found", "user not found")
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, name, is_active, last_login_at FROM users WHERE id = $1`, id)
	u, err := s.scanUser(row)
	if err != nil {
		return nil, scanNotFound(err, "not_found", "user not found")
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u domain.User) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET email = $2, password_hash = $3, name = $4, is_active = $5, last_login_at = $6 WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.IsActive, u.LastLoginAt)
	if err != nil {
		return domain.NewUnavailable("storage_error", "update user failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "user not found")
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return domain.NewUnavailable("storage_error", "delete user failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "user not found")
	}
	return nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`)
	if err := row.Scan(&count); err != nil {
		return 0, domain.NewUnavailable("storage_error", "count users failed", err)
	}
	return count, nil
}

// --- Sessions -------------------------------------------------------------

func (s *Store) CreateUserSession(ctx context.Context, sess domain.UserSession) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_sessions (session_id, user_id, expires_at) VALUES ($1, $2, $3)`, sess.SessionID, sess.UserID, sess.ExpiresAt)
	if err != nil {
		return domain.NewUnavailable("storage_error", "create user session failed", err)
	}
	return nil
}

func (s *Store) GetUserSession(ctx context.Context, id string) (*domain.UserSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_id, expires_at FROM user_sessions WHERE session_id = $1`, id)
	var sess domain.UserSession
	if err := row.Scan(&sess.SessionID, &sess.UserID, &sess.ExpiresAt); err != nil {
		return nil, scanNotFound(err, "not_found", "session not found")
	}
	return &sess, nil
}

func (s *Store) DeleteUserSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE session_id = $1`, id)
	if err != nil {
		return domain.NewUnavailable("storage_error", "delete user session failed", err)
	}
	return nil
}

func (s *Store) CreateAdminSession(ctx context.Context, sess domain.AdminSession) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO admin_sessions (session_id, admin_id, expires_at) VALUES ($1, $2, $3)`, sess.SessionID, sess.AdminID, sess.ExpiresAt)
	if err != nil {
		return domain.NewUnavailable("storage_error", "create admin session failed", err)
	}
	return nil
}

func (s *Store) GetAdminSession(ctx context.Context, id string) (*domain.AdminSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, admin_id, expires_at FROM admin_sessions WHERE session_id = $1`, id)
	var sess domain.AdminSession
	if err := row.Scan(&sess.SessionID, &sess.AdminID, &sess.ExpiresAt); err != nil {
		return nil, scanNotFound(err, "not_found", "admin session not found")
	}
	return &sess, nil
}

func (s *Store) DeleteAdminSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE session_id = $1`, id)
	if err != nil {
		return domain.NewUnavailable("storage_error", "delete admin session failed", err)
	}
	return nil
}

// --- Admin users ----------------------------------------------------------

func (s *Store) scanAdmin(row *sql.Row) (*domain.AdminUser, error) {
	var a domain.AdminUser
	var lastLoginAt sql.NullTime
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.IsActive, &a.MustChangePassword, &lastLoginAt)
	if err != nil {
		return nil, err
	}
	if lastLoginAt.Valid {
		a.LastLoginAt = &lastLoginAt.Time
	}
	return &a, nil
}

func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*domain.AdminUser, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, is_active, must_change_password, last_login_at FROM admins WHERE username = $1`, username)
	a, err := s.scanAdmin(row)
	if err != nil {
		return nil, scanNotFound(err, "not_found", "admin not found")
	}
	return a, nil
}

func (s *Store) GetAdminByID(ctx context.Context, id string) (*domain.AdminUser, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, is_active, must_change_password, last_login_at FROM admins WHERE id = $1`, id)
	a, err := s.scanAdmin(row)
	if err != nil {
		return nil, scanNotFound(err, "not_found", "admin not found")
	}
	return a, nil
}

func (s *Store) CreateAdmin(ctx context.Context, a domain.AdminUser) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO admins (id, username, password_hash, is_active, must_change_password) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Username, a.PasswordHash, a.IsActive, a.MustChangePassword)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflict("conflict", "admin username already exists")
		}
		return domain.NewUnavailable("storage_error", "create admin failed", err)
	}
	return nil
}

func (s *Store) UpdateAdmin(ctx context.Context, a domain.AdminUser) error {
	res, err := s.db.ExecContext(ctx, `UPDATE admins SET username = $2, password_hash = $3, is_active = $4, must_change_password = $5, last_login_at = $6 WHERE id = $1`,
		a.ID, a.Username, a.PasswordHash, a.IsActive, a.MustChangePassword, a.LastLoginAt)
	if err != nil {
		return domain.NewUnavailable("storage_error", "update admin failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "admin not found")
	}
	return nil
}

func (s *Store) RecordAdminLoginAudit(ctx context.Context, a domain.AdminLoginAudit) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO admin_login_audit (id, admin_id, ip, user_agent, success, at) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.AdminID, a.IP, a.UserAgent, a.Success, a.At)
	if err != nil {
		return domain.NewUnavailable("storage_error", "record admin login audit failed", err)
	}
	return nil
}

// --- Tokens ---------------------------------------------------------------

func scopesToString(scopes []string) string   { return strings.Join(scopes, ",") }
func scopesFromString(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (s *Store) CreateToken(ctx context.Context, t domain.Token) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tokens (hash, user_id, label, scopes, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		t.Hash, t.UserID, t.Label, scopesToString(t.Scopes), t.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflict("conflict", "token label already exists")
		}
		return domain.NewUnavailable("storage_error", "create token failed", err)
	}
	return nil
}

func (s *Store) scanToken(row *sql.Row) (*domain.Token, error) {
	var t domain.Token
	var scopes string
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(&t.Hash, &t.UserID, &t.Label, &scopes, &expiresAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	t.Scopes = scopesFromString(scopes)
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		t.LastUsedAt = &lastUsedAt.Time
	}
	return &t, nil
}

func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*domain.Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT hash, user_id, label, scopes, expires_at, last_used_at FROM tokens WHERE hash = $1`, hash)
	t, err := s.scanToken(row)
	if err != nil {
		return nil, scanNotFound(err, "not_found", "token not found")
	}
	return t, nil
}

func (s *Store) TouchToken(ctx context.Context, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET last_used_at = $2 WHERE hash = $1`, hash, at)
	if err != nil {
		return domain.NewUnavailable("storage_error", "touch token failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "token not found")
	}
	return nil
}

func (s *Store) ListTokensForUser(ctx context.Context, userID string) ([]domain.Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash, user_id, label, scopes, expires_at, last_used_at FROM tokens WHERE user_id = $1`, userID)
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "list tokens failed", err)
	}
	defer rows.Close()

	var tokens []domain.Token
	for rows.Next() {
		var t domain.Token
		var scopes string
		var expiresAt, lastUsedAt sql.NullTime
		if err := rows.Scan(&t.Hash, &t.UserID, &t.Label, &scopes, &expiresAt, &lastUsedAt); err != nil {
			return nil, domain.NewUnavailable("storage_error", "scan token failed", err)
		}
		t.Scopes = scopesFromString(scopes)
		if expiresAt.Valid {
			t.ExpiresAt = &expiresAt.Time
		}
		if lastUsedAt.Valid {
			t.LastUsedAt = &lastUsedAt.Time
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func (s *Store) DeleteToken(ctx context.Context, userID, label string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = $1 AND label = $2`, userID, label)
	if err != nil {
		return domain.NewUnavailable("storage_error", "delete token failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "token not found")
	}
	return nil
}

func (s *Store) DeleteTokensForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = $1`, userID)
	if err != nil {
		return domain.NewUnavailable("storage_error", "delete tokens failed", err)
	}
	return nil
}

func (s *Store) CountActiveTokens(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM tokens WHERE expires_at IS NULL OR expires_at > now()`)
	if err := row.Scan(&count); err != nil {
		return 0, domain.NewUnavailable("storage_error", "count active tokens failed", err)
	}
	return count, nil
}

// --- Webhooks --------------------------------------------------------------

func eventsToString(events []string) string { return strings.Join(events, ",") }
func eventsFromString(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (s *Store) scanWebhook(row *sql.Row) (*domain.Webhook, error) {
	var w domain.Webhook
	var secret sql.NullString
	var events string
	var lastTriggeredAt sql.NullTime
	err := row.Scan(&w.ID, &w.URL, &secret, &events, &w.IsActive, &w.FailureCount, &lastTriggeredAt)
	if err != nil {
		return nil, err
	}
	if secret.Valid {
		w.Secret = &secret.String
	}
	w.Events = eventsFromString(events)
	if lastTriggeredAt.Valid {
		w.LastTriggeredAt = &lastTriggeredAt.Time
	}
	return &w, nil
}

func (s *Store) CreateWebhook(ctx context.Context, w domain.Webhook) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhooks (id, url, secret, events, is_active, failure_count) VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.URL, w.Secret, eventsToString(w.Events), w.IsActive, w.FailureCount)
	if err != nil {
		return domain.NewUnavailable("storage_error", "create webhook failed", err)
	}
	return nil
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, url, secret, events, is_active, failure_count, last_triggered_at FROM webhooks WHERE id = $1`, id)
	w, err := s.scanWebhook(row)
	if err != nil {
		return nil, scanNotFound(err, "not_found", "webhook not found")
	}
	return w, nil
}

func (s *Store) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url, secret, events, is_active, failure_count, last_triggered_at FROM webhooks`)
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "list webhooks failed", err)
	}
	defer rows.Close()

	var hooks []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		var secret sql.NullString
		var events string
		var lastTriggeredAt sql.NullTime
		if err := rows.Scan(&w.ID, &w.URL, &secret, &events, &w.IsActive, &w.FailureCount, &lastTriggeredAt); err != nil {
			return nil, domain.NewUnavailable("storage_error", "scan webhook failed", err)
		}
		if secret.Valid {
			w.Secret = &secret.String
		}
		w.Events = eventsFromString(events)
		if lastTriggeredAt.Valid {
			w.LastTriggeredAt = &lastTriggeredAt.Time
		}
		hooks = append(hooks, w)
	}
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
	res, err := s.db.ExecContext(ctx, `UPDATE webhooks SET url = $2, secret = $3, events = $4, is_active = $5, failure_count = $6, last_triggered_at = $7 WHERE id = $1`,
		w.ID, w.URL, w.Secret, eventsToString(w.Events), w.IsActive, w.FailureCount, w.LastTriggeredAt)
	if err != nil {
		return domain.NewUnavailable("storage_error", "update webhook failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "webhook not found")
	}
	return nil
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return domain.NewUnavailable("storage_error", "delete webhook failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFound("not_found", "webhook not found")
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, webhook_id, event_type, payload, status_code, success, error, duration_ms, at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.WebhookID, d.EventType, d.Payload, d.StatusCode, d.Success, d.Error, d.DurationMS, d.At)
	if err != nil {
		return domain.NewUnavailable("storage_error", "record delivery failed", err)
	}
	return nil
}

// --- Downloads / activity --------------------------------------------------

func (s *Store) RecordDownload(ctx context.Context, d domain.Download) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO downloads (package, version, ip, user_agent, at) VALUES ($1, $2, $3, $4, $5)`,
		d.Package, d.Version, d.IP, d.UA, d.At)
	if err != nil {
		return domain.NewUnavailable("storage_error", "record download failed", err)
	}
	return nil
}

func (s *Store) RecordActivity(ctx context.Context, a domain.ActivityLog) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return domain.NewInvalid("validation_error", "invalid activity metadata")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO activity_log (id, activity_type, actor_type, actor_id, target_type, target_id, metadata, ip, at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ActivityType, a.ActorType, a.ActorID, a.TargetType, a.TargetID, metadata, a.IP, a.At)
	if err != nil {
		return domain.NewUnavailable("storage_error", "record activity failed", err)
	}
	return nil
}

func (s *Store) DownloadsPerHour(ctx context.Context, hours int) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('hour', at), 'YYYY-MM-DD"T"HH24') AS bucket, count(*)
		FROM downloads WHERE at > now() - ($1 || ' hours')::interval
		GROUP BY bucket`, hours)
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "downloads per hour failed", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, domain.NewUnavailable("storage_error", "scan downloads per hour failed", err)
		}
		result[bucket] = count
	}
	return result, nil
}

func (s *Store) PackagesCreatedPerDay(ctx context.Context, days int) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD') AS bucket, count(*)
		FROM packages WHERE created_at > now() - ($1 || ' days')::interval
		GROUP BY bucket`, days)
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "packages created per day failed", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, domain.NewUnavailable("storage_error", "scan packages created per day failed", err)
		}
		result[bucket] = count
	}
	return result, nil
}

func (s *Store) GetPackageDownloadStats(ctx context.Context, name string, historyDays int) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('day', at), 'YYYY-MM-DD') AS bucket, count(*)
		FROM downloads WHERE package = $1 AND at > now() - ($2 || ' days')::interval
		GROUP BY bucket`, name, historyDays)
	if err != nil {
		return nil, domain.NewUnavailable("storage_error", "package download stats failed", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, domain.NewUnavailable("storage_error", "scan package download stats failed", err)
		}
		result[bucket] = count
	}
	return result, nil
}

func (s *Store) GetTotalDownloads(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM downloads`)
	if err := row.Scan(&count); err != nil {
		return 0, domain.NewUnavailable("storage_error", "total downloads failed", err)
	}
	return count, nil
}

// --- Site config / stats ---------------------------------------------------

func (s *Store) GetSiteConfig(ctx context.Context, name string) (*domain.SiteConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, value, value_type, updated_at FROM site_config WHERE name = $1`, name)
	var cfg domain.SiteConfig
	if err := row.Scan(&cfg.Name, &cfg.Value, &cfg.ValueType, &cfg.UpdatedAt); err != nil {
		return nil, scanNotFound(err, "not_found", "site config not found")
	}
	return &cfg, nil
}

func (s *Store) SetSiteConfig(ctx context.Context, cfg domain.SiteConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_config (name, value, value_type, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE SET value = $2, value_type = $3, updated_at = now()
	`, cfg.Name, cfg.Value, cfg.ValueType)
	if err != nil {
		return domain.NewUnavailable("storage_error", "set site config failed", err)
	}
	return nil
}

func (s *Store) GetAdminStats(ctx context.Context) (metadatastore.AdminStats, error) {
	var stats metadatastore.AdminStats
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT count(*) FROM packages),
		(SELECT count(*) FROM package_versions),
		(SELECT count(*) FROM users),
		(SELECT count(*) FROM tokens WHERE expires_at IS NULL OR expires_at > now()),
		(SELECT count(*) FROM downloads)
	`)
	if err := row.Scan(&stats.PackagesTotal, &stats.VersionsTotal, &stats.UsersTotal, &stats.ActiveTokens, &stats.DownloadsTotal); err != nil {
		return stats, domain.NewUnavailable("storage_error", "admin stats failed", err)
	}
	return stats, nil
}
