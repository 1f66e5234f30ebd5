// Package metadatastore defines the transactional metadata store interface
// shared by the embedded (bbolt) and networked (postgres) backends, and
// dispatches construction by database URL scheme.
package metadatastore

import (
	"context"
	"time"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
)

// PackageFilter narrows list_packages.
type PackageFilter struct {
	OwnerID         string
	IsUpstreamCache *bool
	IsDiscontinued  *bool
}

// HealthStatus is the result of health_check().
type HealthStatus struct {
	Status      string `json:"status"`
	Type        string `json:"type"`
	LatencyMS   int64  `json:"latency_ms"`
	DBSizeBytes *int64 `json:"db_size_bytes,omitempty"`
}

// AdminStats aggregates the admin dashboard counters.
type AdminStats struct {
	PackagesTotal    int64 `json:"packages_total"`
	VersionsTotal    int64 `json:"versions_total"`
	UsersTotal       int64 `json:"users_total"`
	ActiveTokens     int64 `json:"active_tokens"`
	DownloadsTotal   int64 `json:"downloads_total"`
}

// Store is the full metadata store contract. Both backends (pgstore,
// boltstore) implement it; internal/metadatastore.Open picks one by URL
// scheme at startup.
type Store interface {
	// Packages
	ListPackages(ctx context.Context, filter PackageFilter, page, limit int) ([]domain.PackageInfo, error)
	SearchPackages(ctx context.Context, query string, page, limit int) ([]domain.PackageInfo, error)
	GetPackage(ctx context.Context, name string) (*domain.Package, error)
	GetPackageInfo(ctx context.Context, name string) (*domain.PackageInfo, error)
	GetPackageVersion(ctx context.Context, name, version string) (*domain.PackageVersion, error)
	UpsertPackageVersion(ctx context.Context, ownerID string, isUpstreamCache bool, v domain.PackageVersion) error
	DeletePackage(ctx context.Context, name string) (int, error)
	DeletePackageVersion(ctx context.Context, name, version string) (bool, error)
	RetractPackageVersion(ctx context.Context, name, version string, message *string) error
	UnretractPackageVersion(ctx context.Context, name, version string) error
	TransferPackageOwnership(ctx context.Context, name, newOwnerID string) error
	DiscontinuePackage(ctx context.Context, name string, replacedBy *string) error
	// ClearUpstreamCache deletes every is_upstream_cache package and its
	// versions, returning the count of packages removed alongside the
	// archive keys of every removed version so the caller can also clear
	// the matching blobs from the cache namespace.
	ClearUpstreamCache(ctx context.Context) (count int, archiveKeys []string, err error)

	// Users
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	UpdateUser(ctx context.Context, u domain.User) error
	DeleteUser(ctx context.Context, id string) error
	CountUsers(ctx context.Context) (int64, error)

	// Sessions
	CreateUserSession(ctx context.Context, s domain.UserSession) error
	GetUserSession(ctx context.Context, id string) (*domain.UserSession, error)
	DeleteUserSession(ctx context.Context, id string) error

	CreateAdminSession(ctx context.Context, s domain.AdminSession) error
	GetAdminSession(ctx context.Context, id string) (*domain.AdminSession, error)
	DeleteAdminSession(ctx context.Context, id string) error

	// Admin users
	GetAdminByUsername(ctx context.Context, username string) (*domain.AdminUser, error)
	GetAdminByID(ctx context.Context, id string) (*domain.AdminUser, error)
	CreateAdmin(ctx context.Context, a domain.AdminUser) error
	UpdateAdmin(ctx context.Context, a domain.AdminUser) error
	RecordAdminLoginAudit(ctx context.Context, a domain.AdminLoginAudit) error

	// Tokens
	CreateToken(ctx context.Context, t domain.Token) error
	GetTokenByHash(ctx context.Context, hash string) (*domain.Token, error)
	TouchToken(ctx context.Context, hash string, at time.Time) error
	ListTokensForUser(ctx context.Context, userID string) ([]domain.Token, error)
	DeleteToken(ctx context.Context, userID, label string) error
	DeleteTokensForUser(ctx context.Context, userID string) error
	CountActiveTokens(ctx context.Context) (int64, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w domain.Webhook) error
	GetWebhook(ctx context.Context, id string) (*domain.Webhook, error)
	ListWebhooks(ctx context.Context) ([]domain.Webhook, error)
	GetWebhooksForEvent(ctx context.Context, event string) ([]domain.Webhook, error)
	UpdateWebhook(ctx context.Context, w domain.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d domain.WebhookDelivery) error

	// Downloads / activity
	RecordDownload(ctx context.Context, d domain.Download) error
	RecordActivity(ctx context.Context, a domain.ActivityLog) error
	DownloadsPerHour(ctx context.Context, hours int) (map[string]int64, error)
	PackagesCreatedPerDay(ctx context.Context, days int) (map[string]int64, error)
	GetPackageDownloadStats(ctx context.Context, name string, historyDays int) (map[string]int64, error)
	GetTotalDownloads(ctx context.Context) (int64, error)

	// Site config
	GetSiteConfig(ctx context.Context, name string) (*domain.SiteConfig, error)
	SetSiteConfig(ctx context.Context, cfg domain.SiteConfig) error

	// Stats / health / lifecycle
	GetAdminStats(ctx context.Context) (AdminStats, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
	RunMigrations(ctx context.Context) error
	Close() error
}
