// Package domain holds the entity shapes shared by every metadata store
// backend and by the HTTP handlers that serialize them.
package domain

import "time"

// Package is a named, owned unit of distributable code.
type Package struct {
	Name            string    `json:"name"`
	OwnerID         string    `json:"owner_id"`
	IsUpstreamCache bool      `json:"is_upstream_cache"`
	IsDiscontinued  bool      `json:"is_discontinued"`
	ReplacedBy      *string   `json:"replaced_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PackageVersion is one immutable release of a Package.
type PackageVersion struct {
	Package           string    `json:"package"`
	Version           string    `json:"version"`
	Manifest          []byte    `json:"manifest"`
	ArchiveKey        string    `json:"archive_key"`
	ArchiveSHA256     string    `json:"archive_sha256"`
	PublishedAt       time.Time `json:"published_at"`
	IsRetracted       bool      `json:"is_retracted"`
	RetractedAt       *time.Time `json:"retracted_at,omitempty"`
	RetractionMessage *string   `json:"retraction_message,omitempty"`
}

// PackageInfo is the denormalized read projection combining a Package with
// its versions and computed "latest" pointer.
type PackageInfo struct {
	Package
	Latest   *PackageVersion  `json:"latest,omitempty"`
	Versions []PackageVersion `json:"versions"`
}

// AnonymousUserID is the well-known sentinel owner for unattributed
// packages (cache entries, deleted-user reassignment target).
const AnonymousUserID = "00000000-0000-0000-0000-000000000000"

// User is a registered end-user account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash *string    `json:"-"`
	Name         string     `json:"name"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// UserSession binds an opaque session id to a User.
type UserSession struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AdminUser is a server administrator account.
type AdminUser struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	PasswordHash       string     `json:"-"`
	IsActive           bool       `json:"is_active"`
	MustChangePassword bool       `json:"must_change_password"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
}

// AdminSession binds an opaque session id to an AdminUser. TTL is fixed at
// 8 hours per spec.
type AdminSession struct {
	SessionID string    `json:"session_id"`
	AdminID   string    `json:"admin_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AdminSessionTTL is the fixed lifetime of an admin session.
const AdminSessionTTL = 8 * time.Hour

// AdminLoginAudit is an append-only record of admin login attempts.
type AdminLoginAudit struct {
	ID        string    `json:"id"`
	AdminID   *string   `json:"admin_id,omitempty"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	At        time.Time `json:"at"`
}

// Scope constants. "admin" satisfies every predicate.
const (
	ScopeAdmin      = "admin"
	ScopePublishAll = "publish:all"
	ScopeReadAll    = "read:all"
	scopePublishPkg = "publish:pkg:"
)

// ScopePublishPackage builds the per-package publish scope string.
func ScopePublishPackage(name string) string { return scopePublishPkg + name }

// Token is a bearer-token credential. Only Hash is persisted; the plaintext
// is returned to the caller once, at creation time, and never stored.
type Token struct {
	Hash        string     `json:"-"`
	UserID      string     `json:"user_id"`
	Label       string     `json:"label"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// HasScope reports whether the token's scope set satisfies the requested
// capability, honoring the admin-satisfies-everything rule.
func (t Token) HasScope(want string) bool {
	for _, s := range t.Scopes {
		if s == ScopeAdmin || s == want {
			return true
		}
	}
	return false
}

// CanPublish reports whether the token may publish the named package.
func (t Token) CanPublish(pkg string) bool {
	for _, s := range t.Scopes {
		if s == ScopeAdmin || s == ScopePublishAll || s == ScopePublishPackage(pkg) {
			return true
		}
	}
	return false
}

// UploadSession tracks one in-flight publish upload.
type UploadSession struct {
	ID          string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// UploadSessionTTL is the lifetime of an upload session before the reaper
// drops it regardless of state.
const UploadSessionTTL = time.Hour

// Webhook is an administrator-registered outbound HTTP endpoint.
type Webhook struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Secret          *string    `json:"-"`
	Events          []string   `json:"events"`
	IsActive        bool       `json:"is_active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// MaxWebhookFailures is the consecutive-failure threshold that auto-disables
// a webhook.
const MaxWebhookFailures = 5

// WantsEvent reports whether the webhook is registered for the event type,
// honoring the "*" wildcard.
func (w Webhook) WantsEvent(event string) bool {
	for _, e := range w.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// WebhookDelivery is an append-only audit row for one delivery attempt.
type WebhookDelivery struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	EventType  string    `json:"event_type"`
	Payload    []byte    `json:"payload"`
	StatusCode int       `json:"status_code"`
	Success    bool      `json:"success"`
	Error      *string   `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// Download is an append-only analytics row.
type Download struct {
	Package string    `json:"package"`
	Version string    `json:"version"`
	IP      *string   `json:"ip,omitempty"`
	UA      *string   `json:"user_agent,omitempty"`
	At      time.Time `json:"at"`
}

// ActivityLog is an append-only audit trail row.
type ActivityLog struct {
	ID           string         `json:"id"`
	ActivityType string         `json:"activity_type"`
	ActorType    string         `json:"actor_type"`
	ActorID      *string        `json:"actor_id,omitempty"`
	TargetType   *string        `json:"target_type,omitempty"`
	TargetID     *string        `json:"target_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IP           *string        `json:"ip,omitempty"`
	At           time.Time      `json:"at"`
}

// SiteConfigValueType enumerates the typed interpretation of a SiteConfig's
// string-stored value.
type SiteConfigValueType string

const (
	SiteConfigString  SiteConfigValueType = "string"
	SiteConfigNumber  SiteConfigValueType = "number"
	SiteConfigBoolean SiteConfigValueType = "boolean"
)

// SiteConfig is a single admin-mutable named setting, always stored as a
// string; typed readers apply ValueType.
type SiteConfig struct {
	Name      string              `json:"name"`
	Value     string              `json:"value"`
	ValueType SiteConfigValueType `json:"value_type"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// AdminNotificationEmailConfigName is the SiteConfig row read by the
// webhook-disabled notifier (SPEC_FULL §9 resolution).
const AdminNotificationEmailConfigName = "admin_notification_email"
