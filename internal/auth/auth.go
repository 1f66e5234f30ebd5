// Package auth implements token authentication, scope checks, and
// cookie-backed user/admin sessions. Structurally grounded on
// common/net/http/withJWT.go's JWTMiddleware (c.Locals-based context
// passing, a Protect()-style gate, a WithScope-style scope gate), with the
// verification mechanism swapped from JWT/JWKS to the spec's opaque
// SHA-256 bearer tokens — there is no JWKS, no external identity
// provider, just a stored token hash.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
)

// contextKey mirrors the teacher's TokenContextValue pattern of a named
// string type used as a fiber.Locals/context.Context key, instead of a
// bare string, to avoid collisions with other packages' locals.
type contextKey string

const (
	localsToken        contextKey = "repub_token"
	localsUserID       contextKey = "repub_user_id"
	localsAdminSession contextKey = "repub_admin_session"

	UserSessionCookie  = "repub_session"
	AdminSessionCookie = "repub_admin_session"
)

// HashToken renders a bearer token's storage form. Only the hash is ever
// persisted; the plaintext token is shown to the caller once, at
// creation time.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// HashPassword and CheckPassword wrap bcrypt, the teacher's user/admin
// credential hash of choice across the pack.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	return string(hash), err
}

func CheckPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// Service resolves bearer tokens and sessions against the metadata store.
type Service struct {
	store metadatastore.Store
}

func NewService(store metadatastore.Store) *Service {
	return &Service{store: store}
}

func bearerFromHeader(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// Authenticate resolves the bearer token on the request, if any, touching
// its last-used timestamp on success. A request without a token is not
// an error here — anonymous access is a valid outcome the caller
// evaluates against RequirePublishAuth/RequireDownloadAuth.
func (s *Service) Authenticate(c *fiber.Ctx) (*domain.Token, error) {
	plaintext := bearerFromHeader(c)
	if plaintext == "" {
		return nil, nil
	}

	hash := HashToken(plaintext)
	token, err := s.store.GetTokenByHash(c.UserContext(), hash)
	if err != nil {
		var storageErr *domain.StorageError
		if errors.As(err, &storageErr) && storageErr.Kind == domain.NotFound {
			return nil, httpkit.NewAPIError(fiber.StatusUnauthorized, httpkit.CodeAuthInvalid, "invalid token")
		}
		return nil, err
	}

	if token.ExpiresAt != nil && token.ExpiresAt.Before(time.Now().UTC()) {
		return nil, httpkit.NewAPIError(fiber.StatusUnauthorized, httpkit.CodeAuthInvalid, "token expired")
	}

	now := time.Now().UTC()
	_ = s.store.TouchToken(c.UserContext(), hash, now)
	token.LastUsedAt = &now
	return token, nil
}

// Middleware authenticates every request, storing the resolved token (or
// nil) in locals. It rejects a request only when a bearer token is present
// but unknown or expired; a request without a token passes through, and
// RequireScope and individual handlers decide what anonymous access is
// allowed to do.
func (s *Service) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := s.Authenticate(c)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		c.Locals(string(localsToken), token)
		return c.Next()
	}
}

// TokenFromContext returns the authenticated token, or nil for an
// anonymous caller.
func TokenFromContext(c *fiber.Ctx) *domain.Token {
	if v := c.Locals(string(localsToken)); v != nil {
		if t, ok := v.(*domain.Token); ok {
			return t
		}
	}
	return nil
}

// RequireScope gates a route on a specific scope, mirroring
// JWTMiddleware.WithScope's shape adapted to the token's HasScope method.
func RequireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := TokenFromContext(c)
		if token == nil {
			return httpkit.Unauthorized(c, httpkit.CodeAuthMissing, "authentication required")
		}
		if !token.HasScope(scope) {
			return httpkit.Forbidden(c, httpkit.CodeAuthForbidden, "insufficient scope")
		}
		return c.Next()
	}
}

// RequirePublishScope gates a publish route: the token must hold
// publish:all, publish:pkg:<name>, or admin.
func RequirePublishScope(pkgParam string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := TokenFromContext(c)
		if token == nil {
			return httpkit.Unauthorized(c, httpkit.CodeAuthMissing, "authentication required")
		}
		name := c.Params(pkgParam)
		if !token.CanPublish(name) {
			return httpkit.Forbidden(c, httpkit.CodeAuthForbidden, "cannot publish this package")
		}
		return c.Next()
	}
}

// --- User sessions ----------------------------------------------------

func (s *Service) CreateUserSession(ctx context.Context, userID string, ttl time.Duration, sessionID string) (*domain.UserSession, error) {
	sess := domain.UserSession{SessionID: sessionID, UserID: userID, ExpiresAt: time.Now().UTC().Add(ttl)}
	if err := s.store.CreateUserSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UserFromCookie resolves the session cookie to a User, returning nil
// (not an error) when absent.
func (s *Service) UserFromCookie(c *fiber.Ctx) (*domain.User, error) {
	sessionID := c.Cookies(UserSessionCookie)
	if sessionID == "" {
		return nil, nil
	}

	sess, err := s.store.GetUserSession(c.UserContext(), sessionID)
	if err != nil {
		var storageErr *domain.StorageError
		if errors.As(err, &storageErr) && storageErr.Kind == domain.NotFound {
			return nil, nil
		}
		return nil, err
	}
	if sess.ExpiresAt.Before(time.Now().UTC()) {
		_ = s.store.DeleteUserSession(c.UserContext(), sessionID)
		return nil, nil
	}

	return s.store.GetUserByID(c.UserContext(), sess.UserID)
}

// --- Admin sessions, resolved via session lookup exclusively per the
// unified admin-identity resolution decision (SPEC_FULL §9). ---------

func (s *Service) CreateAdminSession(ctx context.Context, adminID, sessionID string) (*domain.AdminSession, error) {
	sess := domain.AdminSession{SessionID: sessionID, AdminID: adminID, ExpiresAt: time.Now().UTC().Add(domain.AdminSessionTTL)}
	if err := s.store.CreateAdminSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// AdminFromContext resolves the admin session cookie to an AdminUser.
// This is the single admin-identity resolution path in the codebase —
// no handler should read the admin session cookie directly.
func (s *Service) AdminFromContext(c *fiber.Ctx) (*domain.AdminUser, error) {
	sessionID := c.Cookies(AdminSessionCookie)
	if sessionID == "" {
		return nil, nil
	}

	sess, err := s.store.GetAdminSession(c.UserContext(), sessionID)
	if err != nil {
		var storageErr *domain.StorageError
		if errors.As(err, &storageErr) && storageErr.Kind == domain.NotFound {
			return nil, nil
		}
		return nil, err
	}
	if sess.ExpiresAt.Before(time.Now().UTC()) {
		_ = s.store.DeleteAdminSession(c.UserContext(), sessionID)
		return nil, nil
	}

	return s.store.GetAdminByID(c.UserContext(), sess.AdminID)
}

// RequireAdmin gates a route on a valid, non-expired admin session.
func (s *Service) RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		admin, err := s.AdminFromContext(c)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		if admin == nil || !admin.IsActive {
			return httpkit.Unauthorized(c, httpkit.CodeAuthMissing, "admin session required")
		}
		c.Locals(string(localsAdminSession), admin)
		return c.Next()
	}
}

// AdminFromLocals retrieves the admin resolved by RequireAdmin.
func AdminFromLocals(c *fiber.Ctx) *domain.AdminUser {
	if v := c.Locals(string(localsAdminSession)); v != nil {
		if a, ok := v.(*domain.AdminUser); ok {
			return a
		}
	}
	return nil
}
