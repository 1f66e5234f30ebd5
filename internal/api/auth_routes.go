package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/gsmlg-opt/repub-sub000/internal/auth"
	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
)

// userSessionTTL is the lifetime of a cookie-backed user session. Unlike
// the admin realm, there is no fixed spec constant for this; 30 days
// matches the teacher's session-cookie convention for long-lived web UIs.
const userSessionTTL = 30 * 24 * time.Hour

func registerAuthRoutes(app *fiber.App, d *Deps) {
	app.Post("/api/auth/register", registerHandler(d))
	app.Post("/api/auth/login", loginHandler(d))
	app.Post("/api/auth/logout", logoutHandler(d))
	app.Get("/api/auth/me", meHandler(d))
	app.Put("/api/auth/me", updateMeHandler(d))
}

type registerBody struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	EncryptedPassword string `json:"password"`
}

func registerHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body registerBody
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}

		if !auth.ValidEmail(body.Email) {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "invalid email address")
		}

		password, err := d.RSA.DecryptPassword(body.EncryptedPassword)
		if err != nil {
			return httpkit.BadRequest(c, httpkit.CodeInvalidPasswordFormat, "could not decrypt password")
		}

		if ok, reason := auth.ValidatePasswordPolicy(password); !ok {
			return httpkit.BadRequest(c, httpkit.CodeWeakPassword, reason)
		}

		if existing, err := d.Store.GetUserByEmail(c.UserContext(), body.Email); err == nil && existing != nil {
			return httpkit.Conflict(c, httpkit.CodeConflict, "an account with this email already exists")
		} else if err != nil {
			var se *domain.StorageError
			if !errors.As(err, &se) || se.Kind != domain.NotFound {
				return httpkit.WithError(c, err)
			}
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return httpkit.InternalError(c, "hashing password")
		}

		user := domain.User{
			ID:           uuid.NewString(),
			Email:        body.Email,
			PasswordHash: &hash,
			Name:         body.Name,
			IsActive:     true,
		}
		if err := d.Store.CreateUser(c.UserContext(), user); err != nil {
			return httpkit.WithError(c, err)
		}

		if err := startUserSession(d, c, user.ID); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.Created(c, user)
	}
}

type loginBody struct {
	Email             string `json:"email"`
	EncryptedPassword string `json:"password"`
}

func loginHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body loginBody
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}

		password, err := d.RSA.DecryptPassword(body.EncryptedPassword)
		if err != nil {
			return httpkit.BadRequest(c, httpkit.CodeInvalidPasswordFormat, "could not decrypt password")
		}

		user, err := d.Store.GetUserByEmail(c.UserContext(), body.Email)
		if err != nil {
			var se *domain.StorageError
			if errors.As(err, &se) && se.Kind == domain.NotFound {
				return httpkit.Unauthorized(c, httpkit.CodeAuthInvalid, "invalid email or password")
			}
			return httpkit.WithError(c, err)
		}
		if user.PasswordHash == nil || !auth.CheckPassword(*user.PasswordHash, password) {
			return httpkit.Unauthorized(c, httpkit.CodeAuthInvalid, "invalid email or password")
		}
		if !user.IsActive {
			return httpkit.Forbidden(c, httpkit.CodeAuthForbidden, "account is deactivated")
		}

		now := time.Now().UTC()
		user.LastLoginAt = &now
		if err := d.Store.UpdateUser(c.UserContext(), *user); err != nil {
			return httpkit.WithError(c, err)
		}

		if err := startUserSession(d, c, user.ID); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, user)
	}
}

func startUserSession(d *Deps, c *fiber.Ctx, userID string) error {
	sessionID := uuid.NewString()
	if _, err := d.Auth.CreateUserSession(c.UserContext(), userID, userSessionTTL, sessionID); err != nil {
		return err
	}
	c.Cookie(&fiber.Cookie{
		Name:     auth.UserSessionCookie,
		Value:    sessionID,
		Expires:  time.Now().UTC().Add(userSessionTTL),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return nil
}

func logoutHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sessionID := c.Cookies(auth.UserSessionCookie)
		if sessionID != "" {
			_ = d.Store.DeleteUserSession(c.UserContext(), sessionID)
		}
		c.Cookie(&fiber.Cookie{
			Name:    auth.UserSessionCookie,
			Value:   "",
			Expires: time.Now().UTC().Add(-time.Hour),
		})
		return httpkit.OKMessage(c, "logged out")
	}
}

func meHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := d.Auth.UserFromCookie(c)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		if user == nil {
			return httpkit.Unauthorized(c, httpkit.CodeAuthMissing, "no active session")
		}
		return httpkit.OK(c, user)
	}
}

type updateMeBody struct {
	Name              string `json:"name"`
	EncryptedPassword string `json:"password"`
}

func updateMeHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := d.Auth.UserFromCookie(c)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		if user == nil {
			return httpkit.Unauthorized(c, httpkit.CodeAuthMissing, "no active session")
		}

		var body updateMeBody
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}

		if body.Name != "" {
			user.Name = body.Name
		}
		if body.EncryptedPassword != "" {
			password, err := d.RSA.DecryptPassword(body.EncryptedPassword)
			if err != nil {
				return httpkit.BadRequest(c, httpkit.CodeInvalidPasswordFormat, "could not decrypt password")
			}
			if ok, reason := auth.ValidatePasswordPolicy(password); !ok {
				return httpkit.BadRequest(c, httpkit.CodeWeakPassword, reason)
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return httpkit.InternalError(c, "hashing password")
			}
			user.PasswordHash = &hash
		}

		if err := d.Store.UpdateUser(c.UserContext(), *user); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, user)
	}
}
