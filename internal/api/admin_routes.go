package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/gsmlg-opt/repub-sub000/internal/auth"
	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
	"github.com/gsmlg-opt/repub-sub000/internal/webhook"
)

func registerAdminRoutes(app *fiber.App, d *Deps) {
	app.Post("/admin/api/auth/login", adminLoginHandler(d))

	admin := app.Group("/admin/api", d.Auth.RequireAdmin(), requirePasswordRotated(d))

	admin.Get("/me", adminMeHandler(d))
	admin.Post("/change-password", adminChangePasswordHandler(d))

	admin.Get("/stats", adminStatsHandler(d))

	admin.Get("/packages", adminListPackagesHandler(d))
	admin.Post("/packages/:name/discontinue", adminDiscontinuePackageHandler(d))
	admin.Post("/packages/:name/transfer", adminTransferPackageHandler(d))
	admin.Delete("/packages/:name", adminDeletePackageHandler(d))
	admin.Delete("/packages/:name/versions/:version", adminDeleteVersionHandler(d))
	admin.Post("/packages/:name/versions/:version/retract", adminRetractVersionHandler(d))
	admin.Post("/packages/:name/versions/:version/unretract", adminUnretractVersionHandler(d))

	admin.Get("/webhooks", adminListWebhooksHandler(d))
	admin.Post("/webhooks", adminCreateWebhookHandler(d))
	admin.Put("/webhooks/:id", adminUpdateWebhookHandler(d))
	admin.Delete("/webhooks/:id", adminDeleteWebhookHandler(d))

	admin.Get("/config/:name", adminGetConfigHandler(d))
	admin.Put("/config/:name", adminSetConfigHandler(d))

	admin.Post("/cache/clear", adminClearCacheHandler(d))
}

// requirePasswordRotated blocks every admin endpoint except the
// change-password endpoint itself while the bootstrap admin still carries
// its default credentials, per the must_change_password bootstrap rule.
func requirePasswordRotated(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/admin/api/change-password" {
			return c.Next()
		}
		admin := auth.AdminFromLocals(c)
		if admin != nil && admin.MustChangePassword {
			return httpkit.Forbidden(c, httpkit.CodeAuthForbidden, "password rotation required before using admin endpoints")
		}
		return c.Next()
	}
}

type adminLoginBody struct {
	Username          string `json:"username"`
	EncryptedPassword string `json:"password"`
}

func adminLoginHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body adminLoginBody
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}

		password, err := d.RSA.DecryptPassword(body.EncryptedPassword)
		if err != nil {
			return httpkit.BadRequest(c, httpkit.CodeInvalidPasswordFormat, "could not decrypt password")
		}

		admin, err := d.Store.GetAdminByUsername(c.UserContext(), body.Username)
		success := err == nil && admin != nil && admin.IsActive && auth.CheckPassword(admin.PasswordHash, password)

		ip := httpkit.ClientIP(c)
		var adminID *string
		if admin != nil {
			adminID = &admin.ID
		}
		_ = d.Store.RecordAdminLoginAudit(c.UserContext(), domain.AdminLoginAudit{
			ID:        uuid.NewString(),
			AdminID:   adminID,
			IP:        ip,
			UserAgent: c.Get(fiber.HeaderUserAgent),
			Success:   success,
			At:        time.Now().UTC(),
		})

		if !success {
			return httpkit.Unauthorized(c, httpkit.CodeAuthInvalid, "invalid username or password")
		}

		now := time.Now().UTC()
		admin.LastLoginAt = &now
		if err := d.Store.UpdateAdmin(c.UserContext(), *admin); err != nil {
			return httpkit.WithError(c, err)
		}

		sessionID := uuid.NewString()
		if _, err := d.Auth.CreateAdminSession(c.UserContext(), admin.ID, sessionID); err != nil {
			return httpkit.WithError(c, err)
		}
		c.Cookie(&fiber.Cookie{
			Name:     auth.AdminSessionCookie,
			Value:    sessionID,
			Expires:  now.Add(domain.AdminSessionTTL),
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteStrictMode,
		})
		return httpkit.OK(c, admin)
	}
}

func adminMeHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return httpkit.OK(c, auth.AdminFromLocals(c))
	}
}

type adminChangePasswordBody struct {
	EncryptedPassword string `json:"password"`
}

func adminChangePasswordHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		admin := auth.AdminFromLocals(c)

		var body adminChangePasswordBody
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}

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
		admin.PasswordHash = hash
		admin.MustChangePassword = false

		if err := d.Store.UpdateAdmin(c.UserContext(), *admin); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OKMessage(c, "password updated")
	}
}

func adminStatsHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats, err := d.Store.GetAdminStats(c.UserContext())
		if err != nil {
			return httpkit.WithError(c, err)
		}

		downloadsPerHour, err := d.Store.DownloadsPerHour(c.UserContext(), 24)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		packagesPerDay, err := d.Store.PackagesCreatedPerDay(c.UserContext(), 30)
		if err != nil {
			return httpkit.WithError(c, err)
		}

		return httpkit.OK(c, fiber.Map{
			"stats":               stats,
			"downloads_per_hour":  downloadsPerHour,
			"packages_per_day":    packagesPerDay,
		})
	}
}

func adminListPackagesHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		page, limit := httpkit.PageLimit(c)
		infos, err := d.Store.ListPackages(c.UserContext(), metadatastore.PackageFilter{}, page, limit)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, fiber.Map{"packages": infos, "page": page, "limit": limit})
	}
}

func adminDiscontinuePackageHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		var body struct {
			ReplacedBy *string `json:"replaced_by"`
		}
		_ = c.BodyParser(&body)

		if err := d.Store.DiscontinuePackage(c.UserContext(), name, body.ReplacedBy); err != nil {
			return httpkit.WithError(c, err)
		}
		if d.InfoCache != nil {
			d.InfoCache.Invalidate(c.UserContext(), name)
		}
		return httpkit.OKMessage(c, "package discontinued")
	}
}

func adminTransferPackageHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		var body struct {
			NewOwnerID string `json:"new_owner_id"`
		}
		if err := c.BodyParser(&body); err != nil || body.NewOwnerID == "" {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "new_owner_id is required")
		}

		if err := d.Store.TransferPackageOwnership(c.UserContext(), name, body.NewOwnerID); err != nil {
			return httpkit.WithError(c, err)
		}
		if d.InfoCache != nil {
			d.InfoCache.Invalidate(c.UserContext(), name)
		}
		return httpkit.OKMessage(c, "ownership transferred")
	}
}

func adminDeletePackageHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		n, err := d.Store.DeletePackage(c.UserContext(), name)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		if d.InfoCache != nil {
			d.InfoCache.Invalidate(c.UserContext(), name)
		}
		return httpkit.OK(c, fiber.Map{"versions_deleted": n})
	}
}

func adminDeleteVersionHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name, version := c.Params("name"), c.Params("version")
		ok, err := d.Store.DeletePackageVersion(c.UserContext(), name, version)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		if !ok {
			return httpkit.NotFound(c, httpkit.CodeNotFound, "version not found")
		}
		if d.InfoCache != nil {
			d.InfoCache.Invalidate(c.UserContext(), name)
		}
		return httpkit.OKMessage(c, "version deleted")
	}
}

func adminRetractVersionHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name, version := c.Params("name"), c.Params("version")
		var body struct {
			Message *string `json:"message"`
		}
		_ = c.BodyParser(&body)

		if err := d.Store.RetractPackageVersion(c.UserContext(), name, version, body.Message); err != nil {
			return httpkit.WithError(c, err)
		}
		if d.InfoCache != nil {
			d.InfoCache.Invalidate(c.UserContext(), name)
		}
		return httpkit.OKMessage(c, "version retracted")
	}
}

func adminUnretractVersionHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name, version := c.Params("name"), c.Params("version")
		if err := d.Store.UnretractPackageVersion(c.UserContext(), name, version); err != nil {
			return httpkit.WithError(c, err)
		}
		if d.InfoCache != nil {
			d.InfoCache.Invalidate(c.UserContext(), name)
		}
		return httpkit.OKMessage(c, "version unretracted")
	}
}

func adminListWebhooksHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		hooks, err := d.Store.ListWebhooks(c.UserContext())
		if err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, fiber.Map{"webhooks": hooks})
	}
}

type webhookBody struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func adminCreateWebhookHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body webhookBody
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}
		if body.URL == "" || len(body.Events) == 0 {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "url and events are required")
		}
		if err := webhook.CheckURL(body.URL); err != nil {
			return httpkit.BadRequest(c, "invalid_url", err.Error())
		}

		hook := domain.Webhook{
			ID:       uuid.NewString(),
			URL:      body.URL,
			Events:   body.Events,
			IsActive: true,
		}
		if body.Secret != "" {
			hook.Secret = &body.Secret
		}
		if err := d.Store.CreateWebhook(c.UserContext(), hook); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.Created(c, hook)
	}
}

func adminUpdateWebhookHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		existing, err := d.Store.GetWebhook(c.UserContext(), id)
		if err != nil {
			return httpkit.WithError(c, err)
		}

		var body webhookBody
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}
		if body.URL != "" {
			existing.URL = body.URL
		}
		if len(body.Events) > 0 {
			existing.Events = body.Events
		}
		if body.Secret != "" {
			existing.Secret = &body.Secret
		}
		if err := webhook.CheckURL(existing.URL); err != nil {
			return httpkit.BadRequest(c, "invalid_url", err.Error())
		}

		if err := d.Store.UpdateWebhook(c.UserContext(), *existing); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, existing)
	}
}

func adminDeleteWebhookHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if err := d.Store.DeleteWebhook(c.UserContext(), id); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OKMessage(c, "webhook deleted")
	}
}

func adminGetConfigHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		cfg, err := d.Store.GetSiteConfig(c.UserContext(), name)
		if err != nil {
			var se *domain.StorageError
			if errors.As(err, &se) && se.Kind == domain.NotFound {
				return httpkit.OK(c, domain.SiteConfig{Name: name, ValueType: domain.SiteConfigString})
			}
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, cfg)
	}
}

func adminSetConfigHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		var body struct {
			Value     string                     `json:"value"`
			ValueType domain.SiteConfigValueType `json:"value_type"`
		}
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}
		if body.ValueType == "" {
			body.ValueType = domain.SiteConfigString
		}

		cfg := domain.SiteConfig{Name: name, Value: body.Value, ValueType: body.ValueType, UpdatedAt: time.Now().UTC()}
		if err := d.Store.SetSiteConfig(c.UserContext(), cfg); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, cfg)
	}
}

func adminClearCacheHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		n, err := d.Proxy.ClearCache(c.UserContext())
		if err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, fiber.Map{"entries_cleared": n})
	}
}
