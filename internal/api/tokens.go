package api

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gofiber/fiber/v2"

	"github.com/gsmlg-opt/repub-sub000/internal/auth"
	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
)

func registerTokenRoutes(app *fiber.App, d *Deps) {
	app.Get("/api/tokens", listTokensHandler(d))
	app.Post("/api/tokens", createTokenHandler(d))
	app.Delete("/api/tokens/:label", deleteTokenHandler(d))
}

func requireUserSession(d *Deps, c *fiber.Ctx) (*domain.User, error) {
	user, err := d.Auth.UserFromCookie(c)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, httpkit.NewAPIError(fiber.StatusUnauthorized, httpkit.CodeAuthMissing, "no active session")
	}
	return user, nil
}

func listTokensHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := requireUserSession(d, c)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		tokens, err := d.Store.ListTokensForUser(c.UserContext(), user.ID)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, fiber.Map{"tokens": tokens})
	}
}

type createTokenBody struct {
	Label  string   `json:"label"`
	Scopes []string `json:"scopes"`
}

// newTokenPlaintext mints a 256-bit random bearer token, rendered as hex so
// it survives copy/paste and header transport unmodified.
func newTokenPlaintext() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func createTokenHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := requireUserSession(d, c)
		if err != nil {
			return httpkit.WithError(c, err)
		}

		var body createTokenBody
		if err := c.BodyParser(&body); err != nil {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "malformed request body")
		}
		if body.Label == "" {
			return httpkit.BadRequest(c, httpkit.CodeValidation, "label is required")
		}

		plaintext, err := newTokenPlaintext()
		if err != nil {
			return httpkit.InternalError(c, "generating token")
		}

		token := domain.Token{
			Hash:   auth.HashToken(plaintext),
			UserID: user.ID,
			Label:  body.Label,
			Scopes: body.Scopes,
		}
		if err := d.Store.CreateToken(c.UserContext(), token); err != nil {
			return httpkit.WithError(c, err)
		}

		return httpkit.Created(c, fiber.Map{
			"label":  token.Label,
			"scopes": token.Scopes,
			"token":  plaintext,
		})
	}
}

func deleteTokenHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := requireUserSession(d, c)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		label := c.Params("label")
		if err := d.Store.DeleteToken(c.UserContext(), user.ID, label); err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OKMessage(c, "token revoked")
	}
}
