package api

import (
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/gsmlg-opt/repub-sub000/internal/auth"
	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
	"github.com/gsmlg-opt/repub-sub000/internal/publish"
)

func registerPublishRoutes(app *fiber.App, d *Deps) {
	app.Get("/api/packages/versions/new", newUploadSessionHandler(d))
	app.Post("/api/packages/versions/upload/:sid", uploadBytesHandler(d))
	app.Get("/api/packages/versions/finalize/:sid", finalizeHandler(d))
}

func newUploadSessionHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.TokenFromContext(c)
		if d.Config.RequirePublishAuth && token == nil {
			return httpkit.Unauthorized(c, httpkit.CodeAuthMissing, "authentication required to publish")
		}

		ownerID := ""
		if token != nil {
			ownerID = token.UserID
		}

		sess := d.Publish.Create(token != nil, ownerID)
		return httpkit.OK(c, fiber.Map{
			"url":    "/api/packages/versions/upload/" + sess.ID,
			"fields": fiber.Map{},
		})
	}
}

func uploadBytesHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sid := c.Params("sid")

		body, err := extractUploadBody(c)
		if err != nil {
			return withPublishError(c, err)
		}

		if err := d.Publish.Upload(sid, body); err != nil {
			return withPublishError(c, err)
		}

		c.Set(fiber.HeaderLocation, "/api/packages/versions/finalize/"+sid)
		return httpkit.NoContent(c)
	}
}

// extractUploadBody accepts either raw bytes or multipart/form-data with a
// single file part, per the upload step's contract.
func extractUploadBody(c *fiber.Ctx) ([]byte, error) {
	if form, err := c.MultipartForm(); err == nil && form != nil {
		for _, files := range form.File {
			if len(files) == 0 {
				continue
			}
			fh := files[0]
			f, err := fh.Open()
			if err != nil {
				return nil, &publish.PublishError{Code: "invalid_archive", Message: "could not open uploaded file"}
			}
			defer f.Close()

			buf, err := io.ReadAll(f)
			if err != nil {
				return nil, &publish.PublishError{Code: "invalid_archive", Message: "could not read uploaded file"}
			}
			return buf, nil
		}
	}
	return c.Body(), nil
}

func finalizeHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sid := c.Params("sid")
		token := auth.TokenFromContext(c)

		caller := publish.Caller{Token: token, HasToken: token != nil}
		if token != nil {
			caller.UserID = token.UserID
		}
		ip := httpkit.ClientIP(c)
		caller.PublisherIP = &ip

		pv, err := d.Finalizer.Finalize(c.UserContext(), sid, caller)
		if err != nil {
			return withPublishError(c, err)
		}
		return httpkit.OK(c, pv)
	}
}

// withPublishError maps a publish.PublishError's code onto the taxonomy
// status the error handling design assigns it.
func withPublishError(c *fiber.Ctx, err error) error {
	pe, ok := err.(*publish.PublishError)
	if !ok {
		return httpkit.WithError(c, err)
	}

	status := fiber.StatusBadRequest
	switch pe.Code {
	case "session_not_found":
		status = fiber.StatusNotFound
	case "upload_too_large":
		status = fiber.StatusRequestEntityTooLarge
	case "finalize_in_progress", "version_exists":
		status = fiber.StatusConflict
	case "auth_forbidden":
		status = fiber.StatusForbidden
	case "storage_error":
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(fiber.Map{"error": httpkit.ErrorBody{Code: pe.Code, Message: pe.Message}})
}
