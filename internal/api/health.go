package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
)

func healthHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return httpkit.OK(c, fiber.Map{"status": "ok"})
	}
}

func healthDetailedHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		status, err := d.Store.HealthCheck(c.UserContext())
		if err != nil {
			return httpkit.ServiceUnavailable(c, httpkit.CodeStorageError, err.Error())
		}
		d.Metrics.StoreLatencyMS.Set(float64(status.LatencyMS))
		if status.DBSizeBytes != nil {
			d.Metrics.StoreSizeBytes.Set(float64(*status.DBSizeBytes))
		}
		return httpkit.OK(c, status)
	}
}

func versionHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return httpkit.OK(c, fiber.Map{"version": d.Config.Version, "git_hash": d.Config.GitHash})
	}
}

func publicKeyHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		modulus, exponent := d.RSA.PublicKey()
		return httpkit.OK(c, fiber.Map{"modulus": modulus, "exponent": exponent})
	}
}
