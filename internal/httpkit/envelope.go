// Package httpkit holds the shared fiber wiring: the JSON envelope, error
// translation, and middleware used by every route group in internal/api.
package httpkit

import "github.com/gofiber/fiber/v2"

// ErrorBody is the canonical error envelope's inner object.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessMessage is the canonical success envelope used when a handler has
// no resource to return.
type SuccessMessage struct {
	Message string `json:"message"`
}

// JSON writes {success: resource} is NOT the wire shape for resources: a
// resource is returned bare. OK writes a bare resource body with 200.
func OK(c *fiber.Ctx, resource any) error {
	return c.Status(fiber.StatusOK).JSON(resource)
}

// Created writes a bare resource body with 201.
func Created(c *fiber.Ctx, resource any) error {
	return c.Status(fiber.StatusCreated).JSON(resource)
}

// OKMessage writes the {success:{message}} envelope for handlers with no
// resource to return.
func OKMessage(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": SuccessMessage{Message: message}})
}

// NoContent writes 204 with no body, used by the upload endpoint.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
