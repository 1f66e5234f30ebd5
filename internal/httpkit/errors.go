package httpkit

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gsmlg-opt/repub-sub000/internal/domain"
)

// APIError is a handler-raised error carrying the slug/status the envelope
// needs, for failures that don't originate from a StorageError.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string { return e.Message }

func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// Error taxonomy slugs from the spec's error handling design section.
const (
	CodeAuthMissing     = "auth_missing"
	CodeAuthInvalid     = "auth_invalid"
	CodeAuthForbidden   = "auth_forbidden"
	CodeValidation      = "validation_error"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeVersionExists   = "version_exists"
	CodePayloadTooLarge = "payload_too_large"
	CodeRateLimited     = "rate_limited"
	CodeUpstreamDisabled = "upstream_disabled"
	CodeUpstreamError   = "upstream_error"
	CodeStorageError    = "storage_error"
	CodeInternalError   = "internal_error"
	CodeWeakPassword    = "weak_password"
	CodeInvalidURL      = "invalid_url"
	CodeInvalidPasswordFormat = "invalid_password_format"
)

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": ErrorBody{Code: code, Message: message}})
}

// WithError translates any error into the canonical JSON error envelope,
// dispatching on concrete type the way common/net/http/errors.go's
// WithError does, adapted to this service's StorageError/APIError taxonomy
// instead of the teacher's EntityNotFoundError/ValidationError family.
func WithError(c *fiber.Ctx, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return errorJSON(c, apiErr.Status, apiErr.Code, apiErr.Message)
	}

	var storageErr *domain.StorageError
	if errors.As(err, &storageErr) {
		switch storageErr.Kind {
		case domain.NotFound:
			return errorJSON(c, fiber.StatusNotFound, orDefault(storageErr.Code, CodeNotFound), storageErr.Message)
		case domain.Conflict:
			return errorJSON(c, fiber.StatusConflict, orDefault(storageErr.Code, CodeConflict), storageErr.Message)
		case domain.Invalid:
			return errorJSON(c, fiber.StatusBadRequest, orDefault(storageErr.Code, CodeValidation), storageErr.Message)
		case domain.Unavailable:
			return errorJSON(c, fiber.StatusInternalServerError, orDefault(storageErr.Code, CodeStorageError), storageErr.Message)
		}
	}

	return errorJSON(c, fiber.StatusInternalServerError, CodeInternalError, err.Error())
}

func orDefault(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}

// BadRequest, NotFound, Forbidden, etc. are convenience constructors used
// directly by handlers that don't go through a StorageError/APIError.

func BadRequest(c *fiber.Ctx, code, message string) error {
	return errorJSON(c, fiber.StatusBadRequest, code, message)
}

func Unauthorized(c *fiber.Ctx, code, message string) error {
	return errorJSON(c, fiber.StatusUnauthorized, code, message)
}

func Forbidden(c *fiber.Ctx, code, message string) error {
	return errorJSON(c, fiber.StatusForbidden, code, message)
}

func NotFound(c *fiber.Ctx, code, message string) error {
	return errorJSON(c, fiber.StatusNotFound, code, message)
}

func Conflict(c *fiber.Ctx, code, message string) error {
	return errorJSON(c, fiber.StatusConflict, code, message)
}

func TooLarge(c *fiber.Ctx, message string) error {
	return errorJSON(c, fiber.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

func ServiceUnavailable(c *fiber.Ctx, code, message string) error {
	return errorJSON(c, fiber.StatusServiceUnavailable, code, message)
}

func InternalError(c *fiber.Ctx, message string) error {
	return errorJSON(c, fiber.StatusInternalServerError, CodeInternalError, message)
}

// InternalErrorWithCode writes a 500 with a caller-chosen taxonomy code,
// used where the taxonomy names a more specific 500 slug than
// internal_error (upstream_error, storage_error).
func InternalErrorWithCode(c *fiber.Ctx, code, message string) error {
	return errorJSON(c, fiber.StatusInternalServerError, code, message)
}
