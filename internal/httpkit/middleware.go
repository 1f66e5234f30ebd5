package httpkit

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
)

const headerCorrelationID = "X-Request-Id"

// WithCORS configures fiber's CORS middleware from the configured origin
// list, mirroring common/net/http/withCORS.go.
func WithCORS(allowedOrigins []string) fiber.Handler {
	origins := "*"
	if len(allowedOrigins) > 0 {
		origins = strings.Join(allowedOrigins, ",")
	}

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		AllowHeaders:     "Accept, Content-Type, Content-Length, Authorization",
		AllowCredentials: origins != "*",
	})
}

// WithCorrelationID stamps every request/response pair with a request id.
func WithCorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cid := uuid.NewString()
		c.Set(headerCorrelationID, cid)
		c.Request().Header.Add(headerCorrelationID, cid)
		return c.Next()
	}
}

// WithVersionHeaders stamps every response with the server's version and
// git hash, surfaced per the spec as X-Repub-* headers.
func WithVersionHeaders(version, gitHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Repub-Version", version)
		c.Set("X-Repub-Git-Hash", gitHash)
		return c.Next()
	}
}

// ClientIP extracts the client address the way
// common/net/http/httputils.go's GetRemoteAddress does: X-Forwarded-For
// first IP, else X-Real-Ip, else the raw peer address, stripped of port.
func ClientIP(c *fiber.Ctx) string {
	forwardedFor := c.Get("X-Forwarded-For")
	realIP := c.Get("X-Real-Ip")

	if forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP != "" {
		return realIP
	}

	return ipFromRemoteAddr(c.Context().RemoteAddr().String())
}

func ipFromRemoteAddr(s string) string {
	idx := strings.LastIndex(s, ":")
	if idx == -1 {
		return s
	}
	return s[:idx]
}

// PageLimit parses and clamps the page/limit query parameters per §4.1:
// limit clamped to [1,100], page to [1,10000].
func PageLimit(c *fiber.Ctx) (page, limit int) {
	page = clampQueryInt(c, "page", 1, 1, 10000)
	limit = clampQueryInt(c, "limit", 10, 1, 100)
	return page, limit
}

func clampQueryInt(c *fiber.Ctx, name string, def, min, max int) int {
	v := c.QueryInt(name, def)
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
