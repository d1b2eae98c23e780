package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// SharedSecret guards machine-to-machine endpoints with a static key sent in header.
// An unset secret is a server misconfiguration and answers 500 so callers do not mistake it for bad credentials.
func SharedSecret(header, secret string) fiber.Handler {
	expected := []byte(strings.TrimSpace(secret))

	return func(c *fiber.Ctx) error {
		if len(expected) == 0 {
			return utils.SendError(c, fiber.StatusInternalServerError, "endpoint is not configured")
		}

		provided := []byte(strings.TrimSpace(c.Get(header)))
		if len(provided) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid service key")
		}

		return c.Next()
	}
}
