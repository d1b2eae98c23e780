package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// RateLimit throttles a route group per authenticated pupil, falling back to
// the client IP for anonymous callers.
func RateLimit(scope string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return scope + ":" + rateLimitSubject(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(window.Seconds())))
			return utils.Fail(c, fiber.StatusTooManyRequests, "too many requests", fiber.Map{
				"scope":  scope,
				"limit":  max,
				"window": window.String(),
			})
		},
	})
}

func rateLimitSubject(c *fiber.Ctx) string {
	if id, ok := c.Locals("user_id").(string); ok {
		if id = strings.TrimSpace(id); id != "" {
			return "user:" + id
		}
	}
	return "ip:" + c.IP()
}
