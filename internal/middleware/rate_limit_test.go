package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestRateLimitIsPerPupil(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if user := c.Get("X-Test-User"); user != "" {
			c.Locals("user_id", user)
		}
		return c.Next()
	})
	app.Put("/answer", RateLimit("answers", 2, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	send := func(user string) *http.Response {
		req := httptest.NewRequest(http.MethodPut, "/answer", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		return resp
	}

	require.Equal(t, fiber.StatusOK, send("pupil-1").StatusCode)
	require.Equal(t, fiber.StatusOK, send("pupil-1").StatusCode)

	limited := send("pupil-1")
	require.Equal(t, fiber.StatusTooManyRequests, limited.StatusCode)
	require.Equal(t, "60", limited.Header.Get(fiber.HeaderRetryAfter))

	require.Equal(t, fiber.StatusOK, send("pupil-2").StatusCode)
	require.Equal(t, fiber.StatusOK, send("").StatusCode)
}
