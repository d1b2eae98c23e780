package utils_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-marking-api/internal/utils"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func call(t *testing.T, handler fiber.Handler) (int, envelope) {
	t.Helper()

	app := fiber.New()
	app.Get("/", handler)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload envelope
	require.NoError(t, json.Unmarshal(body, &payload), string(body))
	return resp.StatusCode, payload
}

func TestOKCarriesPaginationMeta(t *testing.T) {
	status, payload := call(t, func(c *fiber.Ctx) error {
		return utils.OK(c, []string{"job-1"}, "", fiber.Map{"page": 1, "page_size": 20, "total": 1})
	})

	require.Equal(t, fiber.StatusOK, status)
	require.True(t, payload.Success)
	require.Equal(t, "success", payload.Message)
	require.JSONEq(t, `["job-1"]`, string(payload.Data))
	require.JSONEq(t, `{"page":1,"page_size":20,"total":1}`, string(payload.Meta))
	require.Empty(t, payload.Details)
}

func TestSendSuccessWithStatusAccepted(t *testing.T) {
	status, payload := call(t, func(c *fiber.Ctx) error {
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "activity is not markable", fiber.Map{"skipped": 2})
	})

	require.Equal(t, fiber.StatusAccepted, status)
	require.True(t, payload.Success)
	require.Equal(t, "activity is not markable", payload.Message)
	require.JSONEq(t, `{"skipped":2}`, string(payload.Data))
}

func TestFailDefaultsAndDetails(t *testing.T) {
	status, payload := call(t, func(c *fiber.Ctx) error {
		return utils.Fail(c, 0, "", fiber.Map{"field": "group_assignment_id"})
	})

	require.Equal(t, fiber.StatusInternalServerError, status)
	require.False(t, payload.Success)
	require.Equal(t, "error", payload.Message)
	require.JSONEq(t, `{"field":"group_assignment_id"}`, string(payload.Details))
	require.Empty(t, payload.Data)
}

func TestSendErrorUsesStatus(t *testing.T) {
	status, payload := call(t, func(c *fiber.Ctx) error {
		return utils.SendError(c, fiber.StatusConflict, "job is not retryable")
	})

	require.Equal(t, fiber.StatusConflict, status)
	require.False(t, payload.Success)
	require.Equal(t, "job is not retryable", payload.Message)
}
