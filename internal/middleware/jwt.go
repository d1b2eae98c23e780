package middleware

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// accessTokenQuery carries the token for EventSource and WebSocket clients,
// which cannot set an Authorization header.
const accessTokenQuery = "access_token"

const jwtLeeway = 30 * time.Second

// JWTProtected validates HMAC-signed bearer tokens and stores the caller's
// id and role in the request locals.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(jwtLeeway),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		tokenString, err := tokenFromRequest(c)
		if err != nil {
			return utils.Fail(c, fiber.StatusUnauthorized, err.Error(), nil)
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid token", nil)
		}

		userID, ok := userIDFromClaims(claims)
		if !ok {
			return utils.Fail(c, fiber.StatusUnauthorized, "token has no subject", nil)
		}
		c.Locals("user_id", userID)
		if role := roleFromClaims(claims); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

func tokenFromRequest(c *fiber.Ctx) (string, error) {
	authorization := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if authorization == "" {
		if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" && isStreamRoute(c.Path()) {
			return token, nil
		}
		return "", fmt.Errorf("authorization header missing")
	}

	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("invalid authorization header")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("invalid token")
	}
	return token, nil
}

func userIDFromClaims(claims jwt.MapClaims) (string, bool) {
	for _, key := range []string{"sub", "user_id", "id"} {
		if value, ok := claims[key]; ok {
			if id, err := normalizeUserID(value); err == nil {
				return id, true
			}
		}
	}
	return "", false
}

func normalizeUserID(value interface{}) (string, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return "", fmt.Errorf("invalid subject")
		}
		return strconv.FormatInt(int64(v), 10), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return "", fmt.Errorf("empty subject")
		}
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported subject type %T", value)
	}
}

// roleFromClaims reads "role" or the first usable entry of "roles".
func roleFromClaims(claims jwt.MapClaims) string {
	if role, ok := claims["role"].(string); ok {
		if role = canonicalRole(normalizeRoleValue(role)); role != "" {
			return role
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, item := range roles {
			if role, ok := item.(string); ok {
				if role = canonicalRole(normalizeRoleValue(role)); role != "" {
					return role
				}
			}
		}
	}
	return ""
}
