package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// RequireRole lets the request through only when the caller's role is one of roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		normalized := canonicalRole(strings.ToLower(strings.TrimSpace(role)))
		if normalized == "" {
			continue
		}
		if _, dup := allowed[normalized]; !dup {
			names = append(names, normalized)
		}
		allowed[normalized] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		role := canonicalRole(normalizeRoleValue(c.Locals("user_role")))
		if role == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if _, ok := allowed[role]; !ok {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{
				"allowed_roles": names,
			})
		}
		return c.Next()
	}
}

// RequireStaff allows admins and teachers.
func RequireStaff() fiber.Handler {
	return RequireRole(RoleAdmin, RoleTeacher)
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
	}
}
