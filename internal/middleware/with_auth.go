package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// Roles carried in the JWT role claim.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RolePupil   = "pupil"
)

// Auth role groups understood by WithAuth.
const (
	AuthRoleAny   = "any"
	AuthRoleStaff = "staff"
	AuthRolePupil = RolePupil
)

// AuthOptions configures WithAuth and Guard.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth wraps a handler with an authentication and role check. Staff
// covers admins and teachers; pupil also accepts the legacy student role.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}
	requireUser := opts.RequireUser || role != AuthRoleAny

	return func(c *fiber.Ctx) error {
		if requireUser && !hasUser(c) {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if role == AuthRoleAny {
			return handler(c)
		}

		current := canonicalRole(normalizeRoleValue(c.Locals("user_role")))
		if !roleSatisfies(role, current) {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{
				"required": role,
			})
		}
		return handler(c)
	}
}

// Guard is WithAuth as a pass-through middleware for route groups.
func Guard(opts AuthOptions) fiber.Handler {
	return WithAuth(func(c *fiber.Ctx) error { return c.Next() }, opts)
}

func hasUser(c *fiber.Ctx) bool {
	switch id := c.Locals("user_id").(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(id) != ""
	default:
		return true
	}
}

func roleSatisfies(required, current string) bool {
	switch required {
	case AuthRoleStaff:
		return current == RoleAdmin || current == RoleTeacher
	default:
		return current == required
	}
}

func canonicalRole(role string) string {
	if role == "student" {
		return RolePupil
	}
	return role
}
