package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/auth"
)

const (
	localUserID   = "userID"
	localUsername = "username"
)

// Protected is a middleware function to verify JWT authentication.
// Failures are returned as Unauthorized errors for the app's error handler.
func Protected(tokens *auth.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return apperr.Unauthorized("missing authorization header")
		}

		// Expecting "Bearer <token>"
		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return apperr.Unauthorized("invalid authorization header format")
		}

		claims, err := tokens.ValidateJWT(parts[1])
		if err != nil {
			return err
		}

		// Store user information in context for downstream handlers
		c.Locals(localUserID, claims.UserID)
		c.Locals(localUsername, claims.Username)
		return c.Next()
	}
}

// UserID returns the authenticated user stored by Protected.
func UserID(c *fiber.Ctx) (uuid.UUID, error) {
	id, ok := c.Locals(localUserID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, apperr.Unauthorized("no authenticated user")
	}
	return id, nil
}

// Username returns the authenticated username stored by Protected.
func Username(c *fiber.Ctx) string {
	name, _ := c.Locals(localUsername).(string)
	return name
}
