package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/auth"
	"github.com/user/spotexchange/backend/internal/middleware"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/store"
	"go.uber.org/zap"
)

// SignupRequest defines the expected JSON body for signup
type SignupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest defines the expected JSON body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse defines the JSON response for successful auth
type AuthResponse struct {
	Token    string       `json:"token"`
	User     *models.User `json:"user"`
	IssuedAt time.Time    `json:"issued_at"`
}

// Signup handles user registration.
func (h *Handler) Signup(c *fiber.Ctx) error {
	req := new(SignupRequest)
	if err := h.parseBody(c, req); err != nil {
		return err
	}
	req.Username = strings.TrimSpace(req.Username)

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}

	// The unique constraint decides races between concurrent signups.
	newUser, err := h.Users.CreateUser(c.UserContext(), req.Username, hashedPassword)
	if errors.Is(err, store.ErrUsernameTaken) {
		return apperr.Conflict("username already taken")
	}
	if err != nil {
		return err
	}

	token, err := h.Tokens.GenerateJWT(newUser.ID, newUser.Username)
	if err != nil {
		// User was created, but token failed; the client can log in.
		return err
	}
	h.Logger.Info("User signed up", zap.Stringer("user_id", newUser.ID))

	return c.Status(fiber.StatusCreated).JSON(AuthResponse{
		Token:    token,
		User:     newUser,
		IssuedAt: time.Now().UTC(),
	})
}

// Login handles user authentication.
func (h *Handler) Login(c *fiber.Ctx) error {
	req := new(LoginRequest)
	if err := h.parseBody(c, req); err != nil {
		return err
	}

	user, err := h.Users.GetUserByUsername(c.UserContext(), strings.TrimSpace(req.Username))
	if err != nil {
		return err
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.Password) {
		return apperr.Unauthorized("invalid username or password")
	}

	token, err := h.Tokens.GenerateJWT(user.ID, user.Username)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(AuthResponse{
		Token:    token,
		User:     user,
		IssuedAt: time.Now().UTC(),
	})
}

// Me returns the authenticated user.
func (h *Handler) Me(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"user_id":  userID,
		"username": middleware.Username(c),
	})
}
