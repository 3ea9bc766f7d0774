// Package handlers exposes the exchange over HTTP and WebSocket with fiber.
package handlers

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/auth"
	"github.com/user/spotexchange/backend/internal/middleware"
	"github.com/user/spotexchange/backend/internal/orderbook"
	"github.com/user/spotexchange/backend/internal/settlement"
	"github.com/user/spotexchange/backend/internal/store"
	"github.com/user/spotexchange/backend/internal/ticker"
	internalws "github.com/user/spotexchange/backend/internal/websocket"
	"go.uber.org/zap"
)

// Deps are the services the handlers call. Ticker, Hub, Ping and StreamState are optional.
type Deps struct {
	Orders        *settlement.Service
	Users         store.Users
	Prices        settlement.PriceSource
	Book          *orderbook.Manager
	Tokens        *auth.Tokens
	Ticker        *ticker.Ticker
	Hub           *internalws.Hub
	Logger        *zap.Logger
	AllowDeposits bool
	// Ping checks the storage backend.
	Ping func(ctx context.Context) error
	// StreamState reports the market stream connection state.
	StreamState func() string
}

// Handler serves the API. It keeps no request state of its own.
type Handler struct {
	Deps
	validate *validator.Validate
}

// New creates the handler set.
func New(deps Deps) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Deps: deps, validate: v}
}

// Register mounts every route on app.
func (h *Handler) Register(app *fiber.App) {
	// --- WebSocket Routes ---
	if h.Hub != nil {
		wsGroup := app.Group("/ws")
		wsGroup.Use("/", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		wsGroup.Get("/prices", websocket.New(h.PriceWSEndpoint))
	}

	api := app.Group("/api")

	// Public
	api.Get("/health", h.Health)
	api.Get("/book/:symbol", h.GetOrderBookDepth)
	api.Get("/prices", h.GetPrices)
	api.Get("/prices/:symbol", h.GetPrice)

	authGroup := api.Group("/auth")
	authGroup.Post("/signup", h.Signup)
	authGroup.Post("/login", h.Login)

	// --- Protected Routes ---
	protected := middleware.Protected(h.Tokens)
	api.Get("/me", protected, h.Me)

	ordersGroup := api.Group("/orders", protected)
	ordersGroup.Post("/", h.CreateOrder)
	ordersGroup.Post("/execute", h.CreateOrder)
	ordersGroup.Get("/", h.GetOrders)
	ordersGroup.Get("/:id", h.GetOrderByID)
	ordersGroup.Delete("/:id", h.CancelOrder)

	api.Get("/trades", protected, h.GetTrades)
	api.Get("/portfolio", protected, h.GetPortfolio)
	if h.AllowDeposits {
		api.Post("/wallets/deposit", protected, h.Deposit)
	}
}

type errorResponse struct {
	Error  string              `json:"error"`
	Kind   apperr.Kind         `json:"kind"`
	Fields []apperr.FieldError `json:"fields,omitempty"`
}

// ErrorHandler renders errors as {"error", "kind", "fields"} with the status of their kind.
// Errors without a kind are logged and reported as a bare internal error.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			kind := apperr.KindInternal
			switch {
			case fe.Code == fiber.StatusNotFound:
				kind = apperr.KindNotFound
			case fe.Code < fiber.StatusInternalServerError:
				kind = apperr.KindValidation
			}
			return c.Status(fe.Code).JSON(errorResponse{Error: fe.Message, Kind: kind})
		}

		var ae *apperr.Error
		if errors.As(err, &ae) {
			msg := ae.Message
			if msg == "" {
				msg = string(ae.Kind)
			}
			status := apperr.HTTPStatus(err)
			if status >= fiber.StatusInternalServerError {
				logger.Warn("Request failed upstream", zap.String("path", c.Path()), zap.Error(err))
			}
			return c.Status(status).JSON(errorResponse{Error: msg, Kind: ae.Kind, Fields: ae.Fields})
		}

		logger.Error("Unhandled request error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
			Error: "internal server error",
			Kind:  apperr.KindInternal,
		})
	}
}

// parseBody decodes the JSON body into req and runs its validate tags.
func (h *Handler) parseBody(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return apperr.Validation("cannot parse request body")
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperr.Validation("invalid request")
		}
		fields := make([]apperr.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, apperr.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
		}
		return apperr.ValidationFields(fields)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min":
		return fe.Field() + " must be at least " + fe.Param() + " characters"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "alphanum":
		return fe.Field() + " must contain only letters and digits"
	default:
		return fe.Field() + " is invalid"
	}
}

// queryInt reads an optional integer query parameter.
func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.ValidationFields([]apperr.FieldError{{Field: key, Message: key + " must be a non-negative integer"}})
	}
	return n, nil
}

// Health reports liveness plus the state of storage and the market stream.
func (h *Handler) Health(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok"}
	status := fiber.StatusOK
	if h.Ping != nil {
		if err := h.Ping(c.UserContext()); err != nil {
			h.Logger.Warn("Storage health check failed", zap.Error(err))
			resp["status"] = "degraded"
			resp["storage"] = "unavailable"
			status = fiber.StatusServiceUnavailable
		} else {
			resp["storage"] = "ok"
		}
	}
	if h.StreamState != nil {
		resp["stream"] = h.StreamState()
	}
	return c.Status(status).JSON(resp)
}
