package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/otpgate/otpgate/internal/allocation"
	"github.com/otpgate/otpgate/internal/auth"
	"github.com/otpgate/otpgate/internal/ledger"
	"github.com/otpgate/otpgate/internal/vendor"
)

const healthTimeout = 2 * time.Second

// Paths lists the actions accepted by the dispatcher, in the order they are advertised.
var Paths = []string{
	"health",
	"getCountries",
	"getBalance",
	"getNumber",
	"getOtp",
	"cancelNumber",
	"getTransactions",
	"getActiveNumbers",
}

type action func(c *fiber.Ctx, userID string) error

// Handler exposes the gateway over a single path-dispatched endpoint.
type Handler struct {
	service *Service
	auth    auth.Authenticator
	logger  *slog.Logger
	actions map[string]action
}

// NewHandler builds the dispatcher. A nil authenticator falls back to passthrough.
func NewHandler(service *Service, authn auth.Authenticator, logger *slog.Logger) *Handler {
	if authn == nil {
		authn = auth.Passthrough{}
	}
	h := &Handler{service: service, auth: authn, logger: logger}
	h.actions = map[string]action{
		"getCountries":     h.countries,
		"getBalance":       h.balance,
		"getNumber":        h.getNumber,
		"getOtp":           h.getOTP,
		"cancelNumber":     h.cancelNumber,
		"getTransactions":  h.transactions,
		"getActiveNumbers": h.activeNumbers,
	}
	return h
}

// Dispatch routes the request on the path query parameter.
func (h *Handler) Dispatch(c *fiber.Ctx) error {
	path := c.Query("path")
	if path == "health" {
		return h.health(c)
	}

	ownID := queryParam(c, "ownid")
	if ownID == "" {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "USER_ID_REQUIRED",
			"message": "ownid is required",
		})
	}

	act, ok := h.actions[path]
	if !ok {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"success":        false,
			"error":          "INVALID_PATH",
			"message":        "unknown path",
			"availablePaths": Paths,
		})
	}

	userID, err := h.auth.Authenticate(c.UserContext(), auth.Credentials{
		OwnID:  ownID,
		Secret: utils.CopyString(c.Query("key")),
		Bearer: utils.CopyString(bearerToken(c.Get(fiber.HeaderAuthorization))),
	})
	if err != nil {
		return h.writeError(c, err)
	}
	c.Locals("user_id", userID)
	return act(c, userID)
}

// queryParam returns a trimmed copy of a query value. Fiber hands out strings
// backed by the request buffer, which is reused once the handler returns.
func queryParam(c *fiber.Ctx, key string) string {
	return utils.CopyString(strings.TrimSpace(c.Query(key)))
}

func (h *Handler) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := h.service.Health(ctx); err != nil {
		h.logger.Warn("health probe failed", slog.Any("error", err))
		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
			"success":   false,
			"status":    "DEGRADED",
			"message":   "store unavailable",
			"store":     "unavailable",
			"timestamp": now,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success":   true,
		"status":    "OK",
		"message":   "Server is running",
		"store":     "ok",
		"timestamp": now,
	})
}

func (h *Handler) countries(c *fiber.Ctx, userID string) error {
	list, acct, err := h.service.Countries(c.UserContext(), userID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"countries": list,
		"balance":   acct.Balance,
	})
}

func (h *Handler) balance(c *fiber.Ctx, userID string) error {
	acct, err := h.service.Balance(c.UserContext(), userID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"balance":     acct.Balance,
		"totalSpent":  acct.TotalSpent,
		"numbersUsed": acct.NumbersUsed,
	})
}

func (h *Handler) getNumber(c *fiber.Ctx, userID string) error {
	p, err := h.service.GetNumber(c.UserContext(), userID, queryParam(c, "countryKey"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"id":         p.Allocation.NumberID,
		"number":     p.Allocation.PhoneNumber,
		"price":      p.Allocation.Price,
		"newBalance": p.NewBalance,
		"country":    p.Allocation.Country,
	})
}

func (h *Handler) getOTP(c *fiber.Ctx, userID string) error {
	res, err := h.service.GetOTP(c.UserContext(), userID, queryParam(c, "id"))
	if err != nil {
		return h.writeError(c, err)
	}
	body := fiber.Map{
		"success": true,
		"status":  res.Status,
	}
	if res.OTP != "" {
		body["otp"] = res.OTP
	}
	if res.Refunded {
		body["refunded"] = true
		body["refundAmount"] = res.Allocation.Price
		body["newBalance"] = res.NewBalance
	}
	return c.JSON(body)
}

func (h *Handler) cancelNumber(c *fiber.Ctx, userID string) error {
	res, err := h.service.CancelNumber(c.UserContext(), userID, queryParam(c, "id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":      true,
		"refunded":     res.Refunded,
		"refundAmount": res.RefundAmount,
		"newBalance":   res.NewBalance,
	})
}

func (h *Handler) transactions(c *fiber.Ctx, userID string) error {
	list, err := h.service.Transactions(c.UserContext(), userID)
	if err != nil {
		return h.writeError(c, err)
	}
	if list == nil {
		list = []ledger.Transaction{}
	}
	return c.JSON(fiber.Map{"success": true, "transactions": list})
}

func (h *Handler) activeNumbers(c *fiber.Ctx, userID string) error {
	list, err := h.service.ActiveNumbers(c.UserContext(), userID)
	if err != nil {
		return h.writeError(c, err)
	}
	if list == nil {
		list = []allocation.Allocation{}
	}
	return c.JSON(fiber.Map{"success": true, "numbers": list})
}

func (h *Handler) writeError(c *fiber.Ctx, err error) error {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", c.Query("path")),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	return c.Status(status).JSON(body)
}

// errorBody maps a domain error to its HTTP status and response body.
func errorBody(err error) (int, fiber.Map) {
	fail := func(status int, code, msg string) (int, fiber.Map) {
		return status, fiber.Map{"success": false, "error": code, "message": msg}
	}

	var verr *ValidationError
	var insufficient *ledger.InsufficientBalanceError
	var upstream *vendor.UpstreamError
	switch {
	case errors.As(err, &verr):
		return fail(http.StatusBadRequest, verr.Code, verr.Message)
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired, fiber.Map{
			"success":        false,
			"error":          "INSUFFICIENT_BALANCE",
			"message":        "insufficient balance",
			"currentBalance": insufficient.Current,
			"required":       insufficient.Required,
		}
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fail(http.StatusBadRequest, "INVALID_AMOUNT", "amount must be positive")
	case errors.Is(err, auth.ErrUnauthorized):
		return fail(http.StatusUnauthorized, "UNAUTHORIZED", "caller identity could not be verified")
	case errors.Is(err, ErrNotFound), errors.Is(err, allocation.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return fail(http.StatusNotFound, "NOT_FOUND", "number not found")
	case errors.Is(err, ErrNotActive):
		return fail(http.StatusConflict, "NUMBER_NOT_ACTIVE", "number is already completed or cancelled")
	case errors.Is(err, ledger.ErrConflict):
		return fail(http.StatusConflict, "CONFLICT", "balance changed concurrently, retry")
	case errors.Is(err, vendor.ErrNoNumbers):
		return fail(http.StatusServiceUnavailable, "NO_NUMBERS", "no numbers available for this country")
	case errors.Is(err, vendor.ErrNoBalance):
		return fail(http.StatusServiceUnavailable, "VENDOR_NO_BALANCE", "provider balance exhausted")
	case errors.Is(err, vendor.ErrUpstreamTimeout):
		return fail(http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "provider did not respond in time")
	case errors.As(err, &upstream):
		return fail(http.StatusBadGateway, "UPSTREAM_ERROR", upstream.Raw)
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, allocation.ErrStoreUnavailable), errors.Is(err, auth.ErrStoreUnavailable):
		return fail(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "storage is unavailable")
	default:
		return fail(http.StatusInternalServerError, "SERVER_ERROR", "internal error")
	}
}

// ErrorHandler renders errors escaping the handlers, including those raised by
// middleware as *fiber.Error, in the gateway's JSON shape.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if !errors.As(err, &fe) {
			status, body := errorBody(err)
			if status >= http.StatusInternalServerError {
				logger.Error("unhandled error", slog.String("path", c.Path()), slog.Any("error", err))
			}
			return c.Status(status).JSON(body)
		}
		code := "SERVER_ERROR"
		switch fe.Code {
		case http.StatusBadRequest:
			code = "BAD_REQUEST"
		case http.StatusNotFound:
			code = "NOT_FOUND"
		case http.StatusMethodNotAllowed:
			code = "METHOD_NOT_ALLOWED"
		case http.StatusConflict:
			code = "DUPLICATE_REQUEST"
		case http.StatusTooManyRequests:
			code = "RATE_LIMITED"
		case http.StatusServiceUnavailable:
			code = "STORE_UNAVAILABLE"
		}
		return c.Status(fe.Code).JSON(fiber.Map{"success": false, "error": code, "message": fe.Message})
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
