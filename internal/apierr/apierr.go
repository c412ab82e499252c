// Package apierr maps protocol errors to HTTP responses.
package apierr

import (
	"errors"
	"net/http"

	"github.com/agrolink/rfq/internal/logging"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/payments"
	"github.com/gin-gonic/gin"
)

// Body is the JSON error envelope.
type Body struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    string `json:"status,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Classify returns the HTTP status and machine code for err.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, market.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, market.ErrNotFound), errors.Is(err, payments.ErrUnknownReference):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, market.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, market.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, market.ErrTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, market.ErrPaymentNotConfirmed):
		return http.StatusPaymentRequired, "payment_not_confirmed"
	case errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, payments.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Respond writes err as a JSON error envelope.
func Respond(c *gin.Context, err error) {
	status, code := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, Body{
		Error:     code,
		Message:   msg,
		Status:    market.CurrentStatus(err),
		Retryable: market.Retryable(err),
	})
}

// BadRequest writes a 400 for malformed input that never reached the service.
func BadRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, Body{Error: code, Message: message})
}
