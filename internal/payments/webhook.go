package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/agrolink/rfq/internal/market"
	"github.com/gin-gonic/gin"
)

const signatureHeader = "X-Paystack-Signature"

const maxWebhookBody = 64 << 10

// ConfirmFunc completes the flow that a paid reference belongs to.
// entityID is taken from the charge metadata and may be empty.
type ConfirmFunc func(ctx context.Context, entityID, reference string) error

// WebhookEvent is the subset of a gateway callback the router needs.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string         `json:"reference"`
		Status    string         `json:"status"`
		Metadata  map[string]any `json:"metadata"`
	} `json:"data"`
}

// EntityID returns the metadata entity ID, if the charge carried one.
func (e *WebhookEvent) EntityID() string {
	if e.Data.Metadata == nil {
		return ""
	}
	id, _ := e.Data.Metadata[MetaEntityID].(string)
	return id
}

// WebhookHandler routes signed gateway callbacks to the flow owning the
// reference prefix. The callback is only a hint: every ConfirmFunc
// re-verifies the charge with the gateway before writing.
type WebhookHandler struct {
	secret string
	routes map[string]ConfirmFunc
	logger *slog.Logger
}

// NewWebhookHandler creates a router that authenticates callbacks with secret.
func NewWebhookHandler(secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret: secret,
		routes: make(map[string]ConfirmFunc),
		logger: logger,
	}
}

// Route registers fn for references starting with prefix + "-".
func (h *WebhookHandler) Route(prefix string, fn ConfirmFunc) *WebhookHandler {
	h.routes[prefix] = fn
	return h
}

// RegisterRoutes sets up the public callback route.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.Receive)
}

// Receive handles POST /payments/webhook
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": "Could not read body"})
		return
	}
	if !VerifySignature(h.secret, body, c.GetHeader(signatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": ErrInvalidSignature.Error()})
		return
	}

	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": "Malformed event"})
		return
	}
	if evt.Event != "charge.success" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ref := evt.Data.Reference
	fn, ok := h.routes[PrefixOf(ref)]
	if !ok {
		h.logger.Warn("payment webhook for unrouted reference", "reference", ref)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := fn(c.Request.Context(), evt.EntityID(), ref); err != nil {
		// Replays and lost races are final; anything else asks the
		// gateway to redeliver.
		if errors.Is(err, market.ErrPaymentNotConfirmed) || errors.Is(err, market.ErrConflict) ||
			errors.Is(err, market.ErrTransition) || errors.Is(err, market.ErrNotFound) {
			h.logger.Info("payment webhook not applied", "reference", ref, "error", err)
			c.JSON(http.StatusOK, gin.H{"status": "not_applied"})
			return
		}
		h.logger.Error("payment webhook failed", "reference", ref, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to apply payment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

// VerifySignature checks the hex HMAC-SHA512 of body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the hex HMAC-SHA512 signature of body. Used by tests and the
// in-memory gateway to produce callbacks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
