package webhooks

import (
	"net/http"
	"time"

	"github.com/agrolink/rfq/internal/apierr"
	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/idgen"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/gin-gonic/gin"
)

const maxPerUser = 10

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler. validate checks subscription
// URLs before they are stored; pass nil to accept any http(s) URL.
func NewHandler(store Store, validate func(string) error) *Handler {
	if validate == nil {
		validate = func(string) error { return nil }
	}
	return &Handler{store: store, urlValidator: validate}
}

// RegisterProtectedRoutes sets up webhook routes for the authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required,url,max=2048"`
	Events []string `json:"events" binding:"max=32"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "url must be a valid URL")
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		apierr.BadRequest(c, "invalid_url", err.Error())
		return
	}
	events := make([]notify.Event, 0, len(req.Events))
	for _, e := range req.Events {
		ev := notify.Event(e)
		if !ev.Known() {
			apierr.BadRequest(c, "invalid_event", "unknown event "+e)
			return
		}
		events = append(events, ev)
	}

	ctx := c.Request.Context()
	existing, err := h.store.ListByUser(ctx, actor.ID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if len(existing) >= maxPerUser {
		apierr.BadRequest(c, "limit_reached", "too many webhooks registered")
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    actor.ID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		apierr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only shown once
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(body, secret)",
			"header":    headerSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	subs, err := h.store.ListByUser(c.Request.Context(), actor.ID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	ctx := c.Request.Context()

	sub, err := h.store.Get(ctx, c.Param("id"))
	if err == nil && sub.UserID != actor.ID {
		err = ErrNotFound
	}
	if err == nil {
		err = h.store.Delete(ctx, sub.ID)
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
