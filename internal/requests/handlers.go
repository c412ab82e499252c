package requests

import (
	"net/http"
	"strings"
	"time"

	"github.com/agrolink/rfq/internal/apierr"
	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/pagination"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for sourcing requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new request handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) request routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/requests", h.ListOpen)
	r.GET("/requests/:id", h.GetRequest)
}

// RegisterProtectedRoutes sets up buyer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.CreateRequest)
	r.POST("/requests/:id/payment", h.InitiatePayment)
	r.POST("/requests/:id/activate", h.Activate)
	r.POST("/requests/:id/hold", h.SetHold)
	r.POST("/requests/:id/close", h.Close)
	r.GET("/buyers/me/requests", h.ListMine)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/requests/expire", h.Expire)
}

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var req CreateRequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	actor, _ := auth.ActorFrom(c)
	r, err := h.service.CreateRequest(c.Request.Context(), actor, req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": r})
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	r, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ListOpen handles GET /v1/requests
func (h *Handler) ListOpen(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), 50, 200)
	page, err := h.service.ListOpen(c.Request.Context(), market.RequestKind(c.Query("kind")), c.Query("cursor"), limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListMine handles GET /v1/buyers/me/requests
func (h *Handler) ListMine(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	var statuses []market.RequestStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, market.RequestStatus(strings.TrimSpace(s)))
		}
	}
	limit := pagination.Limit(c.Query("limit"), 50, 200)
	page, err := h.service.ListByBuyer(c.Request.Context(), actor.ID, statuses, c.Query("cursor"), limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// InitiatePayment handles POST /v1/requests/:id/payment
func (h *Handler) InitiatePayment(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	r, err := h.service.InitiatePayment(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request":     r,
		"reference":   r.PaymentRef,
		"checkoutUrl": r.CheckoutURL,
	})
}

type activateRequest struct {
	Reference string `json:"reference"`
}

// Activate handles POST /v1/requests/:id/activate
func (h *Handler) Activate(c *gin.Context) {
	var req activateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid_request", "Invalid request body")
			return
		}
	}
	actor, _ := auth.ActorFrom(c)
	id := c.Param("id")

	// Only the buyer may trigger activation from the client side.
	if _, err := h.service.Get(c.Request.Context(), actor, id); err != nil {
		apierr.Respond(c, err)
		return
	}
	r, err := h.service.ActivateOnPayment(c.Request.Context(), id, req.Reference)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

type holdRequest struct {
	On *bool `json:"on" binding:"required"`
}

// SetHold handles POST /v1/requests/:id/hold
func (h *Handler) SetHold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Body must be {\"on\": true|false}")
		return
	}
	actor, _ := auth.ActorFrom(c)
	r, err := h.service.SetHold(c.Request.Context(), actor, c.Param("id"), *req.On)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// Close handles POST /v1/requests/:id/close
func (h *Handler) Close(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	r, err := h.service.Close(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// Expire handles POST /v1/admin/requests/expire
func (h *Handler) Expire(c *gin.Context) {
	n, err := h.service.ExpireSweep(c.Request.Context(), time.Now())
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}
