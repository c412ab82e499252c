package offers

import (
	"net/http"
	"strings"

	"github.com/agrolink/rfq/internal/apierr"
	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/pagination"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public routes. Listing is filtered by the caller
// when a token is present.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/requests/:id/offers", h.ListByRequest)
}

// RegisterProtectedRoutes sets up buyer and seller routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests/:id/offers", h.SubmitOffer)
	r.GET("/offers/:id", h.GetOffer)
	r.GET("/sellers/me/offers", h.ListMine)

	r.POST("/offers/:id/accept", h.Accept)
	r.POST("/offers/:id/reject", h.Reject)
	r.POST("/offers/:id/confirm", h.Confirm)
	r.POST("/offers/:id/decline-terms", h.DeclineTerms)
	r.POST("/offers/:id/deliver", h.Deliver)
}

// SubmitOffer handles POST /v1/requests/:id/offers
func (h *Handler) SubmitOffer(c *gin.Context) {
	var req SubmitOfferInput
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.SubmitOffer(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// ListByRequest handles GET /v1/requests/:id/offers
func (h *Handler) ListByRequest(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	limit := pagination.Limit(c.Query("limit"), 50, 200)
	page, err := h.service.ListByRequest(c.Request.Context(), actor, c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// ListMine handles GET /v1/sellers/me/offers
func (h *Handler) ListMine(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	var statuses []market.OfferStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, market.OfferStatus(strings.TrimSpace(s)))
		}
	}
	limit := pagination.Limit(c.Query("limit"), 50, 200)
	page, err := h.service.ListBySeller(c.Request.Context(), actor.ID, statuses, c.Query("cursor"), limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Accept handles POST /v1/offers/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var terms market.Terms
	if err := c.ShouldBindJSON(&terms); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid terms")
		return
	}
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.BuyerAccept(c.Request.Context(), actor, c.Param("id"), terms)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Reject handles POST /v1/offers/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.BuyerReject(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Confirm handles POST /v1/offers/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	o, order, err := h.service.SellerConfirm(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o, "order": order})
}

// DeclineTerms handles POST /v1/offers/:id/decline-terms
func (h *Handler) DeclineTerms(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.SellerReject(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Deliver handles POST /v1/offers/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.MarkDelivered(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}
