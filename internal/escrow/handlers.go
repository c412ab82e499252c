package escrow

import (
	"net/http"
	"strings"

	"github.com/agrolink/rfq/internal/apierr"
	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/pagination"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for orders and escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up buyer and seller order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Checkout)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/payment/confirm", h.ConfirmPayment)
	r.POST("/orders/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.GET("/orders/:id/entries", h.ListEntries)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/orders/:id/halt", h.Halt)
	r.POST("/admin/orders/:id/release", h.Release)
	r.GET("/admin/audit", h.ListAudit)
}

// Checkout handles POST /v1/orders
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutInput
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.CreateOrderFromCart(c.Request.Context(), actor, req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": viewFor(actor, o)})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": viewFor(actor, o)})
}

// viewFor returns o as actor may see it. Only the seller and operators get
// the tracking ID; the buyer is the one who types the delivery code.
func viewFor(actor market.Actor, o *market.Order) *market.Order {
	if o == nil || actor.IsAdmin() || actor.ID == o.SellerID {
		return o
	}
	masked := *o
	masked.TrackingID = ""
	return &masked
}

// ListOrders handles GET /v1/orders?as=buyer|seller
func (h *Handler) ListOrders(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	var statuses []market.OrderStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, market.OrderStatus(strings.TrimSpace(s)))
		}
	}
	limit := pagination.Limit(c.Query("limit"), 50, 200)

	var (
		page *Page
		err  error
	)
	if c.DefaultQuery("as", "buyer") == "seller" {
		page, err = h.service.ListBySeller(c.Request.Context(), actor.ID, statuses, c.Query("cursor"), limit)
	} else {
		page, err = h.service.ListByBuyer(c.Request.Context(), actor.ID, statuses, c.Query("cursor"), limit)
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	for i, o := range page.Orders {
		page.Orders[i] = viewFor(actor, o)
	}
	c.JSON(http.StatusOK, page)
}

// ConfirmPayment handles POST /v1/orders/:id/payment/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if o.BuyerID != actor.ID && !actor.IsAdmin() {
		apierr.Respond(c, market.ErrForbidden)
		return
	}
	o, err = h.service.ConfirmCheckoutPayment(c.Request.Context(), o.ID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": viewFor(actor, o)})
}

type confirmDeliveryRequest struct {
	Code string `json:"code" binding:"required"`
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req confirmDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Delivery code is required")
		return
	}
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.ConfirmDelivery(c.Request.Context(), actor, c.Param("id"), req.Code)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": viewFor(actor, o)})
}

type cancelRequest struct {
	ItemIDs []string `json:"itemIds"`
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid_request", "Invalid request body")
			return
		}
	}
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.CancelOrder(c.Request.Context(), actor, c.Param("id"), req.ItemIDs)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": viewFor(actor, o)})
}

// ListEntries handles GET /v1/orders/:id/entries
func (h *Handler) ListEntries(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	entries, err := h.service.ListEntries(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type adminActionRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// Halt handles POST /v1/admin/orders/:id/halt
func (h *Handler) Halt(c *gin.Context) {
	var req adminActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid_request", "Invalid request body")
			return
		}
	}
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.AdminHalt(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": viewFor(actor, o)})
}

// Release handles POST /v1/admin/orders/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req adminActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid_request", "Invalid request body")
			return
		}
	}
	actor, _ := auth.ActorFrom(c)
	o, err := h.service.AdminManualRelease(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": viewFor(actor, o)})
}

// ListAudit handles GET /v1/admin/audit
func (h *Handler) ListAudit(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	limit := pagination.Limit(c.Query("limit"), 100, 500)
	entries, err := h.service.ListAudit(c.Request.Context(), actor, c.Query("orderId"), limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
