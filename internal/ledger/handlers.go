package ledger

import (
	"net/http"

	"github.com/agrolink/rfq/internal/apierr"
	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/pagination"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// WalletHandler provides HTTP endpoints for wallet balances and deposits.
type WalletHandler struct {
	wallet *Wallet
}

// NewWalletHandler creates a new wallet handler.
func NewWalletHandler(w *Wallet) *WalletHandler {
	return &WalletHandler{wallet: w}
}

// RegisterProtectedRoutes sets up wallet routes for authenticated callers.
func (h *WalletHandler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetBalance)
	r.GET("/wallet/entries", h.ListEntries)
	r.POST("/wallet/deposits", h.InitiateDeposit)
	r.POST("/wallet/deposits/:ref/verify", h.VerifyDeposit)
}

// GetBalance handles GET /wallet
func (h *WalletHandler) GetBalance(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	bal, err := h.wallet.Balance(c.Request.Context(), actor.ID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": actor.ID, "balance": bal})
}

// ListEntries handles GET /wallet/entries
func (h *WalletHandler) ListEntries(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	limit := pagination.Limit(c.Query("limit"), 50, 200)
	entries, err := h.wallet.History(c.Request.Context(), actor.ID, limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// InitiateDeposit handles POST /wallet/deposits
func (h *WalletHandler) InitiateDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "Body must be JSON with a decimal amount")
		return
	}
	actor, _ := auth.ActorFrom(c)
	d, err := h.wallet.InitiateDeposit(c.Request.Context(), actor, req.Amount)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deposit": d})
}

// VerifyDeposit handles POST /wallet/deposits/:ref/verify
func (h *WalletHandler) VerifyDeposit(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	ref := c.Param("ref")

	existing, err := h.wallet.store.GetDeposit(c.Request.Context(), ref)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if existing.Account != actor.ID && !actor.IsAdmin() {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Deposit not found"})
		return
	}

	d, err := h.wallet.ConfirmDeposit(c.Request.Context(), ref)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": d})
}
