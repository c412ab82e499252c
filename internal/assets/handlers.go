package assets

import (
	"net/http"

	"github.com/agrolink/rfq/internal/apierr"
	"github.com/gin-gonic/gin"
)

// Handler provides the upload signing endpoint.
type Handler struct {
	signer Signer
}

// NewHandler creates a new assets handler.
func NewHandler(signer Signer) *Handler {
	return &Handler{signer: signer}
}

// RegisterProtectedRoutes sets up asset routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/assets/sign", h.Sign)
}

type signRequest struct {
	Folder      string `json:"folder" binding:"required"`
	Filename    string `json:"filename" binding:"required,max=200"`
	ContentType string `json:"contentType" binding:"required"`
}

// Sign handles POST /v1/assets/sign
func (h *Handler) Sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "invalid_request", "folder, filename and contentType are required")
		return
	}
	if h.signer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "service_unavailable",
			"message": ErrNotConfigured.Error(),
		})
		return
	}
	up, err := h.signer.SignUpload(c.Request.Context(), req.Folder, req.Filename, req.ContentType)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": up})
}
