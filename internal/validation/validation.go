// Package validation provides request-shape middleware for the API.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// idRegex matches generated entity IDs such as "ord_" + 24 hex chars.
	idRegex = regexp.MustCompile(`^[a-z]{2,5}_[0-9a-f]{24}$`)
	// referenceRegex matches gateway references such as "DEP-1A2B3C4D5E6F7A8B".
	referenceRegex = regexp.MustCompile(`^[A-Z]{3}-[0-9A-F]{16}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s looks like a generated entity ID.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// IsValidReference reports whether s looks like a gateway payment reference.
func IsValidReference(s string) bool {
	return referenceRegex.MatchString(s)
}

// ParamMiddleware rejects malformed :id and :ref path parameters before
// they reach a handler. Routes without those parameters pass through.
func ParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "malformed id in path",
			})
			return
		}
		if ref := c.Param("ref"); ref != "" && !IsValidReference(ref) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_reference",
				"message": "malformed payment reference in path",
			})
			return
		}
		c.Next()
	}
}
