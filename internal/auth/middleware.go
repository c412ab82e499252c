package auth

import (
	"net/http"
	"strings"

	"github.com/agrolink/rfq/internal/market"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyClaims is the key for storing verified claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyUserID is the key for storing the authenticated user ID
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for storing the authenticated role
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates a bearer token if one is present.
// Requests without a valid token continue unauthenticated.
func Middleware(t *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			// Browsers cannot set headers on websocket upgrades.
			raw = c.Query("access_token")
		}

		if raw != "" {
			if claims, err := t.Parse(raw); err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyUserID, claims.UserID)
				c.Set(ContextKeyRole, string(claims.Role))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyClaims); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers that hold none of roles.
func RequireRole(roles ...market.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if err := actor.RequireRole(roles...); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Your role cannot perform this action.",
			})
			return
		}
		c.Next()
	}
}

// ActorFrom returns the authenticated caller, if any.
func ActorFrom(c *gin.Context) (market.Actor, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return market.Actor{}, false
	}
	claims, ok := v.(*Claims)
	if !ok {
		return market.Actor{}, false
	}
	return claims.Actor(), true
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyClaims)
	return exists
}

func bearer(header string) string {
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
