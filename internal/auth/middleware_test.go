package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agrolink/rfq/internal/market"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIssueAndParse(t *testing.T) {
	tokens := NewTokens("test-secret")
	raw, err := tokens.Issue(market.Actor{ID: "usr_buyer", Role: market.RoleBuyer, Email: "b@example.com"})
	require.NoError(t, err)

	claims, err := tokens.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "usr_buyer", claims.UserID)
	assert.Equal(t, market.RoleBuyer, claims.Role)
	assert.Equal(t, "b@example.com", claims.Actor().Email)
}

func TestIssue_RejectsUnknownRole(t *testing.T) {
	_, err := NewTokens("s").Issue(market.Actor{ID: "u", Role: "root"})
	assert.Error(t, err)
}

func TestParse_WrongSecret(t *testing.T) {
	raw, err := NewTokens("one").Issue(market.Actor{ID: "u", Role: market.RoleSeller})
	require.NoError(t, err)

	_, err = NewTokens("two").Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Expired(t *testing.T) {
	tokens := NewTokens("s")
	tokens.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	raw, err := tokens.Issue(market.Actor{ID: "u", Role: market.RoleSeller})
	require.NoError(t, err)

	_, err = NewTokens("s").Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{UserID: "u", Role: market.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Issuer: "agrolink"}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokens("s").Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newRouter(tokens *Tokens, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(tokens))
	handlers := append(mw, func(c *gin.Context) {
		actor, _ := ActorFrom(c)
		c.JSON(http.StatusOK, gin.H{"id": actor.ID, "role": actor.Role})
	})
	r.GET("/test", handlers...)
	return r
}

func do(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SetsContext(t *testing.T) {
	tokens := NewTokens("s")
	raw, _ := tokens.Issue(market.Actor{ID: "usr_1", Role: market.RoleSeller})

	w := do(newRouter(tokens), "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"usr_1"`)
	assert.Contains(t, w.Body.String(), `"role":"seller"`)
}

func TestMiddleware_InvalidTokenDoesNotAbort(t *testing.T) {
	w := do(newRouter(NewTokens("s")), "Bearer not-a-token")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":""`)
}

func TestRequireAuth(t *testing.T) {
	tokens := NewTokens("s")
	r := newRouter(tokens, RequireAuth())

	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "Basic abc").Code)

	raw, _ := tokens.Issue(market.Actor{ID: "usr_1", Role: market.RoleBuyer})
	assert.Equal(t, http.StatusOK, do(r, "bearer "+raw).Code)
}

func TestRequireRole(t *testing.T) {
	tokens := NewTokens("s")
	r := newRouter(tokens, RequireRole(market.RoleAdmin))

	buyer, _ := tokens.Issue(market.Actor{ID: "usr_1", Role: market.RoleBuyer})
	admin, _ := tokens.Issue(market.Actor{ID: "usr_2", Role: market.RoleAdmin})

	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, "Bearer "+buyer).Code)
	assert.Equal(t, http.StatusOK, do(r, "Bearer "+admin).Code)
}
