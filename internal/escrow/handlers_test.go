package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/market"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandler(t *testing.T) (*fixture, *gin.Engine, *auth.Tokens) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	tokens := auth.NewTokens("test-secret")
	h := NewHandler(f.svc)

	r := gin.New()
	r.Use(auth.Middleware(tokens))
	v1 := r.Group("/v1")
	h.RegisterProtectedRoutes(v1.Group("", auth.RequireAuth()))
	h.RegisterAdminRoutes(v1.Group("", auth.RequireAuth(), auth.RequireRole(market.RoleAdmin)))
	return f, r, tokens
}

func call(t *testing.T, r *gin.Engine, tokens *auth.Tokens, actor market.Actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	tok, err := tokens.Issue(actor)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) market.Order {
	t.Helper()
	var body struct {
		Order market.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Order
}

const checkoutBody = `{"sellerId":"usr_seller","paymentMethod":"wallet",
	"fulfillment":{"mode":"pickup","pickupPoint":"Dawanau depot"},
	"items":[{"name":"Maize","quantity":"4","unit":"ton","unitPrice":"15000"},
	         {"name":"Sorghum","quantity":"2","unit":"ton","unitPrice":"20000"}]}`

func TestHandler_OrderLifecycle(t *testing.T) {
	f, r, tokens := setupHandler(t)
	f.fund(t, buyer.ID, "100000")

	rec := call(t, r, tokens, buyer, http.MethodPost, "/v1/orders", checkoutBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeOrder(t, rec)
	assert.Equal(t, market.OrderHeldInEscrow, created.Status)

	// The buyer only learns the code on delivery.
	rec = call(t, r, tokens, buyer, http.MethodGet, "/v1/orders/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeOrder(t, rec).TrackingID)

	rec = call(t, r, tokens, seller, http.MethodGet, "/v1/orders/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	tracking := decodeOrder(t, rec).TrackingID
	require.NotEmpty(t, tracking)

	rec = call(t, r, tokens, seller, http.MethodGet, "/v1/orders?as=seller", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = call(t, r, tokens, buyer, http.MethodPost, "/v1/orders/"+created.ID+"/confirm-delivery", `{"code":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, r, tokens, buyer, http.MethodPost, "/v1/orders/"+created.ID+"/confirm-delivery",
		`{"code":"`+f.verifier.Code(tracking)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, market.OrderCompleted, decodeOrder(t, rec).Status)

	rec = call(t, r, tokens, buyer, http.MethodPost, "/v1/orders/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, r, tokens, buyer, http.MethodGet, "/v1/orders/"+created.ID+"/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)
}

func TestHandler_PartialCancel(t *testing.T) {
	f, r, tokens := setupHandler(t)
	o := f.heldOrder(t)

	rec := call(t, r, tokens, buyer, http.MethodPost, "/v1/orders/"+o.ID+"/cancel",
		`{"itemIds":["`+o.Items[1].ID+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeOrder(t, rec)
	assert.True(t, got.Total.Equal(dec("60000")))
	assert.True(t, f.balance(t, buyer.ID).Equal(dec("40000")))
}

func TestHandler_AdminRoutes(t *testing.T) {
	f, r, tokens := setupHandler(t)
	o := f.heldOrder(t)

	rec := call(t, r, tokens, buyer, http.MethodPost, "/v1/admin/orders/"+o.ID+"/halt", `{"reason":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, tokens, admin, http.MethodPost, "/v1/admin/orders/"+o.ID+"/halt", `{"reason":"dispute"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeOrder(t, rec).PayoutHalted)

	rec = call(t, r, tokens, admin, http.MethodPost, "/v1/admin/orders/"+o.ID+"/release", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeOrder(t, rec).PayoutReleased)

	rec = call(t, r, tokens, admin, http.MethodPost, "/v1/admin/orders/"+o.ID+"/release", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, r, tokens, admin, http.MethodGet, "/v1/admin/audit?orderId="+o.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)

	rec = call(t, r, tokens, admin, http.MethodGet, "/v1/orders/ord_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_BuyerNeverSeesTrackingID(t *testing.T) {
	ctx := context.Background()
	f, r, tokens := setupHandler(t)
	f.fund(t, buyer.ID, "100000")

	trackingOf := func(id string) string {
		o, err := f.store.GetOrder(ctx, id)
		require.NoError(t, err)
		require.NotEmpty(t, o.TrackingID)
		return o.TrackingID
	}
	hidden := func(rec *httptest.ResponseRecorder, tracking string) {
		t.Helper()
		assert.NotContains(t, rec.Body.String(), tracking)
		assert.NotContains(t, rec.Body.String(), `"trackingId"`)
	}

	rec := call(t, r, tokens, buyer, http.MethodPost, "/v1/orders", checkoutBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wallet := decodeOrder(t, rec)
	walletTracking := trackingOf(wallet.ID)
	hidden(rec, walletTracking)

	rec = call(t, r, tokens, buyer, http.MethodGet, "/v1/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), wallet.ID)
	hidden(rec, walletTracking)

	rec = call(t, r, tokens, buyer, http.MethodPost, "/v1/orders/"+wallet.ID+"/cancel",
		`{"itemIds":["`+wallet.Items[1].ID+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hidden(rec, walletTracking)

	rec = call(t, r, tokens, buyer, http.MethodPost, "/v1/orders/"+wallet.ID+"/confirm-delivery",
		`{"code":"`+f.verifier.Code(walletTracking)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hidden(rec, walletTracking)

	gatewayBody := strings.Replace(checkoutBody, `"paymentMethod":"wallet"`, `"paymentMethod":"gateway"`, 1)
	rec = call(t, r, tokens, buyer, http.MethodPost, "/v1/orders", gatewayBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pending := decodeOrder(t, rec)
	gatewayTracking := trackingOf(pending.ID)
	hidden(rec, gatewayTracking)

	f.gw.MarkPaid(pending.PaymentRef, dec("100000"))
	rec = call(t, r, tokens, buyer, http.MethodPost, "/v1/orders/"+pending.ID+"/payment/confirm", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, market.OrderHeldInEscrow, decodeOrder(t, rec).Status)
	hidden(rec, gatewayTracking)

	// The seller and operators still see it.
	rec = call(t, r, tokens, seller, http.MethodGet, "/v1/orders?as=seller", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), walletTracking)
	assert.Contains(t, rec.Body.String(), gatewayTracking)

	rec = call(t, r, tokens, admin, http.MethodPost, "/v1/admin/orders/"+pending.ID+"/halt", `{"reason":"dispute"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, gatewayTracking, decodeOrder(t, rec).TrackingID)
}
