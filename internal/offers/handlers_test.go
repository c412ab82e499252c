package offers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agrolink/rfq/internal/auth"
	"github.com/agrolink/rfq/internal/market"
	"github.com/gin-gonic/gin"
)

func setupRouter(t *testing.T) (*testEnv, *gin.Engine, *auth.Tokens) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)
	tokens := auth.NewTokens("test-secret")
	h := NewHandler(env.svc)

	r := gin.New()
	r.Use(auth.Middleware(tokens))
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1.Group("", auth.RequireAuth()))
	return env, r, tokens
}

func send(t *testing.T, r *gin.Engine, tokens *auth.Tokens, actor *market.Actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		tok, err := tokens.Issue(*actor)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_OfferHandshake(t *testing.T) {
	env, r, tokens := setupRouter(t)
	req := env.liveRequest(t)
	env.fund(t, buyer.ID, 500000)

	delivery := env.clock().Add(10 * 24 * time.Hour).Format(time.RFC3339)
	body := `{"sellerRole":"farmer","price":"500000","deliveryDate":"` + delivery + `",
		"items":[{"name":"Maize","quantity":"10","unit":"Tonnes","unitPrice":"50000"}]}`

	w := send(t, r, tokens, nil, http.MethodPost, "/v1/requests/"+req.ID+"/offers", body)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous submit: expected 401, got %d", w.Code)
	}
	w = send(t, r, tokens, &seller, http.MethodPost, "/v1/requests/"+req.ID+"/offers", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Offer market.Offer `json:"offer"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created.Offer.ID

	w = send(t, r, tokens, nil, http.MethodGet, "/v1/requests/"+req.ID+"/offers", "")
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), id) {
		t.Fatalf("anonymous listing leaked offers: %d %s", w.Code, w.Body.String())
	}
	w = send(t, r, tokens, &buyer, http.MethodGet, "/v1/requests/"+req.ID+"/offers", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), id) {
		t.Fatalf("buyer listing: %d %s", w.Code, w.Body.String())
	}

	terms := `{"deliveryDate":"` + delivery + `","upfrontPercent":60,"onDeliveryPercent":30}`
	w = send(t, r, tokens, &buyer, http.MethodPost, "/v1/offers/"+id+"/accept", terms)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad split: expected 400, got %d", w.Code)
	}
	terms = `{"deliveryDate":"` + delivery + `","upfrontPercent":50,"onDeliveryPercent":50,"paymentMethod":"wallet"}`
	w = send(t, r, tokens, &buyer, http.MethodPost, "/v1/offers/"+id+"/accept", terms)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = send(t, r, tokens, &seller, http.MethodPost, "/v1/offers/"+id+"/confirm", "")
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"held_in_escrow"`) {
		t.Errorf("confirm response lacks funded order: %s", w.Body.String())
	}

	w = send(t, r, tokens, &seller, http.MethodPost, "/v1/offers/"+id+"/confirm", "")
	if w.Code != http.StatusConflict {
		t.Errorf("second confirm: expected 409, got %d", w.Code)
	}

	w = send(t, r, tokens, &seller, http.MethodPost, "/v1/offers/"+id+"/deliver", "")
	if w.Code != http.StatusOK {
		t.Fatalf("deliver: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = send(t, r, tokens, &seller, http.MethodGet, "/v1/sellers/me/offers?status=delivered", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), id) {
		t.Errorf("seller listing: %d %s", w.Code, w.Body.String())
	}
}

func TestHandler_RejectPaths(t *testing.T) {
	env, r, tokens := setupRouter(t)
	req := env.liveRequest(t)
	o := env.submit(t, seller, req.ID)

	w := send(t, r, tokens, &seller2, http.MethodGet, "/v1/offers/"+o.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign seller get: expected 404, got %d", w.Code)
	}
	w = send(t, r, tokens, &seller, http.MethodPost, "/v1/offers/"+o.ID+"/decline-terms", "")
	if w.Code != http.StatusConflict {
		t.Errorf("decline pending: expected 409, got %d", w.Code)
	}
	w = send(t, r, tokens, &buyer, http.MethodPost, "/v1/offers/"+o.ID+"/reject", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"rejected"`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}
