package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/agrolink/rfq/internal/config"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testPaystackSecret = "sk_test_server"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		JWTSecret:           "test-secret",
		PaystackSecretKey:   testPaystackSecret,
		RequestFeeInstant:   decimal.NewFromInt(2500),
		RequestFeeStandard:  decimal.NewFromInt(1000),
		ExpirySweepInterval: time.Hour,
		DeliveryCodeLength:  6,
		NotifyWorkers:       1,
		NotifyQueueSize:     64,
		WebhookMaxFailures:  10,
		RateLimitRPS:        1000,
		CORSAllowedOrigins:  []string{"*"},
	}
}

type testServer struct {
	t       *testing.T
	srv     *Server
	gateway *payments.MemoryGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gw := payments.NewMemoryGateway()
	srv, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithGateway(gw),
		WithVersion("test"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.Start(context.Background())
	t.Cleanup(srv.stopWorkers)
	return &testServer{t: t, srv: srv, gateway: gw}
}

func (ts *testServer) token(id string, role market.Role) string {
	ts.t.Helper()
	tok, err := ts.srv.Tokens().Issue(market.Actor{ID: id, Role: role})
	if err != nil {
		ts.t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/health = %d: %s", w.Code, w.Body.String())
	}
	var report struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Checks  []struct {
			Name string `json:"name"`
		} `json:"checks"`
	}
	decode(t, w, &report)
	if report.Status != "healthy" || report.Version != "test" || len(report.Checks) != 2 {
		t.Errorf("unexpected report %+v", report)
	}

	if w := ts.do(http.MethodGet, "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("/health/live = %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready before Run marks it, got %d", w.Code)
	}
	ts.srv.ready.Store(true)
	if w := ts.do(http.MethodGet, "/health/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("/health/ready = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/health/live", "", nil)

	w := ts.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "agrolink_http_requests_total") {
		t.Error("expected http request counter in exposition")
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/v1/requests", "", nil)

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id")
	}
}

func TestAuthBoundaries(t *testing.T) {
	ts := newTestServer(t)
	buyer := ts.token("usr_buyer", market.RoleBuyer)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"public listing", http.MethodGet, "/v1/requests", "", http.StatusOK},
		{"wallet needs auth", http.MethodGet, "/v1/wallet", "", http.StatusUnauthorized},
		{"orders need auth", http.MethodGet, "/v1/orders", "", http.StatusUnauthorized},
		{"admin audit forbidden to buyers", http.MethodGet, "/v1/admin/audit", buyer, http.StatusForbidden},
		{"malformed id", http.MethodGet, "/v1/requests/not-an-id", "", http.StatusBadRequest},
		{"unknown request", http.MethodGet, "/v1/requests/req_0123456789abcdef01234567", "", http.StatusNotFound},
		{"websocket needs auth", http.MethodGet, "/v1/ws", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(tt.method, tt.path, tt.token, nil); w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAdminRoutesAllowAdmins(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token("usr_ops", market.RoleAdmin)

	if w := ts.do(http.MethodGet, "/v1/admin/audit", admin, nil); w.Code != http.StatusOK {
		t.Errorf("audit = %d: %s", w.Code, w.Body.String())
	}
	if w := ts.do(http.MethodPost, "/v1/admin/requests/expire", admin, nil); w.Code != http.StatusOK {
		t.Errorf("expire sweep = %d: %s", w.Code, w.Body.String())
	}
}

func TestAssetSigningUnconfigured(t *testing.T) {
	ts := newTestServer(t)
	seller := ts.token("usr_seller", market.RoleSeller)

	w := ts.do(http.MethodPost, "/v1/assets/sign", seller, map[string]string{
		"folder": "offers", "filename": "maize.jpg", "contentType": "image/jpeg",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without cloudinary, got %d", w.Code)
	}
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	seller := ts.token("usr_seller", market.RoleSeller)

	w := ts.do(http.MethodPost, "/v1/webhooks", seller, map[string]any{
		"url":    "https://93.184.216.34/agrolink",
		"events": []string{"offer.accepted_by_buyer"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(http.MethodGet, "/v1/webhooks", seller, nil)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 1 {
		t.Errorf("expected 1 subscription, got %d", list.Count)
	}
}

func TestRequestActivatedByPaymentWebhook(t *testing.T) {
	ts := newTestServer(t)
	buyer := ts.token("usr_buyer", market.RoleBuyer)

	w := ts.do(http.MethodPost, "/v1/requests", buyer, map[string]any{
		"kind":      "standard",
		"location":  "Kano",
		"expiresAt": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"items": []map[string]any{
			{"name": "White maize", "quantity": "20", "unit": "bag"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Request market.Request `json:"request"`
	}
	decode(t, w, &created)
	id := created.Request.ID

	w = ts.do(http.MethodPost, "/v1/requests/"+id+"/payment", buyer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("payment = %d: %s", w.Code, w.Body.String())
	}
	var pay struct {
		Reference string `json:"reference"`
	}
	decode(t, w, &pay)

	// Not listed until the fee is paid
	if w := ts.do(http.MethodGet, "/v1/requests/"+id, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unpaid request visible publicly: %d", w.Code)
	}

	ts.gateway.MarkPaid(pay.Reference, decimal.NewFromInt(1000))
	body, _ := json.Marshal(map[string]any{
		"event": "charge.success",
		"data": map[string]any{
			"reference": pay.Reference,
			"status":    "success",
			"metadata":  map[string]any{payments.MetaEntityID: id},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Paystack-Signature", payments.Sign(testPaystackSecret, body))
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "applied") {
		t.Fatalf("webhook = %d: %s", rec.Code, rec.Body.String())
	}

	w = ts.do(http.MethodGet, "/v1/requests/"+id, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("active request should be public, got %d", w.Code)
	}
	var got struct {
		Request market.Request `json:"request"`
	}
	decode(t, w, &got)
	if got.Request.Status != market.RequestActive {
		t.Errorf("status = %s, want active", got.Request.Status)
	}

	// A forged callback is rejected outright
	req = httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Paystack-Signature", payments.Sign("sk_wrong", body))
	rec = httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged webhook = %d", rec.Code)
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://agro:hunter2@db:5432/rfq?sslmode=disable")
	if strings.Contains(got, "hunter2") {
		t.Errorf("password leaked: %s", got)
	}
	if maskDSN("://bad") != "***" {
		t.Error("unparseable DSN should be fully masked")
	}
}
