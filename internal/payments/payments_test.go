package payments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agrolink/rfq/internal/circuitbreaker"
	"github.com/agrolink/rfq/internal/market"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKoboConversion(t *testing.T) {
	assert.Equal(t, int64(150050), ToKobo(decimal.RequireFromString("1500.50")))
	assert.True(t, FromKobo(150050).Equal(decimal.RequireFromString("1500.50")))
}

func TestPrefixOf(t *testing.T) {
	assert.Equal(t, "REQ", PrefixOf("REQ-ABC123"))
	assert.Equal(t, "ORD", PrefixOf("ORD-1"))
	assert.Equal(t, "", PrefixOf("nodash"))
}

func TestVerificationConfirms(t *testing.T) {
	fee := decimal.NewFromInt(2000)
	assert.True(t, (&Verification{Success: true, AmountPaid: decimal.RequireFromString("2000.00")}).Confirms(fee))
	assert.False(t, (&Verification{Success: true, AmountPaid: decimal.NewFromInt(1999)}).Confirms(fee))
	assert.False(t, (&Verification{Success: false, AmountPaid: fee}).Confirms(fee))

	var nilV *Verification
	assert.False(t, nilV.Confirms(fee))
}

func TestMemoryGateway(t *testing.T) {
	ctx := context.Background()
	gw := NewMemoryGateway()

	url, err := gw.InitializeCharge(ctx, Charge{Amount: decimal.NewFromInt(500), Reference: "DEP-1"})
	require.NoError(t, err)
	assert.Contains(t, url, "DEP-1")

	v, err := gw.VerifyCharge(ctx, "DEP-1")
	require.NoError(t, err)
	assert.False(t, v.Success)

	gw.MarkPaid("DEP-1", decimal.NewFromInt(500))
	v, err = gw.VerifyCharge(ctx, "DEP-1")
	require.NoError(t, err)
	assert.True(t, v.Confirms(decimal.NewFromInt(500)))

	_, err = gw.VerifyCharge(ctx, "DEP-missing")
	assert.ErrorIs(t, err, ErrUnknownReference)
	assert.Equal(t, 3, gw.Verifies())
}

type flakyGateway struct {
	calls int
	fail  int
}

func (f *flakyGateway) InitializeCharge(context.Context, Charge) (string, error) {
	return "", errors.New("down")
}

func (f *flakyGateway) VerifyCharge(_ context.Context, ref string) (*Verification, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, errors.New("timeout")
	}
	return &Verification{Reference: ref, Success: true, AmountPaid: decimal.NewFromInt(1)}, nil
}

func TestGuardedRetriesVerification(t *testing.T) {
	next := &flakyGateway{fail: 2}
	g := NewGuarded(next, circuitbreaker.New(10, time.Minute))
	g.verifyDelay = time.Millisecond

	v, err := g.VerifyCharge(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.True(t, v.Success)
	assert.Equal(t, 3, next.calls)
}

func TestGuardedOpensBreaker(t *testing.T) {
	next := &flakyGateway{}
	g := NewGuarded(next, circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := g.InitializeCharge(context.Background(), Charge{Reference: "ORD-1"})
		require.Error(t, err)
	}
	assert.False(t, g.Available())
	_, err := g.InitializeCharge(context.Background(), Charge{Reference: "ORD-1"})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestGuardedUnknownReferenceKeepsCircuitClosed(t *testing.T) {
	g := NewGuarded(NewMemoryGateway(), circuitbreaker.New(1, time.Minute))
	g.verifyDelay = time.Millisecond

	for i := 0; i < 3; i++ {
		_, err := g.VerifyCharge(context.Background(), "ORD-missing")
		assert.ErrorIs(t, err, ErrUnknownReference)
	}
	assert.True(t, g.Available())
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"charge.success"}`)
	sig := Sign("sk_test", body)
	assert.True(t, VerifySignature("sk_test", body, sig))
	assert.False(t, VerifySignature("sk_other", body, sig))
	assert.False(t, VerifySignature("sk_test", body, "zz"))
	assert.False(t, VerifySignature("", body, sig))
}

func newWebhookRouter(h *WebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func postWebhook(r *gin.Engine, secret string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, Sign(secret, body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookRoutesByPrefix(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var gotEntity, gotRef string
	h := NewWebhookHandler("sk_test", logger).
		Route(PrefixRequestFee, func(_ context.Context, entityID, ref string) error {
			gotEntity, gotRef = entityID, ref
			return nil
		})
	r := newWebhookRouter(h)

	body := []byte(`{"event":"charge.success","data":{"reference":"REQ-AB12","status":"success","metadata":{"entity_id":"req_1"}}}`)
	w := postWebhook(r, "sk_test", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "applied")
	assert.Equal(t, "req_1", gotEntity)
	assert.Equal(t, "REQ-AB12", gotRef)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := newWebhookRouter(NewWebhookHandler("sk_test", logger))

	w := postWebhook(r, "sk_wrong", []byte(`{"event":"charge.success"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookReplayIsAcknowledged(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler("sk_test", logger).
		Route(PrefixOrder, func(context.Context, string, string) error {
			return market.ErrPaymentNotConfirmed
		}).
		Route(PrefixDeposit, func(context.Context, string, string) error {
			return errors.New("db down")
		})
	r := newWebhookRouter(h)

	w := postWebhook(r, "sk_test", []byte(`{"event":"charge.success","data":{"reference":"ORD-1"}}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "not_applied")

	w = postWebhook(r, "sk_test", []byte(`{"event":"charge.success","data":{"reference":"DEP-1"}}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
