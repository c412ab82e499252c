package payments

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rpip/paystack-go"
)

// Paystack is a Gateway backed by the Paystack transactions API.
type Paystack struct {
	client *paystack.Client
}

var _ Gateway = (*Paystack)(nil)

// NewPaystack creates a Paystack gateway with the given secret key.
func NewPaystack(secretKey string) *Paystack {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	return &Paystack{client: paystack.NewClient(secretKey, httpClient)}
}

func (p *Paystack) InitializeCharge(ctx context.Context, c Charge) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	meta := paystack.Metadata{}
	for k, v := range c.Metadata {
		meta[k] = v
	}
	resp, err := p.client.Transaction.Initialize(&paystack.TransactionRequest{
		Email:       c.Email,
		Amount:      float32(ToKobo(c.Amount)),
		Reference:   c.Reference,
		CallbackURL: c.CallbackURL,
		Currency:    "NGN",
		Metadata:    meta,
	})
	if err != nil {
		return "", fmt.Errorf("paystack initialize %s: %w", c.Reference, err)
	}
	url, _ := resp["authorization_url"].(string)
	if url == "" {
		return "", fmt.Errorf("paystack initialize %s: missing authorization_url", c.Reference)
	}
	return url, nil
}

func (p *Paystack) VerifyCharge(ctx context.Context, reference string) (*Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn, err := p.client.Transaction.Verify(reference)
	if err != nil {
		return nil, fmt.Errorf("paystack verify %s: %w", reference, err)
	}
	return &Verification{
		Reference:  reference,
		Status:     txn.Status,
		Success:    txn.Status == "success",
		AmountPaid: FromKobo(int64(math.Round(float64(txn.Amount)))),
	}, nil
}
