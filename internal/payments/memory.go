package payments

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryGateway is an in-process Gateway for development and tests.
// Charges stay "pending" until MarkPaid or MarkFailed is called.
type MemoryGateway struct {
	mu       sync.Mutex
	charges  map[string]*memCharge
	verifies int
	initErr  error
}

type memCharge struct {
	charge Charge
	status string
	paid   decimal.Decimal
}

var _ Gateway = (*MemoryGateway)(nil)

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{charges: make(map[string]*memCharge)}
}

func (m *MemoryGateway) InitializeCharge(ctx context.Context, c Charge) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initErr != nil {
		return "", m.initErr
	}
	if _, ok := m.charges[c.Reference]; !ok {
		m.charges[c.Reference] = &memCharge{charge: c, status: "pending", paid: decimal.Zero}
	}
	return "https://checkout.local/pay/" + c.Reference, nil
}

func (m *MemoryGateway) VerifyCharge(ctx context.Context, reference string) (*Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifies++
	ch, ok := m.charges[reference]
	if !ok {
		return nil, ErrUnknownReference
	}
	return &Verification{
		Reference:  reference,
		Status:     ch.status,
		Success:    ch.status == "success",
		AmountPaid: ch.paid,
	}, nil
}

// MarkPaid records a successful payment of amount against reference.
// Unknown references are created so tests can simulate out-of-band charges.
func (m *MemoryGateway) MarkPaid(reference string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.charges[reference]
	if !ok {
		ch = &memCharge{charge: Charge{Reference: reference, Amount: amount}}
		m.charges[reference] = ch
	}
	ch.status = "success"
	ch.paid = amount
}

// MarkFailed records a declined payment.
func (m *MemoryGateway) MarkFailed(reference string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.charges[reference]; ok {
		ch.status = "failed"
		ch.paid = decimal.Zero
	}
}

// Charge returns the initialized charge for reference.
func (m *MemoryGateway) Charge(reference string) (Charge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.charges[reference]
	if !ok {
		return Charge{}, false
	}
	return ch.charge, true
}

// Verifies returns how many times VerifyCharge was called.
func (m *MemoryGateway) Verifies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifies
}

// FailInitialize makes subsequent InitializeCharge calls return err.
func (m *MemoryGateway) FailInitialize(err error) {
	m.mu.Lock()
	m.initErr = err
	m.mu.Unlock()
}
