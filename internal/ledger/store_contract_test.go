package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agrolink/rfq/internal/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleRequest(id string, status market.RequestStatus, created time.Time) *market.Request {
	return &market.Request{
		ID:         id,
		BuyerID:    "usr_buyer",
		Kind:       market.RequestStandard,
		Items:      []market.LineItem{{Name: "Maize", Quantity: dec("20"), Unit: "ton"}},
		Location:   "Kaduna",
		ExpiresAt:  created.Add(72 * time.Hour),
		Fee:        dec("1000"),
		AmountPaid: decimal.Zero,
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func sampleOffer(id, requestID, seller string, created time.Time) *market.Offer {
	items := []market.QuotedItem{{Name: "Maize", Quantity: dec("20"), Unit: "ton", UnitPrice: dec("410000")}}
	return &market.Offer{
		ID:           id,
		RequestID:    requestID,
		SellerID:     seller,
		SellerRole:   "aggregator",
		Items:        items,
		Price:        market.SumItems(items),
		DeliveryDate: created.Add(240 * time.Hour),
		Images:       []string{"https://res.cloudinary.com/demo/image/upload/maize.jpg"},
		Status:       market.OfferPending,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func sampleOrder(id string, created time.Time) *market.Order {
	return &market.Order{
		ID:       id,
		BuyerID:  "usr_buyer",
		SellerID: "usr_seller",
		Items: []market.OrderItem{
			{ID: "itm_1", Name: "Maize", Quantity: dec("2"), Unit: "bag", UnitPrice: dec("30000"), Subtotal: dec("60000")},
		},
		Total:         dec("60000"),
		ChargeAmount:  dec("60000"),
		Refunded:      decimal.Zero,
		Fulfillment:   market.Fulfillment{Mode: market.FulfillPickup, PickupPoint: "Dawanau market"},
		PaymentMethod: market.PaymentWallet,
		Status:        market.OrderHeldInEscrow,
		TrackingID:    "TRK-" + id,
		CreatedAt:     created,
		UpdatedAt:     created,
		FundedAt:      &created,
	}
}

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("request round trip and CAS", func(t *testing.T) {
		s := newStore(t)
		r := sampleRequest("req_1", market.RequestDraft, base)
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.InsertRequest(ctx, r) }))

		got, err := s.GetRequest(ctx, "req_1")
		require.NoError(t, err)
		assert.Equal(t, "Kaduna", got.Location)
		require.Len(t, got.Items, 1)
		assert.True(t, got.Items[0].Quantity.Equal(dec("20")))

		next := got.Clone()
		next.Status = market.RequestPendingPayment
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateRequest(ctx, next, market.RequestDraft) }))

		stale := got.Clone()
		stale.Status = market.RequestClosed
		err = s.WithTx(ctx, func(tx Tx) error { return tx.UpdateRequest(ctx, stale, market.RequestDraft) })
		require.ErrorIs(t, err, market.ErrConflict)
		assert.Equal(t, string(market.RequestPendingPayment), market.CurrentStatus(err))

		_, err = s.GetRequest(ctx, "req_missing")
		assert.ErrorIs(t, err, market.ErrNotFound)
	})

	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		s := newStore(t)
		err := s.WithTx(ctx, func(tx Tx) error {
			if err := tx.InsertRequest(ctx, sampleRequest("req_rb", market.RequestDraft, base)); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)
		_, err = s.GetRequest(ctx, "req_rb")
		assert.ErrorIs(t, err, market.ErrNotFound)
	})

	t.Run("single winner per request", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			if err := tx.InsertRequest(ctx, sampleRequest("req_w", market.RequestActive, base)); err != nil {
				return err
			}
			if err := tx.InsertOffer(ctx, sampleOffer("ofr_a", "req_w", "usr_s1", base)); err != nil {
				return err
			}
			return tx.InsertOffer(ctx, sampleOffer("ofr_b", "req_w", "usr_s2", base.Add(time.Second)))
		}))

		accept := func(id string) error {
			return s.WithTx(ctx, func(tx Tx) error {
				o, err := tx.GetOffer(ctx, id)
				if err != nil {
					return err
				}
				o.Status = market.OfferAcceptedByBuyer
				return tx.UpdateOffer(ctx, o, market.OfferPending)
			})
		}
		require.NoError(t, accept("ofr_a"))
		err := accept("ofr_b")
		require.ErrorIs(t, err, market.ErrConflict)

		b, err := s.GetOffer(ctx, "ofr_b")
		require.NoError(t, err)
		assert.Equal(t, market.OfferPending, b.Status)
	})

	t.Run("offer listing filters", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			if err := tx.InsertRequest(ctx, sampleRequest("req_l", market.RequestActive, base)); err != nil {
				return err
			}
			for i, seller := range []string{"usr_s1", "usr_s2", "usr_s1"} {
				o := sampleOffer("ofr_l"+string(rune('a'+i)), "req_l", seller, base.Add(time.Duration(i)*time.Second))
				if err := tx.InsertOffer(ctx, o); err != nil {
					return err
				}
			}
			return nil
		}))

		all, err := s.ListOffers(ctx, OfferFilter{RequestID: "req_l"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "ofr_lc", all[0].ID, "newest first")
		assert.Equal(t, []string{"https://res.cloudinary.com/demo/image/upload/maize.jpg"}, all[0].Images)

		mine, err := s.ListOffers(ctx, OfferFilter{RequestID: "req_l", SellerID: "usr_s1"})
		require.NoError(t, err)
		assert.Len(t, mine, 2)
	})

	t.Run("visible requests", func(t *testing.T) {
		s := newStore(t)
		future := base.Add(time.Hour)
		scheduled := sampleRequest("req_sched", market.RequestActive, base)
		scheduled.PublishAt = &future
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			for _, r := range []*market.Request{
				sampleRequest("req_open", market.RequestActive, base),
				sampleRequest("req_draft", market.RequestDraft, base),
				sampleRequest("req_hold", market.RequestOnHold, base),
				scheduled,
			} {
				if err := tx.InsertRequest(ctx, r); err != nil {
					return err
				}
			}
			return nil
		}))

		now := base.Add(time.Minute)
		open, err := s.ListRequests(ctx, RequestFilter{VisibleAt: &now})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "req_open", open[0].ID)

		later := base.Add(2 * time.Hour)
		open, err = s.ListRequests(ctx, RequestFilter{VisibleAt: &later})
		require.NoError(t, err)
		assert.Len(t, open, 2)

		expirable, err := s.ListExpirable(ctx, base.Add(100*time.Hour), 10)
		require.NoError(t, err)
		assert.Len(t, expirable, 2, "only active requests past expiry")
	})

	t.Run("wallet idempotency and overdraft", func(t *testing.T) {
		s := newStore(t)
		apply := func(e *market.WalletEntry) (*market.WalletEntry, error) {
			var out *market.WalletEntry
			err := s.WithTx(ctx, func(tx Tx) error {
				var err error
				out, err = tx.ApplyWallet(ctx, e)
				return err
			})
			return out, err
		}

		credit := &market.WalletEntry{OpID: "op_1", Account: "usr_buyer", Kind: market.WalletCredit, Amount: dec("100"), CreatedAt: base}
		e, err := apply(credit)
		require.NoError(t, err)
		assert.True(t, e.BalanceAfter.Equal(dec("100")))

		_, err = apply(credit)
		require.NoError(t, err)
		bal, err := s.Balance(ctx, "usr_buyer")
		require.NoError(t, err)
		assert.True(t, bal.Equal(dec("100")), "replayed op must not double credit")

		_, err = apply(&market.WalletEntry{OpID: "op_2", Account: "usr_buyer", Kind: market.WalletDebit, Amount: dec("100.01"), CreatedAt: base})
		assert.ErrorIs(t, err, market.ErrInsufficientFunds)

		_, err = apply(&market.WalletEntry{OpID: "op_3", Account: "usr_buyer", Kind: market.WalletDebit, Amount: dec("40"), CreatedAt: base.Add(time.Second)})
		require.NoError(t, err)

		entries, err := s.ListWalletEntries(ctx, "usr_buyer", 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "op_3", entries[0].OpID)
		assert.True(t, entries[0].BalanceAfter.Equal(dec("60")))

		bal, err = s.Balance(ctx, "usr_nobody")
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
	})

	t.Run("payment claims are single use", func(t *testing.T) {
		s := newStore(t)
		claim := func() error {
			return s.WithTx(ctx, func(tx Tx) error {
				return tx.ClaimPayment(ctx, &market.PaymentClaim{
					Reference: "REQ-ABC", Purpose: market.ClaimRequestFee, EntityID: "req_1", Amount: dec("1000"), ClaimedAt: base,
				})
			})
		}
		require.NoError(t, claim())
		assert.ErrorIs(t, claim(), market.ErrConflict)

		c, err := s.GetClaim(ctx, "REQ-ABC")
		require.NoError(t, err)
		assert.Equal(t, market.ClaimRequestFee, c.Purpose)
	})

	t.Run("orders escrow and audit", func(t *testing.T) {
		s := newStore(t)
		o := sampleOrder("ord_1", base)
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
			if err := tx.AppendEscrow(ctx, &market.EscrowEntry{ID: "esc_1", OrderID: "ord_1", Kind: market.EscrowHold, Amount: dec("60000"), Account: "usr_buyer", CreatedAt: base}); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, &market.AuditEntry{ID: "aud_1", ActorID: "usr_admin", Action: "halt", EntityType: "order", EntityID: "ord_1", CreatedAt: base})
		}))

		got, err := s.GetOrder(ctx, "ord_1")
		require.NoError(t, err)
		assert.Equal(t, market.FulfillPickup, got.Fulfillment.Mode)
		assert.True(t, got.Funded())
		assert.True(t, got.Held().Equal(dec("60000")))

		got.PayoutHalted = true
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateOrder(ctx, got, market.OrderHeldInEscrow) }))
		again, err := s.GetOrder(ctx, "ord_1")
		require.NoError(t, err)
		assert.True(t, again.PayoutHalted)

		entries, err := s.ListEscrowEntries(ctx, "ord_1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, market.EscrowHold, entries[0].Kind)

		audit, err := s.ListAudit(ctx, "ord_1", 10)
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, "halt", audit[0].Action)

		mine, err := s.ListOrders(ctx, OrderFilter{BuyerID: "usr_buyer"})
		require.NoError(t, err)
		assert.Len(t, mine, 1)
	})

	t.Run("concurrent CAS has one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			return tx.InsertRequest(ctx, sampleRequest("req_race", market.RequestActive, base))
		}))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.WithTx(ctx, func(tx Tx) error {
					r, err := tx.GetRequest(ctx, "req_race")
					if err != nil {
						return err
					}
					if r.Status != market.RequestActive {
						return market.Conflict("request", r.ID, string(r.Status), "already expired")
					}
					r.Status = market.RequestExpired
					return tx.UpdateRequest(ctx, r, market.RequestActive)
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, market.ErrConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 7, conflicts)
	})

	t.Run("deposits", func(t *testing.T) {
		s := newStore(t)
		d := &market.Deposit{Reference: "DEP-1", Account: "usr_buyer", Amount: dec("5000"), Status: market.DepositPending, CreatedAt: base}
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.InsertDeposit(ctx, d) }))

		credited := *d
		credited.Status = market.DepositCredited
		credited.CreditedAt = &base
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateDeposit(ctx, &credited, market.DepositPending) }))

		err := s.WithTx(ctx, func(tx Tx) error { return tx.UpdateDeposit(ctx, &credited, market.DepositPending) })
		assert.ErrorIs(t, err, market.ErrConflict)

		got, err := s.GetDeposit(ctx, "DEP-1")
		require.NoError(t, err)
		assert.Equal(t, market.DepositCredited, got.Status)
		require.NotNil(t, got.CreditedAt)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := sampleRequest("req_copy", market.RequestDraft, time.Now())
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.InsertRequest(ctx, r) }))

	got, err := s.GetRequest(ctx, "req_copy")
	require.NoError(t, err)
	got.Items[0].Name = "mutated"
	got.Status = market.RequestClosed

	again, err := s.GetRequest(ctx, "req_copy")
	require.NoError(t, err)
	assert.Equal(t, "Maize", again.Items[0].Name)
	assert.Equal(t, market.RequestDraft, again.Status)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().WithTx(ctx, func(Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
