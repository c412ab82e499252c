package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agrolink/rfq/internal/idgen"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/agrolink/rfq/internal/payments"
	"github.com/agrolink/rfq/internal/traces"
	"github.com/shopspring/decimal"
)

// Wallet applies idempotent balance movements. Each operation carries an
// op ID; replaying an op ID returns the original entry without moving money.
type Wallet struct {
	store       Store
	gateway     payments.Gateway
	notifier    notify.Notifier
	callbackURL string
	logger      *slog.Logger
	now         func() time.Time
}

// NewWallet creates a wallet service over store.
func NewWallet(store Store, logger *slog.Logger) *Wallet {
	return &Wallet{
		store:    store,
		notifier: notify.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds a notifier for deposit events.
func (w *Wallet) WithNotifier(n notify.Notifier) *Wallet {
	w.notifier = n
	return w
}

// WithGateway enables gateway-funded deposits.
func (w *Wallet) WithGateway(gw payments.Gateway, callbackURL string) *Wallet {
	w.gateway = gw
	w.callbackURL = callbackURL
	return w
}

// Balance returns the account's current balance.
func (w *Wallet) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	return w.store.Balance(ctx, account)
}

// History returns the most recent entries for account.
func (w *Wallet) History(ctx context.Context, account string, limit int) ([]*market.WalletEntry, error) {
	return w.store.ListWalletEntries(ctx, account, limit)
}

// Debit removes amount from account in its own transaction.
func (w *Wallet) Debit(ctx context.Context, account string, amount decimal.Decimal, opID, reference string) (*market.WalletEntry, error) {
	var out *market.WalletEntry
	err := w.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = w.DebitTx(ctx, tx, account, amount, opID, reference)
		return err
	})
	return out, err
}

// Credit adds amount to account in its own transaction.
func (w *Wallet) Credit(ctx context.Context, account string, amount decimal.Decimal, opID, reference string) (*market.WalletEntry, error) {
	var out *market.WalletEntry
	err := w.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = w.CreditTx(ctx, tx, account, amount, opID, reference)
		return err
	})
	return out, err
}

// DebitTx removes amount from account inside an enclosing transaction.
func (w *Wallet) DebitTx(ctx context.Context, tx Tx, account string, amount decimal.Decimal, opID, reference string) (*market.WalletEntry, error) {
	return w.apply(ctx, tx, market.WalletDebit, account, amount, opID, reference)
}

// CreditTx adds amount to account inside an enclosing transaction.
func (w *Wallet) CreditTx(ctx context.Context, tx Tx, account string, amount decimal.Decimal, opID, reference string) (*market.WalletEntry, error) {
	return w.apply(ctx, tx, market.WalletCredit, account, amount, opID, reference)
}

func (w *Wallet) apply(ctx context.Context, tx Tx, kind market.WalletEntryKind, account string, amount decimal.Decimal, opID, reference string) (*market.WalletEntry, error) {
	if account == "" || opID == "" {
		return nil, market.Invalid("wallet account and op id are required")
	}
	if !amount.IsPositive() {
		return nil, market.Invalid("wallet amount must be positive")
	}
	return tx.ApplyWallet(ctx, &market.WalletEntry{
		OpID:      opID,
		Account:   account,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
		CreatedAt: w.now().UTC(),
	})
}

// InitiateDeposit starts a gateway charge that will top up the caller's wallet.
func (w *Wallet) InitiateDeposit(ctx context.Context, actor market.Actor, amount decimal.Decimal) (d *market.Deposit, err error) {
	if w.gateway == nil {
		return nil, fmt.Errorf("wallet deposits: %w", payments.ErrGatewayUnavailable)
	}
	if actor.ID == "" {
		return nil, market.ErrForbidden
	}
	if err := market.ValidateAmount("deposit amount", amount); err != nil {
		return nil, err
	}

	ref := idgen.Reference(payments.PrefixDeposit)
	ctx, span := traces.StartSpan(ctx, "wallet.InitiateDeposit", traces.UserID(actor.ID), traces.Reference(ref), traces.Amount(amount.String()))
	defer func() { traces.End(span, err) }()

	url, err := w.gateway.InitializeCharge(ctx, payments.Charge{
		Amount:      amount,
		Reference:   ref,
		Email:       actor.Email,
		CallbackURL: w.callbackURL,
		Metadata:    map[string]string{payments.MetaEntityID: ref},
	})
	if err != nil {
		return nil, err
	}

	d = &market.Deposit{
		Reference:   ref,
		Account:     actor.ID,
		Amount:      amount,
		CheckoutURL: url,
		Status:      market.DepositPending,
		CreatedAt:   w.now().UTC(),
	}
	err = w.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertDeposit(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ConfirmDeposit verifies a deposit charge and credits the depositor.
// Confirming an already credited deposit returns it unchanged.
func (w *Wallet) ConfirmDeposit(ctx context.Context, reference string) (*market.Deposit, error) {
	if w.gateway == nil {
		return nil, fmt.Errorf("wallet deposits: %w", payments.ErrGatewayUnavailable)
	}
	d, err := w.store.GetDeposit(ctx, reference)
	if err != nil {
		return nil, err
	}
	if d.Status == market.DepositCredited {
		return d, nil
	}

	v, err := w.gateway.VerifyCharge(ctx, reference)
	if err != nil {
		metrics.PaymentVerificationsTotal.WithLabelValues(string(market.ClaimDeposit), "error").Inc()
		return nil, err
	}
	if !v.Confirms(d.Amount) {
		metrics.PaymentVerificationsTotal.WithLabelValues(string(market.ClaimDeposit), "rejected").Inc()
		return nil, fmt.Errorf("%w: deposit %s is %s", market.ErrPaymentNotConfirmed, reference, v.Status)
	}
	metrics.PaymentVerificationsTotal.WithLabelValues(string(market.ClaimDeposit), "confirmed").Inc()

	var out *market.Deposit
	credited := false
	err = w.store.WithTx(ctx, func(tx Tx) error {
		cur, err := tx.GetDeposit(ctx, reference)
		if err != nil {
			return err
		}
		if cur.Status == market.DepositCredited {
			out = cur
			return nil
		}
		now := w.now().UTC()
		if err := Claim(ctx, tx, &market.PaymentClaim{
			Reference: reference,
			Purpose:   market.ClaimDeposit,
			EntityID:  reference,
			Amount:    cur.Amount,
			ClaimedAt: now,
		}); err != nil {
			return err
		}
		if _, err := w.CreditTx(ctx, tx, cur.Account, cur.Amount, "deposit:"+reference, reference); err != nil {
			return err
		}
		next := *cur
		next.Status = market.DepositCredited
		next.CreditedAt = &now
		if err := tx.UpdateDeposit(ctx, &next, market.DepositPending); err != nil {
			return err
		}
		out = &next
		credited = true
		return nil
	})
	if err != nil {
		if errors.Is(err, market.ErrConflict) {
			// Lost a race with a concurrent confirmation.
			return w.store.GetDeposit(ctx, reference)
		}
		return nil, err
	}
	if !credited {
		return out, nil
	}
	w.logger.Info("deposit credited", "reference", reference, "account", out.Account, "amount", out.Amount.String())
	w.notifier.Notify(ctx, out.Account, notify.EventDepositCredited, map[string]any{
		"reference": out.Reference,
		"amount":    out.Amount.StringFixed(2),
	})
	return out, nil
}

// ConfirmDepositCallback adapts ConfirmDeposit to the payment webhook router.
func (w *Wallet) ConfirmDepositCallback(ctx context.Context, _ string, reference string) error {
	_, err := w.ConfirmDeposit(ctx, reference)
	return err
}
