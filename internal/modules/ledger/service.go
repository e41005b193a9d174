// README: Ledger service; all-or-nothing balance movement and the audit trail.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/logger"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/types"
)

var (
	ErrInvalidArgument   = errors.New("invalid ledger input")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("ledger write conflict")
)

// conflict retries before surfacing ErrConflict to the caller.
const maxRetries = 5

// Tx is the set of primitives available inside one atomic ledger scope.
// Implementations must make all writes commit or roll back together.
type Tx interface {
	// LockAccount reads an account for update; ErrAccountNotFound if absent.
	LockAccount(ctx context.Context, id types.ID) (*Account, error)
	// EnsureAccount creates the account with a zero balance if absent, then
	// locks it. Credit-side accounts come into existence this way.
	EnsureAccount(ctx context.Context, id types.ID, kind AccountKind) (*Account, error)
	// UpdateBalance writes a new balance guarded by the version token.
	UpdateBalance(ctx context.Context, id types.ID, balance types.Money, expectVersion int) error
	AppendTransaction(ctx context.Context, t *Transaction) error
	TransactionsByOrder(ctx context.Context, orderID types.ID, reasons ...Reason) ([]Transaction, error)
	// OutstandingAdjustments sums unrecovered refund shortfalls for the account.
	OutstandingAdjustments(ctx context.Context, accountID types.ID) (int64, error)
	AppendAdjustment(ctx context.Context, a *Adjustment) error
	// RecoverAdjustments applies amount against the oldest open adjustments.
	RecoverAdjustments(ctx context.Context, accountID types.ID, amount int64) error
}

// Store opens atomic scopes and serves the read-only queries.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetAccount(ctx context.Context, id types.ID) (*Account, error)
	ListByOrder(ctx context.Context, orderID types.ID) ([]Transaction, error)
	ListPayable(ctx context.Context, kind AccountKind) ([]Account, error)
}

type Service struct {
	store             Store
	platformAccountID types.ID
	log               logger.ILogger
}

func NewService(store Store, platformAccountID types.ID, log logger.ILogger) *Service {
	return &Service{store: store, platformAccountID: platformAccountID, log: log}
}

// Transfer moves amount between two existing-or-created accounts atomically.
// The debit side must already exist; the credit side is created on first use.
func (s *Service) Transfer(ctx context.Context, from, to types.ID, toKind AccountKind, amount types.Money, reason Reason, orderID *types.ID) (*Transaction, error) {
	if amount.Amount <= 0 || from == "" || to == "" || from == to {
		return nil, ErrInvalidArgument
	}

	var txn *Transaction
	err := s.retry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx Tx) error {
			src, dst, err := lockPair(ctx, tx, from, to, toKind)
			if err != nil {
				return err
			}
			if src.Balance.Amount < amount.Amount {
				return ErrInsufficientFunds
			}

			txn = newTransaction(&from, to, amount, reason, orderID)
			if err := tx.AppendTransaction(ctx, txn); err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, from, src.Balance.Sub(amount), src.Version); err != nil {
				return err
			}
			return tx.UpdateBalance(ctx, to, dst.Balance.Add(amount), dst.Version)
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("transfer committed",
		logger.String("from", string(from)),
		logger.String("to", string(to)),
		logger.Int64("amount", amount.Amount),
		logger.String("reason", string(reason)))
	return txn, nil
}

// CreditOnly grants amount to a single account with no debiting counterparty.
func (s *Service) CreditOnly(ctx context.Context, to types.ID, kind AccountKind, amount types.Money, reason Reason) (*Transaction, error) {
	if amount.Amount <= 0 || to == "" {
		return nil, ErrInvalidArgument
	}

	var txn *Transaction
	err := s.retry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx Tx) error {
			acct, err := tx.EnsureAccount(ctx, to, kind)
			if err != nil {
				return err
			}
			txn = newTransaction(nil, to, amount, reason, nil)
			if err := tx.AppendTransaction(ctx, txn); err != nil {
				return err
			}
			return tx.UpdateBalance(ctx, to, acct.Balance.Add(amount), acct.Version)
		})
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// SettleOrder executes the completion split: requester pays the platform fee
// and the assignee earnings in one atomic scope. Idempotent by order id —
// a retry with the same order returns the original transaction pair.
// Outstanding refund adjustments divert assignee earnings to the platform
// until recovered.
func (s *Service) SettleOrder(ctx context.Context, orderID, requester, assignee types.ID, reason Reason, q pricing.Quote) ([]Transaction, error) {
	if orderID == "" || requester == "" || assignee == "" || q.Total.Amount <= 0 {
		return nil, ErrInvalidArgument
	}

	var out []Transaction
	err := s.retry(ctx, func() error {
		out = nil
		return s.store.WithTx(ctx, func(tx Tx) error {
			accts, err := lockOrdered(ctx, tx, []accountRef{
				{id: requester, mustExist: true},
				{id: s.platformAccountID, kind: KindPlatform},
				{id: assignee, kind: KindDriver},
			})
			if err != nil {
				return err
			}
			payer, platform, driver := accts[requester], accts[s.platformAccountID], accts[assignee]

			// The duplicate check must run under the row locks: a concurrent
			// settlement of the same order serializes on the accounts, so its
			// committed transactions are visible here.
			existing, err := tx.TransactionsByOrder(ctx, orderID, ReasonRideFare, ReasonDeliveryFee)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				out = existing
				return nil
			}

			if payer.Balance.Amount < q.Total.Amount {
				return ErrInsufficientFunds
			}

			feeTxn := newTransaction(&requester, s.platformAccountID, q.PlatformFee, reason, &orderID)
			earnTxn := newTransaction(&requester, assignee, q.AssigneeEarnings, reason, &orderID)
			for _, t := range []*Transaction{feeTxn, earnTxn} {
				if err := tx.AppendTransaction(ctx, t); err != nil {
					return err
				}
			}

			outstanding, err := tx.OutstandingAdjustments(ctx, assignee)
			if err != nil {
				return err
			}
			offset := min64(outstanding, q.AssigneeEarnings.Amount)

			platformGain := q.PlatformFee.Amount
			driverGain := q.AssigneeEarnings.Amount
			if offset > 0 {
				recoverTxn := newTransaction(&assignee, s.platformAccountID, types.Cents(offset), ReasonRefund, &orderID)
				if err := tx.AppendTransaction(ctx, recoverTxn); err != nil {
					return err
				}
				if err := tx.RecoverAdjustments(ctx, assignee, offset); err != nil {
					return err
				}
				platformGain += offset
				driverGain -= offset
				out = append(out, *recoverTxn)
			}

			if err := tx.UpdateBalance(ctx, requester, payer.Balance.Sub(q.Total), payer.Version); err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, s.platformAccountID, platform.Balance.Add(types.Cents(platformGain)), platform.Version); err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, assignee, driver.Balance.Add(types.Cents(driverGain)), driver.Version); err != nil {
				return err
			}

			out = append([]Transaction{*feeTxn, *earnTxn}, out...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RefundOrder reverses a settled order: the assignee returns earnings capped
// at their current balance, the platform float covers its fee plus any
// shortfall so the requester is made whole, and the shortfall is recorded as
// an adjustment recovered from the assignee's future earnings.
func (s *Service) RefundOrder(ctx context.Context, orderID, requester, assignee types.ID, gross, earnings types.Money) ([]Transaction, error) {
	if orderID == "" || requester == "" || assignee == "" || gross.Amount <= 0 || earnings.Amount < 0 || earnings.Amount > gross.Amount {
		return nil, ErrInvalidArgument
	}

	var out []Transaction
	err := s.retry(ctx, func() error {
		out = nil
		return s.store.WithTx(ctx, func(tx Tx) error {
			accts, err := lockOrdered(ctx, tx, []accountRef{
				{id: requester, kind: KindRider},
				{id: s.platformAccountID, mustExist: true},
				{id: assignee, mustExist: true},
			})
			if err != nil {
				return err
			}
			payer, platform, driver := accts[requester], accts[s.platformAccountID], accts[assignee]

			// Same ordering as SettleOrder: check only after the locks are held
			// so a concurrent refund of the same order is visible once committed.
			existing, err := tx.TransactionsByOrder(ctx, orderID, ReasonRefund)
			if err != nil {
				return err
			}
			for _, t := range existing {
				if t.ToAccount == requester {
					out = existing
					return nil
				}
			}

			driverDebit := min64(driver.Balance.Amount, earnings.Amount)
			platformDebit := gross.Amount - driverDebit
			shortfall := earnings.Amount - driverDebit

			if platform.Balance.Amount < platformDebit {
				return ErrInsufficientFunds
			}

			if driverDebit > 0 {
				t := newTransaction(&assignee, requester, types.Cents(driverDebit), ReasonRefund, &orderID)
				if err := tx.AppendTransaction(ctx, t); err != nil {
					return err
				}
				out = append(out, *t)
			}
			if platformDebit > 0 {
				platformID := s.platformAccountID
				t := newTransaction(&platformID, requester, types.Cents(platformDebit), ReasonRefund, &orderID)
				if err := tx.AppendTransaction(ctx, t); err != nil {
					return err
				}
				out = append(out, *t)
			}
			if shortfall > 0 {
				adj := &Adjustment{
					ID:        uuid.NewString(),
					AccountID: assignee,
					OrderID:   orderID,
					Amount:    shortfall,
					CreatedAt: time.Now().UTC(),
				}
				if err := tx.AppendAdjustment(ctx, adj); err != nil {
					return err
				}
			}

			if err := tx.UpdateBalance(ctx, assignee, driver.Balance.Sub(types.Cents(driverDebit)), driver.Version); err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, s.platformAccountID, platform.Balance.Sub(types.Cents(platformDebit)), platform.Version); err != nil {
				return err
			}
			return tx.UpdateBalance(ctx, requester, payer.Balance.Add(gross), payer.Version)
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("refund committed",
		logger.String("order_id", string(orderID)),
		logger.Int64("gross", gross.Amount))
	return out, nil
}

// GetAccount returns the current wallet state.
func (s *Service) GetAccount(ctx context.Context, id types.ID) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// ListByOrder returns the audit trail for one order.
func (s *Service) ListByOrder(ctx context.Context, orderID types.ID) ([]Transaction, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// ListPayable returns accounts of the given kind with a positive balance.
func (s *Service) ListPayable(ctx context.Context, kind AccountKind) ([]Account, error) {
	return s.store.ListPayable(ctx, kind)
}

// retry re-runs fn on version conflicts with a short linear backoff.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

type accountRef struct {
	id        types.ID
	kind      AccountKind
	mustExist bool
}

// lockOrdered locks accounts in ascending id order so that two scopes
// touching overlapping accounts can never deadlock.
func lockOrdered(ctx context.Context, tx Tx, refs []accountRef) (map[types.ID]*Account, error) {
	sorted := make([]accountRef, len(refs))
	copy(sorted, refs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].id < sorted[j-1].id; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	out := make(map[types.ID]*Account, len(sorted))
	for _, ref := range sorted {
		if _, done := out[ref.id]; done {
			continue
		}
		var (
			acct *Account
			err  error
		)
		if ref.mustExist {
			acct, err = tx.LockAccount(ctx, ref.id)
		} else {
			acct, err = tx.EnsureAccount(ctx, ref.id, ref.kind)
		}
		if err != nil {
			return nil, err
		}
		out[ref.id] = acct
	}
	return out, nil
}

func lockPair(ctx context.Context, tx Tx, from, to types.ID, toKind AccountKind) (*Account, *Account, error) {
	accts, err := lockOrdered(ctx, tx, []accountRef{
		{id: from, mustExist: true},
		{id: to, kind: toKind},
	})
	if err != nil {
		return nil, nil, err
	}
	return accts[from], accts[to], nil
}

func newTransaction(from *types.ID, to types.ID, amount types.Money, reason Reason, orderID *types.ID) *Transaction {
	return &Transaction{
		ID:          uuid.NewString(),
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
		Reason:      reason,
		OrderID:     orderID,
		CreatedAt:   time.Now().UTC(),
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
