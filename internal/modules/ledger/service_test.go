package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/logger"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/types"
)

const platformID = types.ID("platform")

// fakeStore is an in-memory Store whose scopes are serialized by a mutex and
// committed atomically, mirroring the transactional contract of the postgres
// store. conflictsLeft makes the next UpdateBalance calls fail with
// ErrConflict to exercise the retry loop.
type fakeStore struct {
	mu            sync.Mutex
	accounts      map[types.ID]*Account
	transactions  []Transaction
	adjustments   []*Adjustment
	conflictsLeft int
}

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: map[types.ID]*Account{}}
}

func (s *fakeStore) seed(id types.ID, kind AccountKind, balance int64) {
	s.accounts[id] = &Account{ID: id, Kind: kind, Balance: types.Cents(balance)}
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stage := &fakeTx{
		store:       s,
		accounts:    map[types.ID]*Account{},
		adjustments: map[string]int64{},
	}
	if err := fn(stage); err != nil {
		return err
	}
	stage.commit()
	return nil
}

func (s *fakeStore) GetAccount(ctx context.Context, id types.ID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListByOrder(ctx context.Context, orderID types.ID) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.transactions {
		if t.OrderID != nil && *t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) ListPayable(ctx context.Context, kind AccountKind) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Account
	for _, a := range s.accounts {
		if a.Kind == kind && a.Balance.Amount > 0 {
			out = append(out, *a)
		}
	}
	return out, nil
}

// fakeTx stages writes and applies them on commit only.
type fakeTx struct {
	store        *fakeStore
	accounts     map[types.ID]*Account
	transactions []Transaction
	newAdjs      []*Adjustment
	adjustments  map[string]int64 // adjustment id -> extra recovered
}

func (t *fakeTx) commit() {
	for id, a := range t.accounts {
		t.store.accounts[id] = a
	}
	t.store.transactions = append(t.store.transactions, t.transactions...)
	t.store.adjustments = append(t.store.adjustments, t.newAdjs...)
	for id, extra := range t.adjustments {
		for _, adj := range t.store.adjustments {
			if adj.ID == id {
				adj.Recovered += extra
			}
		}
	}
}

func (t *fakeTx) LockAccount(ctx context.Context, id types.ID) (*Account, error) {
	if a, ok := t.accounts[id]; ok {
		cp := *a
		return &cp, nil
	}
	a, ok := t.store.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *fakeTx) EnsureAccount(ctx context.Context, id types.ID, kind AccountKind) (*Account, error) {
	if a, err := t.LockAccount(ctx, id); err == nil {
		return a, nil
	}
	a := &Account{ID: id, Kind: kind, Balance: types.Cents(0)}
	t.accounts[id] = a
	cp := *a
	return &cp, nil
}

func (t *fakeTx) UpdateBalance(ctx context.Context, id types.ID, balance types.Money, expectVersion int) error {
	if t.store.conflictsLeft > 0 {
		t.store.conflictsLeft--
		return ErrConflict
	}
	if balance.IsNegative() {
		return ErrInsufficientFunds
	}
	cur, err := t.LockAccount(ctx, id)
	if err != nil {
		return err
	}
	if cur.Version != expectVersion {
		return ErrConflict
	}
	cur.Balance = balance
	cur.Version++
	t.accounts[id] = cur
	return nil
}

func (t *fakeTx) AppendTransaction(ctx context.Context, txn *Transaction) error {
	t.transactions = append(t.transactions, *txn)
	return nil
}

func (t *fakeTx) TransactionsByOrder(ctx context.Context, orderID types.ID, reasons ...Reason) ([]Transaction, error) {
	match := func(t Transaction) bool {
		if t.OrderID == nil || *t.OrderID != orderID {
			return false
		}
		for _, r := range reasons {
			if t.Reason == r {
				return true
			}
		}
		return false
	}
	var out []Transaction
	for _, txn := range t.store.transactions {
		if match(txn) {
			out = append(out, txn)
		}
	}
	for _, txn := range t.transactions {
		if match(txn) {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (t *fakeTx) OutstandingAdjustments(ctx context.Context, accountID types.ID) (int64, error) {
	var total int64
	for _, adj := range t.store.adjustments {
		if adj.AccountID == accountID {
			total += adj.Outstanding()
		}
	}
	return total, nil
}

func (t *fakeTx) AppendAdjustment(ctx context.Context, a *Adjustment) error {
	cp := *a
	t.newAdjs = append(t.newAdjs, &cp)
	return nil
}

func (t *fakeTx) RecoverAdjustments(ctx context.Context, accountID types.ID, amount int64) error {
	remaining := amount
	for _, adj := range t.store.adjustments {
		if remaining <= 0 {
			break
		}
		if adj.AccountID != accountID || adj.Outstanding() <= 0 {
			continue
		}
		applied := adj.Outstanding()
		if applied > remaining {
			applied = remaining
		}
		t.adjustments[adj.ID] += applied
		remaining -= applied
	}
	return nil
}

func newTestService(store *fakeStore) *Service {
	return NewService(store, platformID, logger.New("ledger-test", "error"))
}

func balance(t *testing.T, store *fakeStore, id types.ID) int64 {
	t.Helper()
	a, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance.Amount
}

func TestTransfer_MovesFunds(t *testing.T) {
	store := newFakeStore()
	store.seed("rider_1", KindRider, 5000)
	svc := newTestService(store)

	txn, err := svc.Transfer(context.Background(), "rider_1", "driver_1", KindDriver, types.Cents(1200), ReasonCashOut, nil)
	require.NoError(t, err)
	require.NotNil(t, txn)

	assert.Equal(t, int64(3800), balance(t, store, "rider_1"))
	assert.Equal(t, int64(1200), balance(t, store, "driver_1"))
	assert.Equal(t, ReasonCashOut, txn.Reason)
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	store := newFakeStore()
	store.seed("a", KindRider, 5000)
	store.seed("b", KindDriver, 0)
	svc := newTestService(store)

	_, err := svc.Transfer(context.Background(), "a", "b", KindDriver, types.Cents(10000), ReasonCashOut, nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Nothing moved.
	assert.Equal(t, int64(5000), balance(t, store, "a"))
	assert.Equal(t, int64(0), balance(t, store, "b"))
	assert.Empty(t, store.transactions)
}

func TestTransfer_InvalidInputs(t *testing.T) {
	store := newFakeStore()
	store.seed("a", KindRider, 5000)
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Transfer(ctx, "a", "b", KindDriver, types.Cents(0), ReasonCashOut, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Transfer(ctx, "a", "b", KindDriver, types.Cents(-100), ReasonCashOut, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Transfer(ctx, "a", "a", KindRider, types.Cents(100), ReasonCashOut, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTransfer_UnknownDebitAccount(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	_, err := svc.Transfer(context.Background(), "ghost", "b", KindDriver, types.Cents(100), ReasonCashOut, nil)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTransfer_RetriesThenSucceeds(t *testing.T) {
	store := newFakeStore()
	store.seed("a", KindRider, 1000)
	store.conflictsLeft = 3
	svc := newTestService(store)

	_, err := svc.Transfer(context.Background(), "a", "b", KindDriver, types.Cents(100), ReasonCashOut, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(900), balance(t, store, "a"))
}

func TestTransfer_SurfacesConflictAfterBoundedRetries(t *testing.T) {
	store := newFakeStore()
	store.seed("a", KindRider, 1000)
	store.conflictsLeft = 100
	svc := newTestService(store)

	_, err := svc.Transfer(context.Background(), "a", "b", KindDriver, types.Cents(100), ReasonCashOut, nil)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(1000), balance(t, store, "a"))
}

func TestCreditOnly(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	txn, err := svc.CreditOnly(context.Background(), "driver_9", KindDriver, types.Cents(500), ReasonRefund)
	require.NoError(t, err)
	assert.Nil(t, txn.FromAccount)
	assert.Equal(t, int64(500), balance(t, store, "driver_9"))
}

func TestConcurrentTransfers_NoLostUpdates(t *testing.T) {
	store := newFakeStore()
	store.seed("a", KindRider, 100000)
	store.seed("b", KindDriver, 0)
	svc := newTestService(store)

	const workers = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transfer(context.Background(), "a", "b", KindDriver, types.Cents(10), ReasonCashOut, nil)
			if err != nil {
				t.Errorf("transfer: %v", err)
			}
		}()
	}
	wg.Wait()

	// Final state equals sequential application in some order.
	assert.Equal(t, int64(100000-workers*10), balance(t, store, "a"))
	assert.Equal(t, int64(workers*10), balance(t, store, "b"))
	assert.Len(t, store.transactions, workers)
}

func TestConcurrentTransfers_OpposingPairsConserveFunds(t *testing.T) {
	store := newFakeStore()
	store.seed("a", KindRider, 50000)
	store.seed("b", KindRider, 50000)
	svc := newTestService(store)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.Transfer(context.Background(), "a", "b", KindRider, types.Cents(7), ReasonCashOut, nil)
		}()
		go func() {
			defer wg.Done()
			_, _ = svc.Transfer(context.Background(), "b", "a", KindRider, types.Cents(3), ReasonCashOut, nil)
		}()
	}
	wg.Wait()

	total := balance(t, store, "a") + balance(t, store, "b")
	assert.Equal(t, int64(100000), total)
	assert.GreaterOrEqual(t, balance(t, store, "a"), int64(0))
	assert.GreaterOrEqual(t, balance(t, store, "b"), int64(0))
}

func settleQuote() pricing.Quote {
	return pricing.Quote{
		Total:            types.Cents(2700),
		PlatformFee:      types.Cents(200),
		AssigneeEarnings: types.Cents(2500),
	}
}

func TestSettleOrder_SplitsFare(t *testing.T) {
	store := newFakeStore()
	store.seed("rider_1", KindRider, 10000)
	svc := newTestService(store)

	txns, err := svc.SettleOrder(context.Background(), "order_1", "rider_1", "driver_1", ReasonRideFare, settleQuote())
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	assert.Equal(t, int64(7300), balance(t, store, "rider_1"))
	assert.Equal(t, int64(200), balance(t, store, platformID))
	assert.Equal(t, int64(2500), balance(t, store, "driver_1"))
}

func TestSettleOrder_Idempotent(t *testing.T) {
	store := newFakeStore()
	store.seed("rider_1", KindRider, 10000)
	svc := newTestService(store)
	ctx := context.Background()

	first, err := svc.SettleOrder(ctx, "order_1", "rider_1", "driver_1", ReasonRideFare, settleQuote())
	require.NoError(t, err)

	second, err := svc.SettleOrder(ctx, "order_1", "rider_1", "driver_1", ReasonRideFare, settleQuote())
	require.NoError(t, err)

	// Exactly one transaction pair exists; the retry returned it untouched.
	assert.Len(t, store.transactions, 2)
	assert.Len(t, second, len(first))
	assert.Equal(t, int64(7300), balance(t, store, "rider_1"))
	assert.Equal(t, int64(2500), balance(t, store, "driver_1"))
}

func TestSettleOrder_InsufficientFunds(t *testing.T) {
	store := newFakeStore()
	store.seed("rider_poor", KindRider, 100)
	svc := newTestService(store)

	_, err := svc.SettleOrder(context.Background(), "order_1", "rider_poor", "driver_1", ReasonRideFare, settleQuote())
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, store.transactions)
	assert.Equal(t, int64(100), balance(t, store, "rider_poor"))
}

func TestRefundOrder_ClampsAtDriverBalance(t *testing.T) {
	// Settled $30 ride: fee 2.00, earnings 28.00. Driver has withdrawn down
	// to $10 before the refund is approved.
	store := newFakeStore()
	store.seed("rider_1", KindRider, 3000)
	svc := newTestService(store)
	ctx := context.Background()

	q := pricing.Quote{Total: types.Cents(3000), PlatformFee: types.Cents(200), AssigneeEarnings: types.Cents(2800)}
	_, err := svc.SettleOrder(ctx, "order_1", "rider_1", "driver_1", ReasonRideFare, q)
	require.NoError(t, err)

	// Platform float needs headroom beyond the collected fee.
	_, err = svc.CreditOnly(ctx, platformID, KindPlatform, types.Cents(5000), ReasonRefund)
	require.NoError(t, err)

	// Driver cashes out 18.00, leaving 10.00.
	_, err = svc.Transfer(ctx, "driver_1", "cashier_1", KindCashier, types.Cents(1800), ReasonCashOut, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance(t, store, "driver_1"))

	_, err = svc.RefundOrder(ctx, "order_1", "rider_1", "driver_1", types.Cents(3000), types.Cents(2800))
	require.NoError(t, err)

	// Rider is made whole; driver clamped at zero, shortfall tracked.
	assert.Equal(t, int64(3000), balance(t, store, "rider_1"))
	assert.Equal(t, int64(0), balance(t, store, "driver_1"))

	var outstanding int64
	for _, adj := range store.adjustments {
		if adj.AccountID == "driver_1" {
			outstanding += adj.Outstanding()
		}
	}
	assert.Equal(t, int64(1800), outstanding)
}

func TestSettleOrder_RecoversShortfallFromFutureEarnings(t *testing.T) {
	store := newFakeStore()
	store.seed("rider_1", KindRider, 3000)
	store.seed("rider_2", KindRider, 10000)
	svc := newTestService(store)
	ctx := context.Background()

	// Build an 1800-cent shortfall exactly as in the clamp test.
	q := pricing.Quote{Total: types.Cents(3000), PlatformFee: types.Cents(200), AssigneeEarnings: types.Cents(2800)}
	_, err := svc.SettleOrder(ctx, "order_1", "rider_1", "driver_1", ReasonRideFare, q)
	require.NoError(t, err)
	_, err = svc.CreditOnly(ctx, platformID, KindPlatform, types.Cents(5000), ReasonRefund)
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, "driver_1", "cashier_1", KindCashier, types.Cents(1800), ReasonCashOut, nil)
	require.NoError(t, err)
	_, err = svc.RefundOrder(ctx, "order_1", "rider_1", "driver_1", types.Cents(3000), types.Cents(2800))
	require.NoError(t, err)

	platformBefore := balance(t, store, platformID)

	// Next settlement diverts earnings until the adjustment is recovered.
	q2 := pricing.Quote{Total: types.Cents(2700), PlatformFee: types.Cents(200), AssigneeEarnings: types.Cents(2500)}
	_, err = svc.SettleOrder(ctx, "order_2", "rider_2", "driver_1", ReasonRideFare, q2)
	require.NoError(t, err)

	assert.Equal(t, int64(2500-1800), balance(t, store, "driver_1"))
	assert.Equal(t, platformBefore+200+1800, balance(t, store, platformID))

	var outstanding int64
	for _, adj := range store.adjustments {
		outstanding += adj.Outstanding()
	}
	assert.Equal(t, int64(0), outstanding)
}

func TestRefundOrder_Idempotent(t *testing.T) {
	store := newFakeStore()
	store.seed("rider_1", KindRider, 3000)
	store.seed("driver_1", KindDriver, 10000)
	store.seed(platformID, KindPlatform, 10000)
	svc := newTestService(store)
	ctx := context.Background()

	q := pricing.Quote{Total: types.Cents(3000), PlatformFee: types.Cents(200), AssigneeEarnings: types.Cents(2800)}
	_, err := svc.SettleOrder(ctx, "order_1", "rider_1", "driver_1", ReasonRideFare, q)
	require.NoError(t, err)

	_, err = svc.RefundOrder(ctx, "order_1", "rider_1", "driver_1", types.Cents(3000), types.Cents(2800))
	require.NoError(t, err)
	riderAfter := balance(t, store, "rider_1")

	_, err = svc.RefundOrder(ctx, "order_1", "rider_1", "driver_1", types.Cents(3000), types.Cents(2800))
	require.NoError(t, err)
	assert.Equal(t, riderAfter, balance(t, store, "rider_1"))
}
