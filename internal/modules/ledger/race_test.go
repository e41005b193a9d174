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

// lockingStore models the postgres store's concurrency contract more closely
// than fakeStore: scopes run concurrently, row locks are per account and held
// until the scope ends, and reads see committed state only. enter, when set,
// is called at the start of every scope.
type lockingStore struct {
	mu       sync.Mutex
	accounts map[types.ID]*Account
	txns     []Transaction
	adjs     []*Adjustment
	locks    map[types.ID]*sync.Mutex
	enter    func()
}

func newLockingStore() *lockingStore {
	return &lockingStore{
		accounts: map[types.ID]*Account{},
		locks:    map[types.ID]*sync.Mutex{},
	}
}

func (s *lockingStore) seed(id types.ID, kind AccountKind, balance int64) {
	s.accounts[id] = &Account{ID: id, Kind: kind, Balance: types.Cents(balance)}
}

func (s *lockingStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.enter != nil {
		s.enter()
	}
	tx := &lockingTx{
		store:    s,
		staged:   map[types.ID]*Account{},
		adjExtra: map[string]int64{},
	}
	err := fn(tx)
	s.mu.Lock()
	if err == nil {
		tx.commitLocked()
	}
	s.mu.Unlock()
	tx.unlockAll()
	return err
}

func (s *lockingStore) GetAccount(ctx context.Context, id types.ID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *lockingStore) ListByOrder(ctx context.Context, orderID types.ID) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.txns {
		if t.OrderID != nil && *t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *lockingStore) ListPayable(ctx context.Context, kind AccountKind) ([]Account, error) {
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

// lockingTx holds the row locks it acquired until the scope commits or rolls
// back. Writes are staged and applied atomically on commit.
type lockingTx struct {
	store    *lockingStore
	held     []*sync.Mutex
	staged   map[types.ID]*Account
	txns     []Transaction
	newAdjs  []*Adjustment
	adjExtra map[string]int64
}

func (t *lockingTx) lockRow(id types.ID) {
	t.store.mu.Lock()
	m, ok := t.store.locks[id]
	if !ok {
		m = &sync.Mutex{}
		t.store.locks[id] = m
	}
	t.store.mu.Unlock()
	m.Lock()
	t.held = append(t.held, m)
}

func (t *lockingTx) unlockAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
	t.held = nil
}

func (t *lockingTx) commitLocked() {
	for id, a := range t.staged {
		t.store.accounts[id] = a
	}
	t.store.txns = append(t.store.txns, t.txns...)
	t.store.adjs = append(t.store.adjs, t.newAdjs...)
	for id, extra := range t.adjExtra {
		for _, adj := range t.store.adjs {
			if adj.ID == id {
				adj.Recovered += extra
			}
		}
	}
}

func (t *lockingTx) read(id types.ID) (*Account, bool) {
	if a, ok := t.staged[id]; ok {
		cp := *a
		return &cp, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	a, ok := t.store.accounts[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

func (t *lockingTx) LockAccount(ctx context.Context, id types.ID) (*Account, error) {
	t.lockRow(id)
	a, ok := t.read(id)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (t *lockingTx) EnsureAccount(ctx context.Context, id types.ID, kind AccountKind) (*Account, error) {
	t.lockRow(id)
	if a, ok := t.read(id); ok {
		return a, nil
	}
	a := &Account{ID: id, Kind: kind, Balance: types.Cents(0)}
	t.staged[id] = a
	cp := *a
	return &cp, nil
}

func (t *lockingTx) UpdateBalance(ctx context.Context, id types.ID, balance types.Money, expectVersion int) error {
	if balance.IsNegative() {
		return ErrInsufficientFunds
	}
	cur, ok := t.read(id)
	if !ok {
		return ErrAccountNotFound
	}
	if cur.Version != expectVersion {
		return ErrConflict
	}
	cur.Balance = balance
	cur.Version++
	t.staged[id] = cur
	return nil
}

func (t *lockingTx) AppendTransaction(ctx context.Context, txn *Transaction) error {
	t.txns = append(t.txns, *txn)
	return nil
}

func (t *lockingTx) TransactionsByOrder(ctx context.Context, orderID types.ID, reasons ...Reason) ([]Transaction, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []Transaction
	for _, txn := range t.store.txns {
		if txn.OrderID == nil || *txn.OrderID != orderID {
			continue
		}
		for _, r := range reasons {
			if txn.Reason == r {
				out = append(out, txn)
				break
			}
		}
	}
	return out, nil
}

func (t *lockingTx) OutstandingAdjustments(ctx context.Context, accountID types.ID) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var total int64
	for _, adj := range t.store.adjs {
		if adj.AccountID == accountID {
			total += adj.Outstanding()
		}
	}
	return total, nil
}

func (t *lockingTx) AppendAdjustment(ctx context.Context, a *Adjustment) error {
	cp := *a
	t.newAdjs = append(t.newAdjs, &cp)
	return nil
}

func (t *lockingTx) RecoverAdjustments(ctx context.Context, accountID types.ID, amount int64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	remaining := amount
	for _, adj := range t.store.adjs {
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
		t.adjExtra[adj.ID] += applied
		remaining -= applied
	}
	return nil
}

func lockingBalance(t *testing.T, store *lockingStore, id types.ID) int64 {
	t.Helper()
	a, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance.Amount
}

// Two settlements of the same order racing through separate transactions must
// produce exactly one fee+earnings pair: the duplicate check runs under the
// account locks, so the loser sees the winner's committed rows. Both scopes
// are gated to begin before either holds a lock.
func TestSettleOrder_ConcurrentDuplicateSettlesOnce(t *testing.T) {
	store := newLockingStore()
	store.seed("rider_1", KindRider, 10000)
	svc := NewService(store, platformID, logger.New("ledger-test", "error"))

	var entered sync.WaitGroup
	entered.Add(2)
	store.enter = func() {
		entered.Done()
		entered.Wait()
	}

	q, err := pricing.RideFare(10, 20) // 2700 / 200 / 2500
	require.NoError(t, err)
	orderID := types.ID("order_1")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.SettleOrder(context.Background(), orderID, "rider_1", "driver_1", ReasonRideFare, q)
			results <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}

	txns, err := store.ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
	assert.Equal(t, int64(7300), lockingBalance(t, store, "rider_1"))
	assert.Equal(t, int64(2500), lockingBalance(t, store, "driver_1"))
	assert.Equal(t, int64(200), lockingBalance(t, store, platformID))
}

// The refund path has the same guard: two racing refunds of one order credit
// the requester exactly once.
func TestRefundOrder_ConcurrentDuplicateRefundsOnce(t *testing.T) {
	store := newLockingStore()
	store.seed("rider_1", KindRider, 0)
	store.seed("driver_1", KindDriver, 2800)
	store.seed(platformID, KindPlatform, 5000)
	svc := NewService(store, platformID, logger.New("ledger-test", "error"))

	var entered sync.WaitGroup
	entered.Add(2)
	store.enter = func() {
		entered.Done()
		entered.Wait()
	}

	orderID := types.ID("order_1")
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.RefundOrder(context.Background(), orderID, "rider_1", "driver_1", types.Cents(3000), types.Cents(2800))
			results <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}

	txns, err := store.ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
	assert.Equal(t, int64(3000), lockingBalance(t, store, "rider_1"))
	assert.Equal(t, int64(0), lockingBalance(t, store, "driver_1"))
	assert.Equal(t, int64(4800), lockingBalance(t, store, platformID))
}
