// README: Wallet accounts and the append-only transaction/adjustment records.
package ledger

import (
	"time"

	"dispatch/internal/types"
)

// AccountKind classifies wallets for payout sweeps and reporting.
type AccountKind string

const (
	KindRider    AccountKind = "rider"
	KindDriver   AccountKind = "driver"
	KindCashier  AccountKind = "cashier"
	KindPlatform AccountKind = "platform"
	KindClearing AccountKind = "clearing"
)

// Account is a wallet. Balance is mutated only through the ledger service;
// Version is the optimistic lock token. Accounts are never deleted.
type Account struct {
	ID        types.ID
	Kind      AccountKind
	Balance   types.Money
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reason is the business cause of a transaction.
type Reason string

const (
	ReasonRideFare    Reason = "ride_fare"
	ReasonDeliveryFee Reason = "delivery_fee"
	ReasonCashOut     Reason = "cash_out"
	ReasonPayout      Reason = "payout"
	ReasonRefund      Reason = "refund"
	ReasonCharge      Reason = "charge"
)

// Transaction is an immutable append-only ledger record. A nil FromAccount
// marks a platform-funded credit with no debiting counterparty.
type Transaction struct {
	ID          string
	FromAccount *types.ID
	ToAccount   types.ID
	Amount      types.Money
	Reason      Reason
	OrderID     *types.ID
	CreatedAt   time.Time
}

// Adjustment tracks a refund shortfall owed by an account, recovered from
// future earnings. Amount is what was owed; Recovered grows toward it.
type Adjustment struct {
	ID        string
	AccountID types.ID
	OrderID   types.ID
	Amount    int64
	Recovered int64
	CreatedAt time.Time
}

// Outstanding is the unrecovered remainder of an adjustment.
func (a Adjustment) Outstanding() int64 {
	return a.Amount - a.Recovered
}
