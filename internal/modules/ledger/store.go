// README: Ledger store backed by PostgreSQL; row locks and version-guarded writes.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/types"
)

const storeOpTimeout = 10 * time.Second

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	pgtx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&pgTx{tx: pgtx}); err != nil {
		return mapPgErr(err)
	}
	if err := pgtx.Commit(ctx); err != nil {
		return mapPgErr(err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id types.ID) (*Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, kind, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1`, string(id),
	)
	return scanAccount(row)
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID types.ID) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, from_account, to_account, amount, reason, order_id, created_at
		FROM ledger_transactions
		WHERE order_id = $1
		ORDER BY created_at`, string(orderID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) ListPayable(ctx context.Context, kind AccountKind) ([]Account, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, balance, version, created_at, updated_at
		FROM accounts
		WHERE kind = $1 AND balance > 0
		ORDER BY id`, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// pgTx adapts a pgx transaction to the ledger Tx primitives.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id types.ID) (*Account, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, kind, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, string(id),
	)
	return scanAccount(row)
}

func (t *pgTx) EnsureAccount(ctx context.Context, id types.ID, kind AccountKind) (*Account, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (id, kind, balance, version, created_at, updated_at)
		VALUES ($1, $2, 0, 0, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING`,
		string(id), string(kind),
	)
	if err != nil {
		return nil, err
	}
	return t.LockAccount(ctx, id)
}

func (t *pgTx) UpdateBalance(ctx context.Context, id types.ID, balance types.Money, expectVersion int) error {
	if balance.IsNegative() {
		return ErrInsufficientFunds
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3`,
		balance.Amount, string(id), expectVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn *Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_transactions (id, from_account, to_account, amount, reason, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.ID,
		idPtr(txn.FromAccount),
		string(txn.ToAccount),
		txn.Amount.Amount,
		string(txn.Reason),
		idPtr(txn.OrderID),
		txn.CreatedAt,
	)
	return err
}

func (t *pgTx) TransactionsByOrder(ctx context.Context, orderID types.ID, reasons ...Reason) ([]Transaction, error) {
	rs := make([]string, len(reasons))
	for i, r := range reasons {
		rs[i] = string(r)
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, from_account, to_account, amount, reason, order_id, created_at
		FROM ledger_transactions
		WHERE order_id = $1 AND reason = ANY($2)
		ORDER BY created_at`,
		string(orderID), rs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (t *pgTx) OutstandingAdjustments(ctx context.Context, accountID types.ID) (int64, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount - recovered), 0)
		FROM ledger_adjustments
		WHERE account_id = $1 AND recovered < amount`,
		string(accountID),
	)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (t *pgTx) AppendAdjustment(ctx context.Context, a *Adjustment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_adjustments (id, account_id, order_id, amount, recovered, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		a.ID, string(a.AccountID), string(a.OrderID), a.Amount, a.CreatedAt,
	)
	return err
}

func (t *pgTx) RecoverAdjustments(ctx context.Context, accountID types.ID, amount int64) error {
	rows, err := t.tx.Query(ctx, `
		SELECT id, amount, recovered
		FROM ledger_adjustments
		WHERE account_id = $1 AND recovered < amount
		ORDER BY created_at
		FOR UPDATE`,
		string(accountID),
	)
	if err != nil {
		return err
	}

	type open struct {
		id          string
		outstanding int64
	}
	var opens []open
	for rows.Next() {
		var (
			id                string
			total, recovered int64
		)
		if err := rows.Scan(&id, &total, &recovered); err != nil {
			rows.Close()
			return err
		}
		opens = append(opens, open{id: id, outstanding: total - recovered})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	remaining := amount
	for _, o := range opens {
		if remaining <= 0 {
			break
		}
		applied := o.outstanding
		if applied > remaining {
			applied = remaining
		}
		if _, err := t.tx.Exec(ctx, `
			UPDATE ledger_adjustments
			SET recovered = recovered + $1
			WHERE id = $2`,
			applied, o.id,
		); err != nil {
			return err
		}
		remaining -= applied
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Kind, &a.Balance.Amount, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Balance.Currency = types.DefaultCurrency
	return &a, nil
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		var (
			t        Transaction
			from, oid *string
		)
		if err := rows.Scan(&t.ID, &from, &t.ToAccount, &t.Amount.Amount, &t.Reason, &oid, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount.Currency = types.DefaultCurrency
		if from != nil {
			v := types.ID(*from)
			t.FromAccount = &v
		}
		if oid != nil {
			v := types.ID(*oid)
			t.OrderID = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// mapPgErr folds serialization/deadlock failures into ErrConflict so the
// service retry loop can re-run the scope.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConflict
		}
	}
	return err
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
