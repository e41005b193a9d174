// README: Payout batch store backed by PostgreSQL.
package payout

import (
	"context"
	"time"

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

func (s *PostgresStore) CreateBatch(ctx context.Context, b *Batch) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		INSERT INTO payout_batches (
			id, driver_id, amount, status, scheduled_for, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		b.ID,
		string(b.DriverID),
		b.Amount.Amount,
		string(b.Status),
		b.ScheduledFor,
		b.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, id string, status BatchStatus) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		UPDATE payout_batches
		SET status = $2, updated_at = NOW()
		WHERE id = $1`,
		id, string(status),
	)
	return err
}

func (s *PostgresStore) ListBatchesByDriver(ctx context.Context, driverID types.ID) ([]Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_id, amount, status, scheduled_for, created_at, updated_at
		FROM payout_batches
		WHERE driver_id = $1
		ORDER BY created_at DESC`, string(driverID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		var amount int64
		var scheduledFor, createdAt, updatedAt time.Time
		if err := rows.Scan(&b.ID, &b.DriverID, &amount, &b.Status, &scheduledFor, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		b.Amount = types.Cents(amount)
		b.ScheduledFor = scheduledFor
		b.CreatedAt = createdAt
		b.UpdatedAt = updatedAt
		out = append(out, b)
	}
	return out, rows.Err()
}
