// README: Order store backed by PostgreSQL.
package order

import (
	"context"
	"database/sql"
	"errors"
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

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (
			id, kind, requester_id, assignee_id, status, status_version,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			order_amount, payment_method, distance_miles, duration_minutes, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		string(o.ID),
		string(o.Kind),
		string(o.RequesterID),
		toStringPtr(o.AssigneeID),
		string(o.Status),
		o.StatusVersion,
		o.Pickup.Lat, o.Pickup.Lng,
		o.Dropoff.Lat, o.Dropoff.Lng,
		o.OrderAmount.Amount,
		nullIfEmpty(o.PaymentMethodID),
		o.DistanceMiles,
		o.DurationMinutes,
		o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	row := s.db.QueryRow(ctx, `
		SELECT id, kind, requester_id, assignee_id, status, status_version,
		       pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		       order_amount, payment_method, distance_miles, duration_minutes,
		       gross, platform_fee, earnings,
		       created_at, assigned_at, started_at, completed_at, cancelled_at, refunded_at
		FROM orders
		WHERE id = $1`, string(id),
	)

	var o Order
	var assigneeID, paymentMethod sql.NullString
	var gross, fee, earnings sql.NullInt64
	var assignedAt, startedAt, completedAt, cancelledAt, refundedAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.Kind, &o.RequesterID, &assigneeID, &o.Status, &o.StatusVersion,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng,
		&o.OrderAmount.Amount, &paymentMethod, &o.DistanceMiles, &o.DurationMinutes,
		&gross, &fee, &earnings,
		&o.CreatedAt, &assignedAt, &startedAt, &completedAt, &cancelledAt, &refundedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.OrderAmount.Currency = types.DefaultCurrency
	o.PaymentMethodID = paymentMethod.String
	if assigneeID.Valid {
		a := types.ID(assigneeID.String)
		o.AssigneeID = &a
	}
	o.Gross = toMoneyPtr(gross)
	o.PlatformFee = toMoneyPtr(fee)
	o.Earnings = toMoneyPtr(earnings)
	o.AssignedAt = toTimePtr(assignedAt)
	o.StartedAt = toTimePtr(startedAt)
	o.CompletedAt = toTimePtr(completedAt)
	o.CancelledAt = toTimePtr(cancelledAt)
	o.RefundedAt = toTimePtr(refundedAt)
	return &o, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, assigneeID *types.ID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1,
		    status_version = status_version + 1,
		    assignee_id = COALESCE($2, assignee_id),
		    assigned_at = CASE WHEN $1 = 'assigned' THEN NOW() ELSE assigned_at END,
		    started_at = CASE WHEN $1 = 'in_progress' THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN NOW() ELSE cancelled_at END,
		    refunded_at = CASE WHEN $1 = 'refunded' THEN NOW() ELSE refunded_at END
		WHERE id = $3 AND status = $4 AND status_version = $5`,
		string(to),
		toStringPtr(assigneeID),
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetFare(ctx context.Context, id types.ID, gross, fee, earnings types.Money) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		UPDATE orders
		SET gross = $2, platform_fee = $3, earnings = $4
		WHERE id = $1 AND gross IS NULL`,
		string(id), gross.Amount, fee.Amount, earnings.Amount,
	)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.Reason,
		e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) HasActiveByRequester(ctx context.Context, requesterID types.ID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE requester_id = $1
			  AND status IN ('requested','assigned','in_progress')
		)`, string(requesterID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, orderID types.ID) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_type, actor_id, reason, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(orderID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		if reason.Valid {
			r := reason.String
			e.Reason = &r
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toMoneyPtr(v sql.NullInt64) *types.Money {
	if !v.Valid {
		return nil
	}
	m := types.Cents(v.Int64)
	return &m
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
