// README: Order aggregate, status definitions and the transition table.
package order

import (
	"time"

	"dispatch/internal/types"
)

type Kind string

const (
	KindRide     Kind = "ride"
	KindDelivery Kind = "delivery"
)

type Status string

const (
	StatusNone          Status = "none"
	StatusRequested     Status = "requested"
	StatusAssigned      Status = "assigned"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusRefundPending Status = "refund_pending"
	StatusRefunded      Status = "refunded"
	StatusRefundDenied  Status = "refund_denied"
)

type Order struct {
	ID              types.ID
	Kind            Kind
	RequesterID     types.ID
	AssigneeID      *types.ID
	Status          Status
	StatusVersion   int
	Pickup          types.Point
	Dropoff         types.Point
	OrderAmount     types.Money // basket value, deliveries only
	PaymentMethodID string      // processor reference, charged when the wallet falls short
	DistanceMiles   float64
	DurationMinutes float64
	Gross           *types.Money
	PlatformFee     *types.Money
	Earnings        *types.Money
	CreatedAt       time.Time
	AssignedAt      *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	RefundedAt      *time.Time
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	Reason     *string
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow (diagram) as code.
// Cancellation is only reachable before the trip starts; completed orders
// leave only through the refund path.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:     {StatusAssigned, StatusCancelled},
	StatusAssigned:      {StatusInProgress, StatusCancelled},
	StatusInProgress:    {StatusCompleted},
	StatusCompleted:     {StatusRefundPending},
	StatusRefundPending: {StatusRefunded, StatusRefundDenied},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Settled reports whether the order carries a committed fare breakdown.
func (o *Order) Settled() bool {
	return o.Gross != nil && o.PlatformFee != nil && o.Earnings != nil
}
