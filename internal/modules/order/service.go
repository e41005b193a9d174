// README: Order service; state transitions with compare-and-swap persistence
// and settlement against the ledger at completion.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/geo"
	"dispatch/internal/logger"
	"dispatch/internal/metrics"
	"dispatch/internal/modules/ledger"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/notify"
	"dispatch/internal/types"
)

var (
	ErrInvalidState     = errors.New("invalid state transition")
	ErrNotFound         = errors.New("order not found")
	ErrConflict         = errors.New("order state conflict")
	ErrActiveOrder      = errors.New("requester has active order")
	ErrAlreadyAssigned  = errors.New("order already assigned")
	ErrBadRequest       = errors.New("bad request")
	ErrSettlementFailed = errors.New("settlement failed")
)

// Storage is the persistence surface the service needs. The postgres store
// implements it; tests swap in an in-memory one.
type Storage interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	// UpdateStatus applies from->to only when both the status and the version
	// still match; returns false when another writer won.
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, assigneeID *types.ID) (bool, error)
	// SetFare records the settled breakdown once; later calls are no-ops.
	SetFare(ctx context.Context, id types.ID, gross, fee, earnings types.Money) error
	AppendEvent(ctx context.Context, e *Event) error
	HasActiveByRequester(ctx context.Context, requesterID types.ID) (bool, error)
	ListEvents(ctx context.Context, orderID types.ID) ([]Event, error)
}

// Ledger is the slice of the ledger service used at completion and refund.
type Ledger interface {
	SettleOrder(ctx context.Context, orderID, requester, assignee types.ID, reason ledger.Reason, q pricing.Quote) ([]ledger.Transaction, error)
	RefundOrder(ctx context.Context, orderID, requester, assignee types.ID, gross, earnings types.Money) ([]ledger.Transaction, error)
	GetAccount(ctx context.Context, id types.ID) (*ledger.Account, error)
	CreditOnly(ctx context.Context, to types.ID, kind ledger.AccountKind, amount types.Money, reason ledger.Reason) (*ledger.Transaction, error)
}

// Charger bills a stored payment method through the external processor.
type Charger interface {
	ChargePaymentMethod(ctx context.Context, methodRef string, amount types.Money) error
}

// Releaser frees an assignee back into the available pool.
type Releaser interface {
	Release(ctx context.Context, assigneeID types.ID) error
}

type Service struct {
	store    Storage
	ledger   Ledger
	releaser Releaser
	notifier notify.Notifier
	charger  Charger
	log      logger.ILogger
}

func NewService(store Storage, lg Ledger, releaser Releaser, notifier notify.Notifier, charger Charger, log logger.ILogger) *Service {
	return &Service{store: store, ledger: lg, releaser: releaser, notifier: notifier, charger: charger, log: log}
}

type RequestCommand struct {
	RequesterID     types.ID
	Kind            Kind
	Pickup          types.Point
	Dropoff         types.Point
	OrderAmount     types.Money
	PaymentMethodID string
	DistanceMiles   float64
	DurationMinutes float64
}

type AssignCommand struct {
	OrderID    types.ID
	AssigneeID types.ID
}

type StartCommand struct {
	OrderID    types.ID
	AssigneeID types.ID
}

type CompleteCommand struct {
	OrderID types.ID
	// Actuals override the requested estimates when present.
	ActualDistanceMiles   *float64
	ActualDurationMinutes *float64
}

type CancelCommand struct {
	OrderID   types.ID
	ActorType string
	ActorID   *types.ID
	Reason    string
}

type RefundRequestCommand struct {
	OrderID types.ID
	ActorID types.ID
	Reason  string
}

type ResolveRefundCommand struct {
	OrderID types.ID
	ActorID types.ID
	Approve bool
}

// Request creates a new order in the requested state. A requester can hold at
// most one live order at a time.
func (s *Service) Request(ctx context.Context, cmd RequestCommand) (*Order, error) {
	if cmd.RequesterID == "" || (cmd.Kind != KindRide && cmd.Kind != KindDelivery) {
		return nil, ErrBadRequest
	}
	if cmd.DistanceMiles < 0 || cmd.DurationMinutes < 0 || cmd.OrderAmount.IsNegative() {
		return nil, ErrBadRequest
	}
	if cmd.DistanceMiles == 0 && cmd.Pickup != cmd.Dropoff {
		cmd.DistanceMiles = geo.DistanceMiles(cmd.Pickup, cmd.Dropoff)
	}

	active, err := s.store.HasActiveByRequester(ctx, cmd.RequesterID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveOrder
	}

	now := time.Now().UTC()
	o := &Order{
		ID:              types.ID(uuid.NewString()),
		Kind:            cmd.Kind,
		RequesterID:     cmd.RequesterID,
		Status:          StatusRequested,
		StatusVersion:   0,
		Pickup:          cmd.Pickup,
		Dropoff:         cmd.Dropoff,
		OrderAmount:     cmd.OrderAmount,
		PaymentMethodID: cmd.PaymentMethodID,
		DistanceMiles:   cmd.DistanceMiles,
		DurationMinutes: cmd.DurationMinutes,
		CreatedAt:       now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusRequested,
		ActorType:  "requester",
		ActorID:    &cmd.RequesterID,
		CreatedAt:  now,
	})
	return o, nil
}

// Assign claims the order for one assignee. Exactly one concurrent caller
// wins; the rest observe ErrConflict or ErrAlreadyAssigned.
func (s *Service) Assign(ctx context.Context, cmd AssignCommand) error {
	if cmd.AssigneeID == "" {
		return ErrBadRequest
	}
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if o.AssigneeID != nil {
		return ErrAlreadyAssigned
	}
	if !CanTransition(o.Status, StatusAssigned) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusAssigned, o.StatusVersion, &cmd.AssigneeID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   StatusAssigned,
		ActorType:  "system",
		CreatedAt:  time.Now().UTC(),
	})
	s.notifyUser(ctx, o.RequesterID, "Order assigned", "Your order has been assigned.")
	return nil
}

// Start moves the order into progress. Only the claimed assignee may start it.
func (s *Service) Start(ctx context.Context, cmd StartCommand) error {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if o.AssigneeID == nil || (cmd.AssigneeID != "" && cmd.AssigneeID != *o.AssigneeID) {
		return ErrBadRequest
	}
	if !CanTransition(o.Status, StatusInProgress) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusInProgress, o.StatusVersion, o.AssigneeID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   StatusInProgress,
		ActorType:  "assignee",
		ActorID:    o.AssigneeID,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// Complete settles the fare and finishes the order. Settlement runs before
// the status flip and is idempotent by order id, so a crash between the two
// writes heals on retry. A failed settlement leaves the order in progress.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Order, error) {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusCompleted) {
		return nil, ErrInvalidState
	}
	if o.AssigneeID == nil {
		return nil, ErrBadRequest
	}

	distance := o.DistanceMiles
	duration := o.DurationMinutes
	if cmd.ActualDistanceMiles != nil {
		distance = *cmd.ActualDistanceMiles
	}
	if cmd.ActualDurationMinutes != nil {
		duration = *cmd.ActualDurationMinutes
	}

	q, reason, err := quoteFor(o, distance, duration)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	_, err = s.ledger.SettleOrder(ctx, o.ID, o.RequesterID, *o.AssigneeID, reason, q)
	if errors.Is(err, ledger.ErrInsufficientFunds) && o.PaymentMethodID != "" && s.charger != nil {
		if err = s.topUp(ctx, o, q.Total); err == nil {
			_, err = s.ledger.SettleOrder(ctx, o.ID, o.RequesterID, *o.AssigneeID, reason, q)
		}
	}
	if err != nil {
		metrics.SettlementCount.WithLabelValues(string(o.Kind), "failed").Inc()
		s.log.Error("settlement failed",
			logger.String("order_id", string(o.ID)), logger.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	metrics.SettlementCount.WithLabelValues(string(o.Kind), "ok").Inc()

	if err := s.store.SetFare(ctx, o.ID, q.Total, q.PlatformFee, q.AssigneeEarnings); err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusCompleted, o.StatusVersion, o.AssigneeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   StatusCompleted,
		ActorType:  "assignee",
		ActorID:    o.AssigneeID,
		CreatedAt:  time.Now().UTC(),
	})
	s.release(ctx, *o.AssigneeID)
	s.notifyUser(ctx, o.RequesterID, "Order completed", "Your order is complete.")

	return s.store.Get(ctx, o.ID)
}

// Cancel aborts the order before it starts; later cancellation goes through
// the refund path instead.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusCancelled, o.StatusVersion, o.AssigneeID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	var reason *string
	if cmd.Reason != "" {
		reason = &cmd.Reason
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   StatusCancelled,
		ActorType:  cmd.ActorType,
		ActorID:    cmd.ActorID,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	})
	if o.AssigneeID != nil {
		s.release(ctx, *o.AssigneeID)
	}
	return nil
}

// RequestRefund opens a dispute on a completed order.
func (s *Service) RequestRefund(ctx context.Context, cmd RefundRequestCommand) error {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusRefundPending) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusRefundPending, o.StatusVersion, o.AssigneeID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	var reason *string
	if cmd.Reason != "" {
		reason = &cmd.Reason
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   StatusRefundPending,
		ActorType:  "requester",
		ActorID:    &cmd.ActorID,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// ResolveRefund approves or denies a pending refund. Approval reverses the
// settled legs in the ledger before the status flips, so a crash in between
// heals on retry the same way completion does.
func (s *Service) ResolveRefund(ctx context.Context, cmd ResolveRefundCommand) error {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	to := StatusRefundDenied
	if cmd.Approve {
		to = StatusRefunded
	}
	if !CanTransition(o.Status, to) {
		return ErrInvalidState
	}

	if cmd.Approve {
		if !o.Settled() || o.AssigneeID == nil {
			return ErrBadRequest
		}
		if _, err := s.ledger.RefundOrder(ctx, o.ID, o.RequesterID, *o.AssigneeID, *o.Gross, *o.Earnings); err != nil {
			s.log.Error("refund failed",
				logger.String("order_id", string(o.ID)), logger.Error(err))
			return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
	}

	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, to, o.StatusVersion, o.AssigneeID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   to,
		ActorType:  "admin",
		ActorID:    &cmd.ActorID,
		CreatedAt:  time.Now().UTC(),
	})
	if cmd.Approve {
		s.notifyUser(ctx, o.RequesterID, "Refund approved", "Your refund has been issued.")
	} else {
		s.notifyUser(ctx, o.RequesterID, "Refund denied", "Your refund request was denied.")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListEvents(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.ListEvents(ctx, id)
}

func quoteFor(o *Order, distanceMiles, durationMinutes float64) (pricing.Quote, ledger.Reason, error) {
	switch o.Kind {
	case KindDelivery:
		q, err := pricing.DeliveryFee(o.OrderAmount, distanceMiles)
		return q, ledger.ReasonDeliveryFee, err
	default:
		q, err := pricing.RideFare(distanceMiles, durationMinutes)
		return q, ledger.ReasonRideFare, err
	}
}

// topUp charges the stored payment method for the part of the fare the
// requester's wallet can't cover and credits the wallet with it.
func (s *Service) topUp(ctx context.Context, o *Order, total types.Money) error {
	var balance int64
	acct, err := s.ledger.GetAccount(ctx, o.RequesterID)
	switch {
	case err == nil:
		balance = acct.Balance.Amount
	case !errors.Is(err, ledger.ErrAccountNotFound):
		return err
	}

	shortfall := types.Cents(total.Amount - balance)
	if shortfall.Amount <= 0 {
		return nil
	}
	if err := s.charger.ChargePaymentMethod(ctx, o.PaymentMethodID, shortfall); err != nil {
		return err
	}
	if _, err := s.ledger.CreditOnly(ctx, o.RequesterID, ledger.KindRider, shortfall, ledger.ReasonCharge); err != nil {
		return err
	}
	s.log.Info("wallet topped up from payment method",
		logger.String("order_id", string(o.ID)),
		logger.Int64("amount", shortfall.Amount))
	return nil
}

func (s *Service) release(ctx context.Context, assigneeID types.ID) {
	if s.releaser == nil {
		return
	}
	if err := s.releaser.Release(ctx, assigneeID); err != nil {
		s.log.Warning("failed to release assignee",
			logger.String("assignee_id", string(assigneeID)), logger.Error(err))
	}
}

func (s *Service) notifyUser(ctx context.Context, userID types.ID, title, body string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, title, body)
}
