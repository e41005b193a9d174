// README: Payout sweep; reserve funds into clearing, push through the
// processor, reverse on failure. Scheduled by cron.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"dispatch/internal/logger"
	"dispatch/internal/metrics"
	"dispatch/internal/modules/ledger"
	"dispatch/internal/processor"
	"dispatch/internal/types"
)

var ErrBadSchedule = errors.New("invalid payout schedule")

// Storage persists payout batches. The postgres store implements it.
type Storage interface {
	CreateBatch(ctx context.Context, b *Batch) error
	UpdateBatchStatus(ctx context.Context, id string, status BatchStatus) error
	ListBatchesByDriver(ctx context.Context, driverID types.ID) ([]Batch, error)
}

// Wallets is the slice of the ledger service the sweep consumes.
type Wallets interface {
	ListPayable(ctx context.Context, kind ledger.AccountKind) ([]ledger.Account, error)
	Transfer(ctx context.Context, from, to types.ID, toKind ledger.AccountKind, amount types.Money, reason ledger.Reason, orderID *types.ID) (*ledger.Transaction, error)
}

type Service struct {
	store             Storage
	wallets           Wallets
	processor         processor.Processor
	clearingAccountID types.ID
	log               logger.ILogger
	now               func() time.Time
}

func NewService(store Storage, wallets Wallets, proc processor.Processor, clearingAccountID types.ID, log logger.ILogger) *Service {
	return &Service{
		store:             store,
		wallets:           wallets,
		processor:         proc,
		clearingAccountID: clearingAccountID,
		log:               log,
		now:               time.Now,
	}
}

// Sweep pays out every driver wallet with a positive balance. The balance is
// reserved into the clearing account before the processor call, so a crash
// mid-sweep can never double-pay: unconfirmed money sits in clearing, and a
// declined payout is reversed immediately. One driver's failure does not
// stop the rest of the sweep.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	accounts, err := s.wallets.ListPayable(ctx, ledger.KindDriver)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, acct := range accounts {
		if err := s.payOne(ctx, acct); err != nil {
			s.log.Error("payout failed",
				logger.String("driver_id", string(acct.ID)),
				logger.Int64("amount", acct.Balance.Amount),
				logger.Error(err))
			continue
		}
		sent++
	}

	s.log.Info("payout sweep finished",
		logger.Int("eligible", len(accounts)), logger.Int("sent", sent))
	return sent, nil
}

func (s *Service) payOne(ctx context.Context, acct ledger.Account) error {
	now := s.now().UTC()
	batch := &Batch{
		ID:           uuid.NewString(),
		DriverID:     acct.ID,
		Amount:       acct.Balance,
		Status:       BatchPending,
		ScheduledFor: now,
		CreatedAt:    now,
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return err
	}

	// Reserve: driver -> clearing.
	if _, err := s.wallets.Transfer(ctx, acct.ID, s.clearingAccountID, ledger.KindClearing, acct.Balance, ledger.ReasonPayout, nil); err != nil {
		_ = s.store.UpdateBatchStatus(ctx, batch.ID, BatchFailed)
		metrics.PayoutCount.WithLabelValues("failed").Inc()
		return err
	}

	if err := s.processor.Payout(ctx, string(acct.ID), acct.Balance); err != nil {
		// Return the reserved funds to the driver.
		if _, rerr := s.wallets.Transfer(ctx, s.clearingAccountID, acct.ID, ledger.KindDriver, acct.Balance, ledger.ReasonPayout, nil); rerr != nil {
			s.log.Error("payout reversal failed, funds stuck in clearing",
				logger.String("driver_id", string(acct.ID)),
				logger.String("batch_id", batch.ID),
				logger.Error(rerr))
		}
		_ = s.store.UpdateBatchStatus(ctx, batch.ID, BatchFailed)
		metrics.PayoutCount.WithLabelValues("failed").Inc()
		return err
	}

	if err := s.store.UpdateBatchStatus(ctx, batch.ID, BatchSent); err != nil {
		return err
	}
	metrics.PayoutCount.WithLabelValues("sent").Inc()
	return nil
}

// History returns the payout batches for one driver.
func (s *Service) History(ctx context.Context, driverID types.ID) ([]Batch, error) {
	return s.store.ListBatchesByDriver(ctx, driverID)
}

// Runner drives the sweep on a cron schedule.
type Runner struct {
	cron *cron.Cron
	log  logger.ILogger
}

// NewRunner schedules Sweep with the given cron expression, e.g. "0 3 * * 1"
// for 03:00 every Monday.
func NewRunner(svc *Service, schedule string, log logger.ILogger) (*Runner, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := svc.Sweep(ctx); err != nil {
			log.Error("scheduled payout sweep failed", logger.Error(err))
		}
	})
	if err != nil {
		return nil, errors.Join(ErrBadSchedule, err)
	}
	return &Runner{cron: c, log: log}, nil
}

func (r *Runner) Start() {
	r.cron.Start()
	r.log.Info("payout scheduler started")
}

// Stop waits for a running sweep to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}
