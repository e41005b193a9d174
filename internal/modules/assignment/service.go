// README: Assignment engine; nearest-first candidate walk with atomic claims.
package assignment

import (
	"context"
	"errors"
	"sort"

	"dispatch/internal/logger"
	"dispatch/internal/metrics"
	"dispatch/internal/modules/availability"
	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

var ErrNoAvailableAssignee = errors.New("no available assignee")

// Pool is the slice of the availability service the engine consumes.
type Pool interface {
	Nearby(ctx context.Context, origin types.Point, radiusKm float64) ([]availability.Candidate, error)
	Claim(ctx context.Context, id types.ID) error
	Release(ctx context.Context, id types.ID) error
}

// Orders is the slice of the order service the engine consumes.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Assign(ctx context.Context, cmd order.AssignCommand) error
}

type Service struct {
	pool     Pool
	orders   Orders
	radiusKm float64
	log      logger.ILogger
}

func NewService(pool Pool, orders Orders, radiusKm float64, log logger.ILogger) *Service {
	return &Service{pool: pool, orders: orders, radiusKm: radiusKm, log: log}
}

// FindAndAssign walks nearby candidates closest-first and assigns the order
// to the first driver it can claim. A claim that loses the order (another
// dispatcher won the CAS) is released before the error surfaces.
func (s *Service) FindAndAssign(ctx context.Context, orderID types.ID) (types.ID, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.Status != order.StatusRequested {
		return "", order.ErrInvalidState
	}

	candidates, err := s.pool.Nearby(ctx, o.Pickup, s.radiusKm)
	if err != nil {
		return "", err
	}
	rankCandidates(candidates)

	for _, c := range candidates {
		if err := s.pool.Claim(ctx, c.DriverID); err != nil {
			if errors.Is(err, availability.ErrNotAvailable) {
				continue
			}
			return "", err
		}

		err := s.orders.Assign(ctx, order.AssignCommand{OrderID: orderID, AssigneeID: c.DriverID})
		if err == nil {
			metrics.AssignmentCount.WithLabelValues("ok").Inc()
			s.log.Info("order assigned",
				logger.String("order_id", string(orderID)),
				logger.String("driver_id", string(c.DriverID)),
				logger.Float64("distance_km", c.DistanceKm))
			return c.DriverID, nil
		}

		s.releaseQuietly(ctx, c.DriverID)
		// Another writer moved the order; no candidate can take it now.
		metrics.AssignmentCount.WithLabelValues("lost_order").Inc()
		return "", err
	}

	metrics.AssignmentCount.WithLabelValues("no_candidates").Inc()
	return "", ErrNoAvailableAssignee
}

// rankCandidates keeps the closest-first ordering and breaks distance ties
// toward the driver who has waited longest since their last assignment,
// approximated by the oldest heartbeat.
func rankCandidates(cands []availability.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		const epsilonKm = 0.001
		di, dj := cands[i].DistanceKm, cands[j].DistanceKm
		if di+epsilonKm < dj {
			return true
		}
		if dj+epsilonKm < di {
			return false
		}
		return cands[i].LastSeen.Before(cands[j].LastSeen)
	})
}

func (s *Service) releaseQuietly(ctx context.Context, driverID types.ID) {
	if err := s.pool.Release(ctx, driverID); err != nil {
		s.log.Warning("failed to release claimed driver",
			logger.String("driver_id", string(driverID)), logger.Error(err))
	}
}
