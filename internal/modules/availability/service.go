// README: Driver availability service; heartbeats, the available/busy flip
// and proximity queries for the assignment engine.
package availability

import (
	"context"
	"errors"
	"time"

	"dispatch/internal/geo"
	"dispatch/internal/logger"
	"dispatch/internal/types"
)

var (
	ErrBadRequest   = errors.New("bad availability request")
	ErrNotAvailable = errors.New("driver not available")
)

// Heartbeats older than this drop the driver out of match results even if
// the pool still lists them.
const staleAfter = 2 * time.Minute

type Service struct {
	store *Store
	log   logger.ILogger
	now   func() time.Time
}

func NewService(store *Store, log logger.ILogger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// Heartbeat records the driver's position and keeps them visible to matching.
func (s *Service) Heartbeat(ctx context.Context, id types.ID, p types.Point) error {
	if id == "" || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrBadRequest
	}
	return s.store.UpsertLocation(ctx, id, p, s.now().UTC())
}

// SetAvailable flips the driver on or off shift. Going off shift removes
// them from the pool entirely.
func (s *Service) SetAvailable(ctx context.Context, id types.ID, available bool) error {
	if id == "" {
		return ErrBadRequest
	}
	if available {
		return s.store.SetAvailable(ctx, id)
	}
	return s.store.SetOffline(ctx, id)
}

// Claim reserves the driver for one order. ErrNotAvailable means another
// claim won or the driver left the pool.
func (s *Service) Claim(ctx context.Context, id types.ID) error {
	ok, err := s.store.Claim(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAvailable
	}
	return nil
}

// Release returns a claimed driver to the available pool. Releasing a driver
// who already left the pool is a no-op.
func (s *Service) Release(ctx context.Context, id types.ID) error {
	ok, err := s.store.Release(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warning("release of unclaimed driver",
			logger.String("driver_id", string(id)))
	}
	return nil
}

// Nearby returns available drivers within radiusKm, closest first, dropping
// anyone whose heartbeat has gone stale.
func (s *Service) Nearby(ctx context.Context, origin types.Point, radiusKm float64) ([]Candidate, error) {
	cands, err := s.store.Nearby(ctx, origin, radiusKm)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-staleAfter)
	out := cands[:0]
	for _, c := range cands {
		if !c.LastSeen.IsZero() && c.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, c)
	}
	geo.SortByDistance(out, func(c Candidate) float64 { return c.DistanceKm })
	return out, nil
}

// Get reads the driver's last reported state.
func (s *Service) Get(ctx context.Context, id types.ID) (*Record, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	return s.store.GetRecord(ctx, id)
}
