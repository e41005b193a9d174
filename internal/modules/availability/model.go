// README: Driver availability records and match candidates.
package availability

import (
	"time"

	"dispatch/internal/types"
)

// Record is the live state of one driver in the pool.
type Record struct {
	DriverID  types.ID
	Position  types.Point
	Available bool
	LastSeen  time.Time
}

// Candidate is a driver returned by a proximity query, closest first.
type Candidate struct {
	DriverID   types.ID
	DistanceKm float64
	LastSeen   time.Time
}
