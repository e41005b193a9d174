// README: Payout batch records.
package payout

import (
	"time"

	"dispatch/internal/types"
)

type BatchStatus string

const (
	BatchPending BatchStatus = "pending"
	BatchSent    BatchStatus = "sent"
	BatchFailed  BatchStatus = "failed"
)

// Batch is one driver payout attempt produced by a sweep.
type Batch struct {
	ID           string
	DriverID     types.ID
	Amount       types.Money
	Status       BatchStatus
	ScheduledFor time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
