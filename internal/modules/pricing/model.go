// README: Fare/fee quote shape and rate constants.
package pricing

import "dispatch/internal/types"

// Quote is the settled money split for a completed order.
// Total == PlatformFee + AssigneeEarnings always holds; earnings are derived
// by subtraction in cents so rounding can never leak.
type Quote struct {
	Total            types.Money
	PlatformFee      types.Money
	AssigneeEarnings types.Money
}

// Ride fare rate card (major units).
const (
	rideBaseFare  = 2.50
	ridePerMile   = 1.75
	ridePerMinute = 0.35

	// Flat platform fee below the percentage threshold.
	platformFeeFlat      = 2.00
	platformFeeRate      = 0.06
	platformFeeThreshold = 50.00
)

// Delivery fee tiers by distance in miles (minor units).
var deliveryTiers = []struct {
	uptoMiles  float64
	totalCents int64
}{
	{2, 349},
	{5, 499},
	{10, 799},
}

const (
	deliveryTierMaxCents  = 999
	deliveryPlatformCents = 150
)
