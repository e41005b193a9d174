// README: Pure fare and fee computation. No I/O, no state.
package pricing

import (
	"errors"

	"dispatch/internal/types"
)

var ErrInvalidArgument = errors.New("invalid pricing input")

// RideFare computes the fare split for a completed ride.
// total = base + perMile*distance + perMinute*duration, computed in float
// and rounded half-up to cents only at the boundary. The platform keeps a
// flat fee up to the threshold, then 6% of the total.
func RideFare(distanceMiles, durationMinutes float64) (Quote, error) {
	if distanceMiles < 0 || durationMinutes < 0 {
		return Quote{}, ErrInvalidArgument
	}

	totalMajor := rideBaseFare + ridePerMile*distanceMiles + ridePerMinute*durationMinutes
	total := types.FromFloat(totalMajor)

	fee := types.FromFloat(platformFeeFlat)
	if totalMajor > platformFeeThreshold {
		if pct := types.FromFloat(totalMajor * platformFeeRate); pct.Amount > fee.Amount {
			fee = pct
		}
	}

	return Quote{
		Total:            total,
		PlatformFee:      fee,
		AssigneeEarnings: total.Sub(fee),
	}, nil
}

// DeliveryFee computes the fee split for a completed delivery. The total is
// a distance-tiered flat rate; the platform fee is flat.
func DeliveryFee(orderAmount types.Money, distanceMiles float64) (Quote, error) {
	if distanceMiles < 0 || orderAmount.IsNegative() {
		return Quote{}, ErrInvalidArgument
	}

	totalCents := int64(deliveryTierMaxCents)
	for _, tier := range deliveryTiers {
		if distanceMiles < tier.uptoMiles {
			totalCents = tier.totalCents
			break
		}
	}

	total := types.Cents(totalCents)
	fee := types.Cents(deliveryPlatformCents)

	return Quote{
		Total:            total,
		PlatformFee:      fee,
		AssigneeEarnings: total.Sub(fee),
	}, nil
}
