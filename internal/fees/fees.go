/*

This file contains the protocol fee model. Fees are expressed in basis points
of the balance moving through a rebalance and split between the protocol
treasury and an optional referrer. The numbers here gate financial amounts, so
the rounding rules (floor for bps conversions, round-half-up for the
interpolated boost fee) must be reproduced exactly.

*/

package fees

import (
	"math"

	sdkmath "cosmossdk.io/math"

	"github.com/solauto-labs/rebalancer/internal/types"
)

const (
	// Flat fee when the position authority supplied an explicit target rate.
	selfDirectedFeeBps = 10
	// Flat fee for protocol-driven repays.
	repayFeeBps = 25

	// Boost fee interpolation bounds.
	maxFeeBps        = 50
	minFeeBps        = 25
	minNetWorthUsd   = 10_000
	maxNetWorthUsd   = 250_000
	interpolationExp = 1.5

	// Share of the (reduced) fee paid out to the referrer.
	referrerRate = 0.15
)

// FeePayout is the resolved fee split for one rebalance.
type FeePayout struct {
	SolautoBps  uint64
	ReferrerBps uint64
	TotalBps    uint64
}

// SolautoFeesBps computes the protocol/referrer fee split as a function of
// position size, direction and whether a target rate was explicitly requested.
type SolautoFeesBps struct {
	targetRateRequested bool
	referred            bool
	netWorthUsd         sdkmath.LegacyDec
}

// Fetch captures the fee inputs for one rebalance.
func Fetch(targetRateRequested, referred bool, positionNetWorthUsd sdkmath.LegacyDec) SolautoFeesBps {
	if positionNetWorthUsd.IsNil() {
		positionNetWorthUsd = sdkmath.LegacyZeroDec()
	}
	return SolautoFeesBps{
		targetRateRequested: targetRateRequested,
		referred:            referred,
		netWorthUsd:         positionNetWorthUsd,
	}
}

// FetchFees resolves the fee split for the given rebalance direction.
func (f SolautoFeesBps) FetchFees(direction types.RebalanceDirection) FeePayout {
	var feeBps uint64
	switch {
	case direction == types.DirectionNone:
		// Neutral rebalances only absorb a pending balance change; nothing is
		// borrowed or withdrawn to charge against.
		return FeePayout{}
	case f.targetRateRequested:
		feeBps = selfDirectedFeeBps
	case direction == types.DirectionRepay:
		feeBps = repayFeeBps
	default:
		feeBps = f.boostFeeBps()
	}

	if !f.referred {
		return FeePayout{SolautoBps: feeBps, TotalBps: feeBps}
	}

	// Referral always nets the user a discount: the fee is reduced by the
	// referrer rate, and the referrer's share comes out of the reduced fee.
	total := uint64(math.Floor(float64(feeBps) * (1 - referrerRate)))
	referrer := uint64(math.Floor(float64(total) * referrerRate))
	return FeePayout{
		SolautoBps:  total - referrer,
		ReferrerBps: referrer,
		TotalBps:    total,
	}
}

// boostFeeBps interpolates between maxFeeBps at <=10k USD net worth and
// minFeeBps at >=250k, decaying along t^1.5 of the log-scaled net worth.
func (f SolautoFeesBps) boostFeeBps() uint64 {
	netWorth, err := f.netWorthUsd.Float64()
	if err != nil || netWorth <= minNetWorthUsd {
		return maxFeeBps
	}
	if netWorth >= maxNetWorthUsd {
		return minFeeBps
	}

	t := math.Log(netWorth/minNetWorthUsd) / math.Log(maxNetWorthUsd/minNetWorthUsd)
	fee := minFeeBps + (maxFeeBps-minFeeBps)*(1-math.Pow(t, interpolationExp))
	return uint64(math.Floor(fee + 0.5))
}
