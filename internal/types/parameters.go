/*

This file contains the tunable engine parameters. They are persisted in the
database so a restart resumes with the same configuration, and validated with
zero tolerance before any cycle uses them.

*/

package types

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

var ErrInvalidParameters = errors.New("engine parameters contain invalid values")

// RebalanceParameters are the operator-tunable knobs of the keeper.
type RebalanceParameters struct {
	// ResultToleranceBps bounds the relative distance between the realized
	// and target position legs after a rebalance.
	ResultToleranceBps uint64

	// DefaultSlippageBps sizes the swap overshoot when a rebalance does not
	// specify its own.
	DefaultSlippageBps uint64

	// MaxSlippageBps caps caller-provided slippage.
	MaxSlippageBps uint64

	// MinPositionNetWorthUsd filters dust positions out of the cycle.
	MinPositionNetWorthUsd sdkmath.LegacyDec

	// CycleIntervalSeconds is the pause between keeper cycles.
	CycleIntervalSeconds int64

	// MaxPositionsPerCycle bounds work per cycle so one slow position cannot
	// starve the rest.
	MaxPositionsPerCycle int

	// PriceStalenessSeconds is the maximum oracle age accepted during a
	// refresh.
	PriceStalenessSeconds int64
}

// DefaultRebalanceParameters returns the shipping defaults.
func DefaultRebalanceParameters() RebalanceParameters {
	return RebalanceParameters{
		ResultToleranceBps:     300,
		DefaultSlippageBps:     300,
		MaxSlippageBps:         1_000,
		MinPositionNetWorthUsd: sdkmath.LegacyNewDec(10),
		CycleIntervalSeconds:   60,
		MaxPositionsPerCycle:   200,
		PriceStalenessSeconds:  120,
	}
}

// Validate rejects any parameter set a cycle must not run with.
func (p RebalanceParameters) Validate() error {
	if p.ResultToleranceBps == 0 || p.ResultToleranceBps > 2_000 {
		return fmt.Errorf("%w: result tolerance %d bps out of range (1, 2000]", ErrInvalidParameters, p.ResultToleranceBps)
	}
	if p.DefaultSlippageBps == 0 || p.DefaultSlippageBps > p.MaxSlippageBps {
		return fmt.Errorf("%w: default slippage %d bps exceeds max %d", ErrInvalidParameters, p.DefaultSlippageBps, p.MaxSlippageBps)
	}
	if p.MaxSlippageBps > 3_000 {
		return fmt.Errorf("%w: max slippage %d bps is unreasonable", ErrInvalidParameters, p.MaxSlippageBps)
	}
	if p.MinPositionNetWorthUsd.IsNil() || p.MinPositionNetWorthUsd.IsNegative() {
		return fmt.Errorf("%w: min position net worth must be non-negative", ErrInvalidParameters)
	}
	if p.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("%w: cycle interval must be positive", ErrInvalidParameters)
	}
	if p.MaxPositionsPerCycle <= 0 {
		return fmt.Errorf("%w: max positions per cycle must be positive", ErrInvalidParameters)
	}
	if p.PriceStalenessSeconds <= 0 {
		return fmt.Errorf("%w: price staleness must be positive", ErrInvalidParameters)
	}
	return nil
}
