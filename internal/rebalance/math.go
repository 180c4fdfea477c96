/*

This file contains the rebalance math: the eligibility gate, target-rate
selection and the fee-aware solve for the USD debt adjustment required to move
a position onto its target liquidation-utilization rate.

*/

package rebalance

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/solauto-labs/rebalancer/internal/fees"
	"github.com/solauto-labs/rebalancer/internal/position"
	"github.com/solauto-labs/rebalancer/internal/types"
	"github.com/solauto-labs/rebalancer/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrMathematicalError = errors.New("mathematical calculation error")
	ErrInvalidPosition   = errors.New("position state is invalid for rebalancing")
)

// DefaultSlippageBps is the swap headroom applied when the caller does not
// specify one. The overshoot is deliberate: the swap leg must never come up
// short of the amount the solve requires.
const DefaultSlippageBps = 300

// Args carries the caller-provided inputs of one rebalance.
type Args struct {
	// TargetLiqUtilizationRateBps, when set, overrides the settings-derived
	// target. Only legal when signed by the position authority; that check
	// happens at the instruction layer.
	TargetLiqUtilizationRateBps *uint64
	// BalanceChange is a pending side amount (e.g. a DCA contribution) to
	// absorb during the rebalance.
	BalanceChange *types.TokenBalanceChange
	// SlippageBps sizes the swap overshoot; zero means DefaultSlippageBps.
	SlippageBps uint64
}

// CalculateDebtAdjustmentUsd solves for the USD debt adjustment that lands
// the position on the target rate, accounting for the fee being skimmed from
// the swapped leg (which is why the fee term sits in the denominator).
// Positive means debt must increase (boost), negative means decrease (repay).
//
// The fee factor sits on the supply side of the solve: a boost deposits
// (1-f) of each borrowed dollar, a repay withdraws 1/(1-f) dollars of supply
// per dollar of debt retired, so the denominator is direction-dependent.
func CalculateDebtAdjustmentUsd(
	liqThreshold sdkmath.LegacyDec,
	totalSupplyUsd sdkmath.LegacyDec,
	totalDebtUsd sdkmath.LegacyDec,
	targetLiqUtilizationRateBps uint64,
	adjustmentFeeBps uint64,
) (sdkmath.LegacyDec, error) {
	if liqThreshold.IsNil() || !liqThreshold.IsPositive() {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: liquidation threshold must be positive", ErrInvalidPosition)
	}
	if targetLiqUtilizationRateBps > utils.MaxBps {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: target rate %d exceeds %d bps", ErrMathematicalError, targetLiqUtilizationRateBps, utils.MaxBps)
	}
	if adjustmentFeeBps >= utils.MaxBps {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: fee of %d bps consumes the whole adjustment", ErrMathematicalError, adjustmentFeeBps)
	}

	targetRate := utils.FromBps(targetLiqUtilizationRateBps)
	oneMinusFee := sdkmath.LegacyOneDec().Sub(utils.FromBps(adjustmentFeeBps))

	numerator := targetRate.Mul(totalSupplyUsd).Mul(liqThreshold).Sub(totalDebtUsd)

	var supplyFactor sdkmath.LegacyDec
	if numerator.IsNegative() {
		supplyFactor = sdkmath.LegacyOneDec().Quo(oneMinusFee)
	} else {
		supplyFactor = oneMinusFee
	}
	denominator := sdkmath.LegacyOneDec().Sub(targetRate.Mul(supplyFactor).Mul(liqThreshold))
	if !denominator.IsPositive() {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: degenerate denominator for target %d bps", ErrMathematicalError, targetLiqUtilizationRateBps)
	}
	return numerator.Quo(denominator), nil
}

// EligibleForRebalance is the single gate that must pass before any rebalance
// values are computed: the position's current rate has crossed into the boost
// band or the repay band.
func EligibleForRebalance(p *types.SolautoPosition) bool {
	if p.Settings.IsZero() {
		return false
	}
	current := p.State.LiqUtilizationRateBps
	return current <= p.Settings.BoostFromBps() || current >= position.RepayFromBps(p)
}

// GetTargetRateBps selects the target liquidation-utilization rate for this
// rebalance. An explicit caller target wins; otherwise the boundary that was
// crossed decides; a pending balance change with neither boundary crossed
// holds the current rate (a neutral rebalance absorbing the side amount).
func GetTargetRateBps(p *types.SolautoPosition, args Args) (uint64, error) {
	if args.TargetLiqUtilizationRateBps != nil {
		target := *args.TargetLiqUtilizationRateBps
		if target > utils.MaxBps {
			return 0, fmt.Errorf("%w: explicit target %d exceeds %d bps", types.ErrInvalidRebalanceCondition, target, utils.MaxBps)
		}
		return target, nil
	}

	current := p.State.LiqUtilizationRateBps
	switch {
	case !p.Settings.IsZero() && current <= p.Settings.BoostFromBps():
		return position.BoostToBps(p), nil
	case !p.Settings.IsZero() && current >= position.RepayFromBps(p):
		return p.Settings.RepayToBps, nil
	case args.BalanceChange != nil:
		return current, nil
	default:
		return 0, types.ErrInvalidRebalanceCondition
	}
}

// GetRebalanceValues computes the full target set for one rebalance: the
// direction, the fee-aware debt adjustment, the slippage-buffered swap amount
// and the end-state USD targets the post-hoc validation will measure against.
func GetRebalanceValues(p *types.SolautoPosition, args Args, feeModel fees.SolautoFeesBps) (types.RebalanceValues, error) {
	targetRateBps, err := GetTargetRateBps(p, args)
	if err != nil {
		return types.RebalanceValues{}, err
	}

	current := p.State.LiqUtilizationRateBps
	var direction types.RebalanceDirection
	switch {
	case targetRateBps > current:
		direction = types.DirectionBoost
	case targetRateBps < current:
		direction = types.DirectionRepay
	default:
		direction = types.DirectionNone
	}

	payout := feeModel.FetchFees(direction)
	supplyUsd := p.State.Supply.AmountUsed.UsdValue
	debtUsd := p.State.Debt.AmountUsed.UsdValue

	adjustment, err := CalculateDebtAdjustmentUsd(
		p.State.LiqThreshold, supplyUsd, debtUsd, targetRateBps, payout.TotalBps,
	)
	if err != nil {
		return types.RebalanceValues{}, err
	}

	feeRate := utils.FromBps(payout.TotalBps)
	oneMinusFee := sdkmath.LegacyOneDec().Sub(feeRate)
	if !oneMinusFee.IsPositive() {
		return types.RebalanceValues{}, fmt.Errorf("%w: fee rate consumes the whole adjustment", ErrMathematicalError)
	}

	// The swapped leg carries the fee: boosting deposits (1-f) of the borrowed
	// amount, repaying withdraws the adjustment scaled up by 1/(1-f).
	var supplyAdjustment sdkmath.LegacyDec
	switch direction {
	case types.DirectionBoost:
		supplyAdjustment = adjustment.Mul(oneMinusFee)
	case types.DirectionRepay:
		supplyAdjustment = adjustment.Quo(oneMinusFee)
	default:
		supplyAdjustment = sdkmath.LegacyZeroDec()
		adjustment = sdkmath.LegacyZeroDec()
	}

	slippageBps := args.SlippageBps
	if slippageBps == 0 {
		slippageBps = DefaultSlippageBps
	}
	slippageFactor := sdkmath.LegacyOneDec().Add(utils.FromBps(slippageBps))

	buffered := adjustment.Mul(slippageFactor)
	var amountToSwapUsd sdkmath.LegacyDec
	switch direction {
	case types.DirectionBoost:
		amountToSwapUsd = buffered.Abs()
	case types.DirectionRepay:
		amountToSwapUsd = supplyAdjustment.Mul(slippageFactor).Abs()
	default:
		amountToSwapUsd = sdkmath.LegacyZeroDec()
	}

	return types.RebalanceValues{
		Direction:                   direction,
		TargetLiqUtilizationRateBps: targetRateBps,
		TargetSupplyUsd:             supplyUsd.Add(supplyAdjustment),
		TargetDebtUsd:               debtUsd.Add(adjustment),
		DebtAdjustmentUsd:           buffered,
		AmountToSwapUsd:             amountToSwapUsd,
		TokenBalanceChange:          args.BalanceChange,
	}, nil
}
