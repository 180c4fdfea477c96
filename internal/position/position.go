/*

This file contains settings validation and the derived boost/repay bounds for
a position. The configured band is always clamped against the ceilings the
lending venue imposes (max LTV and liquidation threshold), recomputed fresh on
every use since the venue refreshes those limits.

*/

package position

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"

	"github.com/solauto-labs/rebalancer/internal/types"
	"github.com/solauto-labs/rebalancer/internal/utils"
)

const (
	// Minimum width of a boost or repay band.
	MinGapBps = 50
	// Hard ceiling on where a repay may trigger.
	MaxRepayFromCeilingBps = 9_500
	// Safety margin subtracted from the venue max LTV before deriving bounds,
	// as slippage headroom against liquidation.
	ltvSafetyMargin = "0.03"
)

// MaxBoostToBps is the highest utilization a boost may target given the
// venue's max LTV and liquidation threshold.
func MaxBoostToBps(maxLtv, liqThreshold sdkmath.LegacyDec) uint64 {
	if maxLtv.IsNil() || liqThreshold.IsNil() || !liqThreshold.IsPositive() {
		return 0
	}
	margin := sdkmath.LegacyMustNewDecFromStr(ltvSafetyMargin)
	adjusted := maxLtv.Sub(margin)
	if !adjusted.IsPositive() {
		return 0
	}
	return utils.ToBps(adjusted.Quo(liqThreshold))
}

// MaxRepayFromBps is the highest utilization at which a repay may trigger.
func MaxRepayFromBps(maxLtv, liqThreshold sdkmath.LegacyDec) uint64 {
	bound := MaxBoostToBps(maxLtv, liqThreshold) + MinGapBps
	if bound > MaxRepayFromCeilingBps {
		return MaxRepayFromCeilingBps
	}
	return bound
}

// BoostToBps returns the effective boost target, clamped to the venue ceiling.
func BoostToBps(p *types.SolautoPosition) uint64 {
	bound := MaxBoostToBps(p.State.MaxLtv, p.State.LiqThreshold)
	if p.Settings.BoostToBps < bound {
		return p.Settings.BoostToBps
	}
	return bound
}

// RepayFromBps returns the effective repay trigger, clamped to the venue
// ceiling.
func RepayFromBps(p *types.SolautoPosition) uint64 {
	bound := MaxRepayFromBps(p.State.MaxLtv, p.State.LiqThreshold)
	configured := p.Settings.RepayFromBps()
	if configured < bound {
		return configured
	}
	return bound
}

// ValidateSettings enforces the boost/repay band rules before a settings
// update is applied. Either the whole band is unconfigured (all zero,
// self-managed positions) or every threshold is set.
func ValidateSettings(settings types.PositionSettings, maxLtv, liqThreshold sdkmath.LegacyDec) error {
	if settings.IsZero() {
		return nil
	}
	if settings.BoostToBps == 0 || settings.RepayToBps == 0 ||
		settings.BoostFromBps() == 0 || settings.RepayFromBps() == 0 {
		return fmt.Errorf("%w: thresholds must all be zero or all be set", types.ErrInvalidSettings)
	}
	if settings.BoostGapBps < MinGapBps {
		return fmt.Errorf("%w: boost gap %d below minimum %d bps", types.ErrInvalidSettings, settings.BoostGapBps, MinGapBps)
	}
	if settings.RepayGapBps < MinGapBps {
		return fmt.Errorf("%w: repay gap %d below minimum %d bps", types.ErrInvalidSettings, settings.RepayGapBps, MinGapBps)
	}
	if settings.BoostGapBps >= settings.BoostToBps {
		return fmt.Errorf("%w: boost gap must be narrower than the boost target", types.ErrInvalidSettings)
	}
	if settings.RepayFromBps() > MaxRepayFromCeilingBps {
		return fmt.Errorf("%w: repay trigger %d exceeds ceiling %d bps", types.ErrInvalidSettings, settings.RepayFromBps(), MaxRepayFromCeilingBps)
	}
	if maxBoost := MaxBoostToBps(maxLtv, liqThreshold); settings.RepayToBps > maxBoost {
		return fmt.Errorf("%w: repay target %d exceeds venue bound %d bps", types.ErrInvalidSettings, settings.RepayToBps, maxBoost)
	}
	return nil
}

// ApplySettings validates and installs a new boost/repay band. Only the
// position authority may change settings.
func ApplySettings(p *types.SolautoPosition, signer solana.PublicKey, settings types.PositionSettings) error {
	if !signer.Equals(p.Authority) {
		return fmt.Errorf("%w: %s is not the position authority", types.ErrUnauthorized, signer)
	}
	if err := ValidateSettings(settings, p.State.MaxLtv, p.State.LiqThreshold); err != nil {
		return err
	}
	p.Settings = settings
	return nil
}

// ApplyDCA validates and installs a new DCA schedule, or removes the active
// one when dca is nil. Only the position authority may change the schedule.
func ApplyDCA(p *types.SolautoPosition, signer solana.PublicKey, dca *types.DCASettings, unixNow int64) error {
	if !signer.Equals(p.Authority) {
		return fmt.Errorf("%w: %s is not the position authority", types.ErrUnauthorized, signer)
	}
	if dca == nil {
		p.DCA = nil
		return nil
	}
	if err := ValidateAutomation(dca.Automation, unixNow); err != nil {
		return err
	}
	if !dca.DebtToAddBaseUnit.IsNil() && dca.DebtToAddBaseUnit.IsNegative() {
		return fmt.Errorf("%w: debt to add cannot be negative", types.ErrInvalidAutomation)
	}
	p.DCA = dca
	return nil
}

// ValidateAutomation enforces the schedule rules before a DCA update is
// applied.
func ValidateAutomation(a types.AutomationSettings, unixNow int64) error {
	if a.TargetPeriods == 0 {
		return fmt.Errorf("%w: target periods must be positive", types.ErrInvalidAutomation)
	}
	if a.PeriodsPassed > a.TargetPeriods {
		return fmt.Errorf("%w: periods passed exceeds target", types.ErrInvalidAutomation)
	}
	if a.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval must be positive", types.ErrInvalidAutomation)
	}
	if a.UnixStartDate <= 0 {
		return fmt.Errorf("%w: start date must be set", types.ErrInvalidAutomation)
	}
	if a.PeriodsPassed == 0 && a.UnixStartDate < unixNow-a.IntervalSeconds {
		return fmt.Errorf("%w: start date too far in the past", types.ErrInvalidAutomation)
	}
	return nil
}

// UpdatedAmountFromAutomation moves the current value one period further along
// the linear ramp toward the target.
func UpdatedAmountFromAutomation(current, target sdkmath.LegacyDec, a types.AutomationSettings) sdkmath.LegacyDec {
	remaining := int64(a.TargetPeriods) - int64(a.PeriodsPassed)
	if remaining <= 0 {
		return target
	}
	step := target.Sub(current).QuoInt64(remaining)
	return current.Add(step)
}

// AdvanceDCA consumes the next period of an active DCA schedule and returns
// the debt-token amount to absorb in the accompanying rebalance. The schedule
// is removed from the position once its final period has run.
func AdvanceDCA(p *types.SolautoPosition, unixNow int64) (sdkmath.Int, error) {
	dca := p.DCA
	if dca == nil || !dca.Automation.EligibleToAdvance(unixNow) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: no period boundary reached", types.ErrInvalidAutomation)
	}

	remaining := int64(dca.Automation.TargetPeriods) - int64(dca.Automation.PeriodsPassed)
	contribution := sdkmath.ZeroInt()
	if !dca.DebtToAddBaseUnit.IsNil() && dca.DebtToAddBaseUnit.IsPositive() {
		contribution = dca.DebtToAddBaseUnit.Quo(sdkmath.NewInt(remaining))
		dca.DebtToAddBaseUnit = dca.DebtToAddBaseUnit.Sub(contribution)
	}
	dca.Automation.PeriodsPassed++

	if !dca.Automation.IsActive() {
		p.DCA = nil
	}
	return contribution, nil
}
