/*

This file contains the types for leveraged positions which hold all the state
needed for assisting in rebalancing.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"

	"github.com/solauto-labs/rebalancer/internal/utils"
)

// LendingPlatform tags which venue a position borrows from. The set is closed
// and known at compile time.
type LendingPlatform uint8

const (
	PlatformMarginfi LendingPlatform = iota
	PlatformSolend
)

func (p LendingPlatform) String() string {
	switch p {
	case PlatformMarginfi:
		return "marginfi"
	case PlatformSolend:
		return "solend"
	default:
		return "unknown"
	}
}

// PositionSettings holds the user-configured boost/repay band in basis points.
// BoostFrom and RepayFrom are derived from the gap fields: the position boosts
// once utilization falls to BoostTo-BoostGap and repays once it climbs to
// RepayTo+RepayGap.
type PositionSettings struct {
	BoostToBps  uint64 `json:"boost_to_bps"`
	BoostGapBps uint64 `json:"boost_gap_bps"`
	RepayToBps  uint64 `json:"repay_to_bps"`
	RepayGapBps uint64 `json:"repay_gap_bps"`
}

// BoostFromBps is the utilization at or below which a boost triggers.
func (s PositionSettings) BoostFromBps() uint64 {
	if s.BoostGapBps > s.BoostToBps {
		return 0
	}
	return s.BoostToBps - s.BoostGapBps
}

// RepayFromBps is the utilization at or above which a repay triggers.
func (s PositionSettings) RepayFromBps() uint64 {
	return s.RepayToBps + s.RepayGapBps
}

// IsZero reports whether the band is entirely unconfigured.
func (s PositionSettings) IsZero() bool {
	return s.BoostToBps == 0 && s.BoostGapBps == 0 && s.RepayToBps == 0 && s.RepayGapBps == 0
}

// AutomationSettings is a period-based linear-ramp schedule shared by DCA and
// target-boost ramps.
type AutomationSettings struct {
	TargetPeriods   uint32 `json:"target_periods"`
	PeriodsPassed   uint32 `json:"periods_passed"`
	UnixStartDate   int64  `json:"unix_start_date"`
	IntervalSeconds int64  `json:"interval_seconds"`
}

// IsActive reports whether the schedule still has periods remaining.
func (a AutomationSettings) IsActive() bool {
	return a.TargetPeriods > 0 && a.PeriodsPassed < a.TargetPeriods
}

// EligibleToAdvance reports whether the next period boundary has been reached.
func (a AutomationSettings) EligibleToAdvance(unixNow int64) bool {
	if !a.IsActive() {
		return false
	}
	return unixNow >= a.UnixStartDate+int64(a.PeriodsPassed)*a.IntervalSeconds
}

// DCASettings describes an active dollar-cost-average schedule on a position.
type DCASettings struct {
	Automation        AutomationSettings `json:"automation"`
	DebtToAddBaseUnit sdkmath.Int        `json:"debt_to_add_base_unit"`
}

// PositionState is the live fixed-point ledger for one position.
type PositionState struct {
	LiqUtilizationRateBps uint64             `json:"liq_utilization_rate_bps"`
	NetWorthUsd           sdkmath.LegacyDec  `json:"net_worth_usd"`
	MaxLtv                sdkmath.LegacyDec  `json:"max_ltv"`
	LiqThreshold          sdkmath.LegacyDec  `json:"liq_threshold"`
	Supply                PositionTokenState `json:"supply"`
	Debt                  PositionTokenState `json:"debt"`
	LastRefreshed         int64              `json:"last_refreshed"`
}

// Refresh recomputes the derived liquidation-utilization rate and net worth
// from the current leg USD caches. Must be called after any leg mutation.
func (s *PositionState) Refresh() {
	supplyUsd := s.Supply.AmountUsed.UsdValue
	debtUsd := s.Debt.AmountUsed.UsdValue
	if supplyUsd.IsNil() {
		supplyUsd = sdkmath.LegacyZeroDec()
	}
	if debtUsd.IsNil() {
		debtUsd = sdkmath.LegacyZeroDec()
	}
	s.NetWorthUsd = supplyUsd.Sub(debtUsd)

	if s.LiqThreshold.IsNil() || !s.LiqThreshold.IsPositive() || !supplyUsd.IsPositive() {
		s.LiqUtilizationRateBps = 0
		return
	}
	s.LiqUtilizationRateBps = utils.ToBps(debtUsd.Quo(supplyUsd.Mul(s.LiqThreshold)))
}

// SolautoPosition is one leveraged account.
type SolautoPosition struct {
	ID              uint64           `json:"id"`
	Authority       solana.PublicKey `json:"authority"`
	SelfManaged     bool             `json:"self_managed"`
	Platform        LendingPlatform  `json:"platform"`
	ProtocolAccount solana.PublicKey `json:"protocol_account"`
	Settings        PositionSettings `json:"settings"`
	DCA             *DCASettings     `json:"dca,omitempty"`
	State           PositionState    `json:"state"`
	Rebalance       RebalanceData    `json:"rebalance"`
}

// CanClose reports whether the position may be destroyed. Closing requires
// both legs fully unwound.
func (p *SolautoPosition) CanClose() bool {
	return p.State.Supply.AmountUsed.BaseUnit.IsZero() && p.State.Debt.AmountUsed.BaseUnit.IsZero()
}
