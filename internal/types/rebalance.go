/*

This file contains the transient rebalance state machine embedded in a
position, plus the closed enums describing rebalance direction, phase and
multi-instruction pattern. The state machine is
Idle -> AwaitingSwap (instruction classification recorded)
     -> ReadyToFinish (computed targets recorded)
     -> Idle (reset on completion),
and each stage is write-once: illegal transitions are programming errors
surfaced as ErrInvalidRebalanceCondition.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

// RebalanceDirection describes which way leverage is moving.
type RebalanceDirection uint8

const (
	DirectionNone RebalanceDirection = iota // neutral rebalance, absorbs a pending balance change only
	DirectionBoost
	DirectionRepay
)

func (d RebalanceDirection) String() string {
	switch d {
	case DirectionBoost:
		return "boost"
	case DirectionRepay:
		return "repay"
	default:
		return "none"
	}
}

// RebalanceStep is the phase of the two-phase instruction flow.
type RebalanceStep uint8

const (
	StepPreSwap RebalanceStep = iota
	StepPostSwap
)

// RebalanceType is the closed set of recognized multi-instruction patterns.
type RebalanceType uint8

const (
	// RebalanceRegular: two rebalance instructions around a swap, no flash loan.
	RebalanceRegular RebalanceType = iota
	// RebalanceDoubleWithFL: the regular pattern bracketed by flash-loan
	// begin/end instructions (the Marginfi sandwich).
	RebalanceDoubleWithFL
	// RebalanceFLSwapThenRebalance: flash-loan funds are swapped before the
	// single rebalance instruction finishes deposit/repay.
	RebalanceFLSwapThenRebalance
	// RebalanceFLRebalanceThenSwap: a single rebalance instruction that also
	// finishes inline; the flash-loan proceeds are not swapped before
	// repayment. Detected from instruction arguments, not by scanning.
	RebalanceFLRebalanceThenSwap
)

// UsesFlashLoan reports whether the pattern brackets the rebalance with a
// flash loan that must be repaid before the transaction ends.
func (t RebalanceType) UsesFlashLoan() bool {
	return t != RebalanceRegular
}

// TokenBalanceChangeKind is the closed set of side-amount movements that can
// ride along with a rebalance.
type TokenBalanceChangeKind uint8

const (
	PreSwapDeposit TokenBalanceChangeKind = iota
	PostSwapDeposit
	PostRebalanceWithdrawSupply
	PostRebalanceWithdrawDebt
)

// TokenBalanceChange is an optional side amount (e.g. a DCA contribution)
// moved into or out of the swap path. Created per rebalance, never persisted
// past the two-phase window.
type TokenBalanceChange struct {
	Kind   TokenBalanceChangeKind `json:"kind"`
	Amount sdkmath.Int            `json:"amount"`
}

// RebalanceInstruction is the classification recorded at the start of a
// rebalance. Read-only thereafter.
type RebalanceInstruction struct {
	Type            RebalanceType `json:"type"`
	FlashLoanAmount sdkmath.Int   `json:"flash_loan_amount"`
	SwapInAmount    sdkmath.Int   `json:"swap_in_amount"`
}

// RebalanceValues are the computed targets recorded once eligibility passes.
// Read-only thereafter; the post-hoc validation measures against these.
type RebalanceValues struct {
	Direction                   RebalanceDirection `json:"direction"`
	TargetLiqUtilizationRateBps uint64             `json:"target_liq_utilization_rate_bps"`
	TargetSupplyUsd             sdkmath.LegacyDec  `json:"target_supply_usd"`
	TargetDebtUsd               sdkmath.LegacyDec  `json:"target_debt_usd"`
	DebtAdjustmentUsd           sdkmath.LegacyDec  `json:"debt_adjustment_usd"`
	AmountToSwapUsd             sdkmath.LegacyDec  `json:"amount_to_swap_usd"`
	TokenBalanceChange          *TokenBalanceChange `json:"token_balance_change,omitempty"`
}

// RebalancePhase is the explicit tag for the embedded state machine.
type RebalancePhase uint8

const (
	PhaseIdle RebalancePhase = iota
	PhaseAwaitingSwap
	PhaseReadyToFinish
)

func (p RebalancePhase) String() string {
	switch p {
	case PhaseAwaitingSwap:
		return "awaiting_swap"
	case PhaseReadyToFinish:
		return "ready_to_finish"
	default:
		return "idle"
	}
}

// RebalanceData is the transient state threaded between the two rebalance
// instructions of one atomic transaction.
type RebalanceData struct {
	Phase  RebalancePhase        `json:"phase"`
	Ixs    *RebalanceInstruction `json:"ixs,omitempty"`
	Values *RebalanceValues      `json:"values,omitempty"`
}

// SetInstruction records the classification. Legal only from Idle.
func (d *RebalanceData) SetInstruction(ix RebalanceInstruction) error {
	if d.Phase != PhaseIdle || d.Ixs != nil {
		return ErrInvalidRebalanceCondition
	}
	d.Ixs = &ix
	d.Phase = PhaseAwaitingSwap
	return nil
}

// SetValues records the computed targets. Legal only once, after the
// classification has been recorded.
func (d *RebalanceData) SetValues(values RebalanceValues) error {
	if d.Phase != PhaseAwaitingSwap || d.Ixs == nil || d.Values != nil {
		return ErrInvalidRebalanceCondition
	}
	v := values
	d.Values = &v
	d.Phase = PhaseReadyToFinish
	return nil
}

// Reset clears the machine back to Idle. Called when the second phase
// completes; RebalanceData must never persist across unrelated instructions.
func (d *RebalanceData) Reset() {
	*d = RebalanceData{Phase: PhaseIdle}
}

// Active reports whether a rebalance cycle is in flight.
func (d *RebalanceData) Active() bool {
	return d.Phase != PhaseIdle
}
