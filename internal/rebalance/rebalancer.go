/*

This file contains the rebalancer, the component that turns computed rebalance
values into the ordered list of ledger actions for one position. The sandwich
patterns run as two phases: the first classifies the pattern, records the
targets and pulls liquidity for the swap; the second pays fees, applies the
swap output to the position, repays any flash loan, and validates the final
state against the recorded targets before resetting the transient rebalance
data. The single-instruction flash-loan patterns collapse both phases into one
call. Every ledger mutation goes through the venue client executing the
resulting actions.

*/

package rebalance

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/solauto-labs/rebalancer/internal/fees"
	"github.com/solauto-labs/rebalancer/internal/logger"
	"github.com/solauto-labs/rebalancer/internal/types"
	"github.com/solauto-labs/rebalancer/internal/utils"
)

// DefaultResultToleranceBps bounds how far the realized position may land
// from the computed targets before the whole rebalance is rejected. Sized to
// cover swap slippage plus price drift within one transaction.
const DefaultResultToleranceBps = 300

// VenueClient is the slice of the lending client the rebalancer needs. The
// venue owns every ledger mutation; the rebalancer only decides which
// operations happen in which order.
type VenueClient interface {
	Deposit(p *types.SolautoPosition, amount sdkmath.Int) error
	Borrow(p *types.SolautoPosition, amount sdkmath.Int) error
	Withdraw(p *types.SolautoPosition, amount sdkmath.Int) error
	Repay(p *types.SolautoPosition, amount sdkmath.Int) error
}

// FeeRecipients holds the wallets fees are paid out to. Referrer is the zero
// key when the position was not referred.
type FeeRecipients struct {
	SolautoFeesWallet solana.PublicKey
	Referrer          solana.PublicKey
}

// Config holds the inputs for binding a rebalancer to one position.
type Config struct {
	Position   *types.SolautoPosition
	FeeModel   fees.SolautoFeesBps
	Recipients FeeRecipients
	// Venue executes the ledger side of every emitted action.
	Venue VenueClient
	// FlashLoanSandwich reports whether the venue can bracket the paired
	// rebalance instructions inside its own flash loan. Venues without it
	// fall back to the single-instruction flash-loan patterns, funded by an
	// external loan.
	FlashLoanSandwich bool
	// ResultToleranceBps of zero selects DefaultResultToleranceBps.
	ResultToleranceBps uint64
}

// Rebalancer compiles the action sequence for one position's rebalance.
type Rebalancer struct {
	position           *types.SolautoPosition
	feeModel           fees.SolautoFeesBps
	recipients         FeeRecipients
	venue              VenueClient
	flashLoanSandwich  bool
	resultToleranceBps uint64
	log                zerolog.Logger
}

// NewRebalancer binds a rebalancer to a position.
func NewRebalancer(cfg Config) (*Rebalancer, error) {
	if cfg.Position == nil {
		return nil, fmt.Errorf("position cannot be nil")
	}
	if cfg.Venue == nil {
		return nil, fmt.Errorf("venue client cannot be nil")
	}
	tolerance := cfg.ResultToleranceBps
	if tolerance == 0 {
		tolerance = DefaultResultToleranceBps
	}
	return &Rebalancer{
		position:           cfg.Position,
		feeModel:           cfg.FeeModel,
		recipients:         cfg.Recipients,
		venue:              cfg.Venue,
		flashLoanSandwich:  cfg.FlashLoanSandwich,
		resultToleranceBps: tolerance,
		log:                logger.GetForComponent("rebalancer"),
	}, nil
}

// PlanInstruction classifies the rebalance without mutating the position, so
// the caller can route to the entry path matching the pattern before
// committing anything.
func (r *Rebalancer) PlanInstruction(args Args) (types.RebalanceValues, types.RebalanceInstruction, error) {
	values, instruction, _, err := r.plan(args)
	return values, instruction, err
}

// PreSwapRebalance runs the first phase of a sandwich pattern: validates the
// position, computes the rebalance values, classifies the instruction
// pattern, records both on the position, and emits the actions that fund the
// upcoming swap. Single-instruction patterns are rejected here; they finish
// through SwapThenRebalance or RebalanceThenSwap instead.
func (r *Rebalancer) PreSwapRebalance(args Args) ([]types.Action, error) {
	p := r.position

	values, instruction, sourceLeg, err := r.plan(args)
	if err != nil {
		return nil, err
	}
	switch instruction.Type {
	case types.RebalanceFLSwapThenRebalance, types.RebalanceFLRebalanceThenSwap:
		return nil, fmt.Errorf("%w: position %d classifies as a single-instruction pattern", types.ErrInvalidRebalanceCondition, p.ID)
	}

	if err := p.Rebalance.SetInstruction(instruction); err != nil {
		return nil, err
	}
	if err := p.Rebalance.SetValues(values); err != nil {
		return nil, err
	}

	r.log.Info().
		Uint64("positionID", p.ID).
		Str("direction", values.Direction.String()).
		Uint64("targetRateBps", values.TargetLiqUtilizationRateBps).
		Str("swapInAmount", instruction.SwapInAmount.String()).
		Bool("flashLoan", instruction.Type.UsesFlashLoan()).
		Msg("Rebalance classified")

	// ===== EMIT FUNDING ACTIONS =====
	return r.fundingActions(values, instruction, sourceLeg, args.BalanceChange)
}

// PostSwapRebalance runs the second phase against the swap output now sitting
// in the intermediary account. Every failure leaves the rebalance data intact
// so the whole transaction reverts with it.
func (r *Rebalancer) PostSwapRebalance(availableBalance types.TokenAmount) ([]types.Action, error) {
	p := r.position

	if p.Rebalance.Phase != types.PhaseReadyToFinish || p.Rebalance.Values == nil || p.Rebalance.Ixs == nil {
		return nil, fmt.Errorf("%w: no rebalance in flight for position %d", types.ErrInvalidRebalanceCondition, p.ID)
	}
	if availableBalance.BaseUnit.IsNil() || availableBalance.BaseUnit.IsNegative() {
		return nil, fmt.Errorf("%w: available balance is invalid", types.ErrInvalidRebalanceCondition)
	}

	actions, err := r.finishRebalance(availableBalance)
	if err != nil {
		r.log.Error().Err(err).Uint64("positionID", p.ID).Msg("Rebalance finish failed")
		return nil, err
	}

	p.Rebalance.Reset()
	r.log.Info().
		Uint64("positionID", p.ID).
		Uint64("liqUtilizationRateBps", p.State.LiqUtilizationRateBps).
		Int("actions", len(actions)).
		Msg("Rebalance complete")
	return actions, nil
}

// SwapThenRebalance runs the single-instruction pattern where the flash loan
// fronted the swap input and the swap already executed: the one rebalance
// instruction absorbs the output, repays the loan from the position and
// validates, all in one call.
func (r *Rebalancer) SwapThenRebalance(args Args, availableBalance types.TokenAmount) ([]types.Action, error) {
	p := r.position

	values, instruction, _, err := r.plan(args)
	if err != nil {
		return nil, err
	}
	if instruction.Type != types.RebalanceFLSwapThenRebalance {
		return nil, fmt.Errorf("%w: position %d does not classify as swap-then-rebalance", types.ErrInvalidRebalanceCondition, p.ID)
	}
	if availableBalance.BaseUnit.IsNil() || availableBalance.BaseUnit.IsNegative() {
		return nil, fmt.Errorf("%w: available balance is invalid", types.ErrInvalidRebalanceCondition)
	}

	if err := p.Rebalance.SetInstruction(instruction); err != nil {
		return nil, err
	}
	if err := p.Rebalance.SetValues(values); err != nil {
		return nil, err
	}

	actions, err := r.finishRebalance(availableBalance)
	if err != nil {
		r.log.Error().Err(err).Uint64("positionID", p.ID).Msg("Swap-then-rebalance failed")
		return nil, err
	}

	p.Rebalance.Reset()
	r.log.Info().
		Uint64("positionID", p.ID).
		Uint64("liqUtilizationRateBps", p.State.LiqUtilizationRateBps).
		Msg("Swap-then-rebalance complete")
	return actions, nil
}

// RebalanceThenSwap runs the single-instruction pattern where the flash loan
// lands in the position before any swap: the loan is denominated in the
// swap-destination token and applied directly, then the swap input is pulled
// from the position so its output can settle the loan outside the ledger.
func (r *Rebalancer) RebalanceThenSwap(args Args) ([]types.Action, error) {
	p := r.position

	values, instruction, sourceLeg, err := r.plan(args)
	if err != nil {
		return nil, err
	}
	if instruction.Type != types.RebalanceFLRebalanceThenSwap {
		return nil, fmt.Errorf("%w: position %d does not classify as rebalance-then-swap", types.ErrInvalidRebalanceCondition, p.ID)
	}
	destLeg, err := r.swapDestinationLeg(values.Direction)
	if err != nil {
		return nil, err
	}

	// The loan principal is exactly the destination-side movement the targets
	// require; the buffered swap input covers principal, provider fee and
	// slippage on the way back.
	var destDeltaUsd sdkmath.LegacyDec
	switch values.Direction {
	case types.DirectionBoost:
		destDeltaUsd = values.TargetSupplyUsd.Sub(p.State.Supply.AmountUsed.UsdValue)
	case types.DirectionRepay:
		destDeltaUsd = p.State.Debt.AmountUsed.UsdValue.Sub(values.TargetDebtUsd)
	default:
		return nil, fmt.Errorf("%w: flash loan with neutral direction", types.ErrInvalidRebalanceCondition)
	}
	loanAmount, err := utils.UsdToBaseUnit(destDeltaUsd, destLeg.Decimals, destLeg.MarketPrice)
	if err != nil {
		return nil, err
	}
	if !loanAmount.IsPositive() {
		return nil, fmt.Errorf("%w: loan principal must be positive", types.ErrInvalidRebalanceCondition)
	}
	instruction.FlashLoanAmount = loanAmount

	if err := p.Rebalance.SetInstruction(instruction); err != nil {
		return nil, err
	}
	if err := p.Rebalance.SetValues(values); err != nil {
		return nil, err
	}

	var actions []types.Action

	// ===== APPLY LOAN PROCEEDS =====
	switch values.Direction {
	case types.DirectionBoost:
		if err := r.venue.Deposit(p, loanAmount); err != nil {
			return nil, err
		}
		actions = append(actions, types.Action{
			Type:   types.ActionDeposit,
			Amount: loanAmount,
			Mint:   destLeg.Mint,
			To:     p.ProtocolAccount,
		})
	case types.DirectionRepay:
		repayAll := values.TargetLiqUtilizationRateBps == 0
		repayAmount := sdkmath.MinInt(p.State.Debt.AmountUsed.BaseUnit, loanAmount)
		if err := r.venue.Repay(p, repayAmount); err != nil {
			return nil, err
		}
		actions = append(actions, types.Action{
			Type:   types.ActionRepay,
			Amount: repayAmount,
			Mint:   destLeg.Mint,
			To:     p.ProtocolAccount,
			All:    repayAll,
		})
	}

	// ===== PULL THE SWAP INPUT =====
	switch values.Direction {
	case types.DirectionBoost:
		if err := r.venue.Borrow(p, instruction.SwapInAmount); err != nil {
			return nil, err
		}
		actions = append(actions, types.Action{
			Type:   types.ActionBorrow,
			Amount: instruction.SwapInAmount,
			Mint:   sourceLeg.Mint,
		})
	case types.DirectionRepay:
		if err := r.venue.Withdraw(p, instruction.SwapInAmount); err != nil {
			return nil, err
		}
		actions = append(actions, types.Action{
			Type:   types.ActionWithdraw,
			Amount: instruction.SwapInAmount,
			Mint:   sourceLeg.Mint,
		})
	}

	// ===== FEE PAYOUT =====
	feeActions, _, err := r.payoutFees(instruction.SwapInAmount, sourceLeg.Mint, values.Direction)
	if err != nil {
		return nil, err
	}
	actions = append(actions, feeActions...)

	// ===== RESULT VALIDATION =====
	p.State.Refresh()
	if err := r.validateRebalanceResult(values); err != nil {
		r.log.Error().Err(err).Uint64("positionID", p.ID).Msg("Rebalance-then-swap failed")
		return nil, err
	}

	p.Rebalance.Reset()
	r.log.Info().
		Uint64("positionID", p.ID).
		Uint64("liqUtilizationRateBps", p.State.LiqUtilizationRateBps).
		Msg("Rebalance-then-swap complete")
	return actions, nil
}

// plan validates the position, computes the rebalance values and classifies
// the instruction pattern, without mutating the position.
func (r *Rebalancer) plan(args Args) (types.RebalanceValues, types.RebalanceInstruction, *types.PositionTokenState, error) {
	p := r.position

	// ===== POSITION VALIDATION =====
	if err := r.validatePositionState(); err != nil {
		r.log.Error().Err(err).Uint64("positionID", p.ID).Msg("Position state validation failed")
		return types.RebalanceValues{}, types.RebalanceInstruction{}, nil, err
	}
	if args.TargetLiqUtilizationRateBps == nil && args.BalanceChange == nil && !EligibleForRebalance(p) {
		return types.RebalanceValues{}, types.RebalanceInstruction{}, nil,
			fmt.Errorf("%w: position %d is within its configured bounds", types.ErrInvalidRebalanceCondition, p.ID)
	}

	// ===== COMPUTE REBALANCE VALUES =====
	values, err := GetRebalanceValues(p, args, r.feeModel)
	if err != nil {
		r.log.Error().Err(err).Uint64("positionID", p.ID).Msg("Failed to compute rebalance values")
		return types.RebalanceValues{}, types.RebalanceInstruction{}, nil, err
	}

	sourceLeg, err := r.swapSourceLeg(values.Direction)
	if err != nil {
		return types.RebalanceValues{}, types.RebalanceInstruction{}, nil, err
	}
	swapInAmount := sdkmath.ZeroInt()
	if values.Direction != types.DirectionNone {
		swapInAmount, err = utils.UsdToBaseUnit(values.AmountToSwapUsd, sourceLeg.Decimals, sourceLeg.MarketPrice)
		if err != nil {
			return types.RebalanceValues{}, types.RebalanceInstruction{}, nil, err
		}
	}

	// ===== CLASSIFY THE PATTERN =====
	instruction := r.classifyInstruction(values, sourceLeg, swapInAmount, args.BalanceChange)
	return values, instruction, sourceLeg, nil
}

// finishRebalance pays fees, applies the remaining swap output to the
// position, repays the flash loan when one is open, and validates the result
// before any side balance changes land.
func (r *Rebalancer) finishRebalance(availableBalance types.TokenAmount) ([]types.Action, error) {
	p := r.position
	values := *p.Rebalance.Values
	instruction := *p.Rebalance.Ixs

	destLeg, err := r.swapDestinationLeg(values.Direction)
	if err != nil {
		return nil, err
	}

	var actions []types.Action

	// ===== FEE PAYOUT =====
	feeActions, remaining, err := r.payoutFees(availableBalance.BaseUnit, destLeg.Mint, values.Direction)
	if err != nil {
		return nil, err
	}
	actions = append(actions, feeActions...)

	// ===== APPLY SWAP OUTPUT =====
	applyActions, err := r.putLiquidityInPosition(values, destLeg, remaining)
	if err != nil {
		return nil, err
	}
	actions = append(actions, applyActions...)

	// ===== FLASH LOAN REPAYMENT =====
	if instruction.Type.UsesFlashLoan() {
		flActions, err := r.repayFlashLoan(values.Direction, instruction)
		if err != nil {
			return nil, err
		}
		actions = append(actions, flActions...)
	}

	// ===== RESULT VALIDATION =====
	p.State.Refresh()
	if err := r.validateRebalanceResult(values); err != nil {
		return nil, err
	}

	// ===== SIDE BALANCE CHANGES =====
	// Applied last: side amounts are authority-directed movements the target
	// validation must not see.
	sideActions, err := r.applyPostRebalanceChange(values.TokenBalanceChange)
	if err != nil {
		return nil, err
	}
	actions = append(actions, sideActions...)

	return actions, nil
}

// payoutFees splits the protocol fee off the swap output. A fee destination
// whose associated token account cannot be derived fails the rebalance; fees
// are never silently skipped.
func (r *Rebalancer) payoutFees(available sdkmath.Int, mint solana.PublicKey, direction types.RebalanceDirection) ([]types.Action, sdkmath.Int, error) {
	payout := r.feeModel.FetchFees(direction)
	if payout.TotalBps == 0 {
		return nil, available, nil
	}

	var actions []types.Action
	remaining := available

	solautoAmount, err := utils.ApplyBps(available, payout.SolautoBps)
	if err != nil {
		return nil, sdkmath.Int{}, err
	}
	if solautoAmount.IsPositive() {
		destination, err := tokenAccountFor(r.recipients.SolautoFeesWallet, mint)
		if err != nil {
			return nil, sdkmath.Int{}, err
		}
		actions = append(actions, types.Action{
			Type:   types.ActionTransfer,
			Amount: solautoAmount,
			Mint:   mint,
			To:     destination,
		})
		remaining = remaining.Sub(solautoAmount)
	}

	if payout.ReferrerBps > 0 {
		referrerAmount, err := utils.ApplyBps(available, payout.ReferrerBps)
		if err != nil {
			return nil, sdkmath.Int{}, err
		}
		if referrerAmount.IsPositive() {
			destination, err := tokenAccountFor(r.recipients.Referrer, mint)
			if err != nil {
				return nil, sdkmath.Int{}, err
			}
			actions = append(actions, types.Action{
				Type:   types.ActionTransfer,
				Amount: referrerAmount,
				Mint:   mint,
				To:     destination,
			})
			remaining = remaining.Sub(referrerAmount)
		}
	}

	if remaining.IsNegative() {
		return nil, sdkmath.Int{}, fmt.Errorf("%w: fee payout exceeds available balance", ErrMathematicalError)
	}
	return actions, remaining, nil
}

// putLiquidityInPosition applies the post-fee swap output: boosting deposits
// it as supply, repaying pays down debt. A repay targeting rate zero retires
// the debt in full and returns any surplus to the authority. Self-managed
// positions route the balance through the authority's token account first,
// since they hold no program-owned intermediary.
func (r *Rebalancer) putLiquidityInPosition(values types.RebalanceValues, destLeg *types.PositionTokenState, remaining sdkmath.Int) ([]types.Action, error) {
	p := r.position
	var actions []types.Action

	if p.SelfManaged && remaining.IsPositive() {
		destination, err := tokenAccountFor(p.Authority, destLeg.Mint)
		if err != nil {
			return nil, err
		}
		actions = append(actions, types.Action{
			Type:   types.ActionTransfer,
			Amount: remaining,
			Mint:   destLeg.Mint,
			To:     destination,
		})
	}

	switch values.Direction {
	case types.DirectionBoost:
		if remaining.IsPositive() {
			if err := r.venue.Deposit(p, remaining); err != nil {
				return nil, err
			}
			actions = append(actions, types.Action{
				Type:   types.ActionDeposit,
				Amount: remaining,
				Mint:   destLeg.Mint,
				To:     p.ProtocolAccount,
			})
		}

	case types.DirectionRepay:
		repayAll := values.TargetLiqUtilizationRateBps == 0
		debtOutstanding := p.State.Debt.AmountUsed.BaseUnit
		repayAmount := sdkmath.MinInt(debtOutstanding, remaining)
		if repayAmount.IsPositive() {
			if err := r.venue.Repay(p, repayAmount); err != nil {
				return nil, err
			}
		}
		actions = append(actions, types.Action{
			Type:   types.ActionRepay,
			Amount: repayAmount,
			Mint:   destLeg.Mint,
			To:     p.ProtocolAccount,
			All:    repayAll,
		})
		if surplus := remaining.Sub(repayAmount); repayAll && surplus.IsPositive() {
			actions = append(actions, types.Action{
				Type:   types.ActionTransfer,
				Amount: surplus,
				Mint:   destLeg.Mint,
				To:     p.Authority,
			})
		}

	default:
		// Neutral rebalance: a pending deposit lands in the position, anything
		// else stays with the authority.
		if values.TokenBalanceChange != nil && values.TokenBalanceChange.Kind == types.PreSwapDeposit {
			if err := r.venue.Deposit(p, remaining); err != nil {
				return nil, err
			}
			actions = append(actions, types.Action{
				Type:   types.ActionDeposit,
				Amount: remaining,
				Mint:   destLeg.Mint,
				To:     p.ProtocolAccount,
			})
		} else if remaining.IsPositive() && !p.SelfManaged {
			actions = append(actions, types.Action{
				Type:   types.ActionTransfer,
				Amount: remaining,
				Mint:   destLeg.Mint,
				To:     p.Authority,
			})
		}
	}
	return actions, nil
}

// repayFlashLoan pulls principal plus provider fee from the leg the loan was
// denominated in. The provider fee rounds up; underpaying a flash loan fails
// the whole transaction downstream.
func (r *Rebalancer) repayFlashLoan(direction types.RebalanceDirection, instruction types.RebalanceInstruction) ([]types.Action, error) {
	p := r.position

	principal := instruction.FlashLoanAmount
	if principal.IsNil() || principal.IsZero() {
		principal = instruction.SwapInAmount
	}
	if principal.IsNil() || !principal.IsPositive() {
		return nil, fmt.Errorf("%w: flash loan pattern without a loan amount", types.ErrInvalidRebalanceCondition)
	}

	sourceLeg, err := r.swapSourceLeg(direction)
	if err != nil {
		return nil, err
	}
	providerFee, err := utils.ApplyBpsCeil(principal, sourceLeg.FlashLoanFeeBps)
	if err != nil {
		return nil, err
	}
	owed := principal.Add(providerFee)

	var action types.Action
	switch direction {
	case types.DirectionBoost:
		// The loan fronted the debt token; borrow it back to settle.
		if err := r.venue.Borrow(p, owed); err != nil {
			return nil, err
		}
		action = types.Action{Type: types.ActionBorrow, Amount: owed, Mint: sourceLeg.Mint}
	case types.DirectionRepay:
		if err := r.venue.Withdraw(p, owed); err != nil {
			return nil, err
		}
		action = types.Action{Type: types.ActionWithdraw, Amount: owed, Mint: sourceLeg.Mint}
	default:
		return nil, fmt.Errorf("%w: flash loan with neutral direction", types.ErrInvalidRebalanceCondition)
	}
	return []types.Action{action}, nil
}

// applyPostRebalanceChange handles side movements requested alongside the
// rebalance: post-swap deposits land as supply, withdrawal kinds release the
// requested leg to the authority. Pre-swap deposits were absorbed during the
// swap phase.
func (r *Rebalancer) applyPostRebalanceChange(change *types.TokenBalanceChange) ([]types.Action, error) {
	if change == nil {
		return nil, nil
	}
	p := r.position

	switch change.Kind {
	case types.PostSwapDeposit:
		if change.Amount.IsNil() || !change.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: deposit amount must be positive", types.ErrInvalidRebalanceCondition)
		}
		if err := r.venue.Deposit(p, change.Amount); err != nil {
			return nil, err
		}
		return []types.Action{{
			Type:   types.ActionDeposit,
			Amount: change.Amount,
			Mint:   p.State.Supply.Mint,
			From:   p.Authority,
			To:     p.ProtocolAccount,
		}}, nil

	case types.PostRebalanceWithdrawSupply:
		if change.Amount.IsNil() || !change.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: withdrawal amount must be positive", types.ErrInvalidRebalanceCondition)
		}
		if err := r.venue.Withdraw(p, change.Amount); err != nil {
			return nil, err
		}
		return []types.Action{{
			Type:   types.ActionWithdraw,
			Amount: change.Amount,
			Mint:   p.State.Supply.Mint,
			To:     p.Authority,
		}}, nil

	case types.PostRebalanceWithdrawDebt:
		if change.Amount.IsNil() || !change.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: withdrawal amount must be positive", types.ErrInvalidRebalanceCondition)
		}
		if err := r.venue.Repay(p, change.Amount); err != nil {
			return nil, err
		}
		return []types.Action{{
			Type:   types.ActionWithdraw,
			Amount: change.Amount,
			Mint:   p.State.Debt.Mint,
			To:     p.Authority,
		}}, nil

	default:
		return nil, nil
	}
}

// validateRebalanceResult measures the realized legs against the recorded
// targets. Anything outside the tolerance means the swap (or an interleaved
// instruction) moved value where it should not have.
func (r *Rebalancer) validateRebalanceResult(values types.RebalanceValues) error {
	p := r.position
	if values.Direction == types.DirectionNone {
		return nil
	}
	if !withinTolerance(p.State.Supply.AmountUsed.UsdValue, values.TargetSupplyUsd, r.resultToleranceBps) {
		return fmt.Errorf("%w: supply landed at %s, target %s",
			types.ErrInvalidRebalanceMade, p.State.Supply.AmountUsed.UsdValue.String(), values.TargetSupplyUsd.String())
	}
	if !withinTolerance(p.State.Debt.AmountUsed.UsdValue, values.TargetDebtUsd, r.resultToleranceBps) {
		return fmt.Errorf("%w: debt landed at %s, target %s",
			types.ErrInvalidRebalanceMade, p.State.Debt.AmountUsed.UsdValue.String(), values.TargetDebtUsd.String())
	}
	return nil
}

// classifyInstruction decides the multi-instruction pattern. A pre-swap
// deposit funds the swap directly; otherwise the source leg must have enough
// protocol-side liquidity, and a flash loan bridges the gap when it does not.
// Venues that cannot sandwich the paired instructions get the
// single-instruction patterns: boosts swap the external loan before the
// rebalance, repays apply it before the swap.
func (r *Rebalancer) classifyInstruction(values types.RebalanceValues, sourceLeg *types.PositionTokenState, swapInAmount sdkmath.Int, change *types.TokenBalanceChange) types.RebalanceInstruction {
	instruction := types.RebalanceInstruction{
		Type:            types.RebalanceRegular,
		FlashLoanAmount: sdkmath.ZeroInt(),
		SwapInAmount:    swapInAmount,
	}
	if values.Direction == types.DirectionNone {
		return instruction
	}
	if change != nil && change.Kind == types.PreSwapDeposit {
		return instruction
	}
	liquidity := sourceLeg.AmountCanBeUsed.BaseUnit
	if liquidity.IsNil() || liquidity.LT(swapInAmount) {
		instruction.FlashLoanAmount = swapInAmount
		switch {
		case r.flashLoanSandwich:
			instruction.Type = types.RebalanceDoubleWithFL
		case values.Direction == types.DirectionBoost:
			instruction.Type = types.RebalanceFLSwapThenRebalance
		default:
			instruction.Type = types.RebalanceFLRebalanceThenSwap
		}
	}
	return instruction
}

// fundingActions emits the first-phase actions that put the swap input in
// place. Flash-loan patterns fund the swap from the loan, so only a pending
// deposit produces an action there.
func (r *Rebalancer) fundingActions(values types.RebalanceValues, instruction types.RebalanceInstruction, sourceLeg *types.PositionTokenState, change *types.TokenBalanceChange) ([]types.Action, error) {
	p := r.position
	var actions []types.Action

	if change != nil && change.Kind == types.PreSwapDeposit {
		if change.Amount.IsNil() || !change.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: deposit amount must be positive", types.ErrInvalidRebalanceCondition)
		}
		actions = append(actions, types.Action{
			Type:   types.ActionDeposit,
			Amount: change.Amount,
			Mint:   sourceLeg.Mint,
			From:   p.Authority,
		})
	}

	if values.Direction == types.DirectionNone || instruction.Type.UsesFlashLoan() {
		return actions, nil
	}

	switch values.Direction {
	case types.DirectionBoost:
		if err := r.venue.Borrow(p, instruction.SwapInAmount); err != nil {
			return nil, err
		}
		actions = append(actions, types.Action{
			Type:   types.ActionBorrow,
			Amount: instruction.SwapInAmount,
			Mint:   sourceLeg.Mint,
		})
	case types.DirectionRepay:
		if err := r.venue.Withdraw(p, instruction.SwapInAmount); err != nil {
			return nil, err
		}
		actions = append(actions, types.Action{
			Type:   types.ActionWithdraw,
			Amount: instruction.SwapInAmount,
			Mint:   sourceLeg.Mint,
		})
	}
	return actions, nil
}

func (r *Rebalancer) validatePositionState() error {
	state := &r.position.State
	if state.LastRefreshed == 0 {
		return fmt.Errorf("%w: position state has never been refreshed", ErrInvalidPosition)
	}
	if state.LiqThreshold.IsNil() || !state.LiqThreshold.IsPositive() {
		return fmt.Errorf("%w: liquidation threshold must be positive", ErrInvalidPosition)
	}
	if state.Supply.MarketPrice.IsNil() || !state.Supply.MarketPrice.IsPositive() ||
		state.Debt.MarketPrice.IsNil() || !state.Debt.MarketPrice.IsPositive() {
		return fmt.Errorf("%w: market prices are missing", types.ErrStaleProtocolData)
	}
	return nil
}

// swapSourceLeg is the leg the swap input comes from: boosting sells borrowed
// debt tokens, repaying sells withdrawn supply.
func (r *Rebalancer) swapSourceLeg(direction types.RebalanceDirection) (*types.PositionTokenState, error) {
	switch direction {
	case types.DirectionBoost:
		return &r.position.State.Debt, nil
	case types.DirectionRepay:
		return &r.position.State.Supply, nil
	default:
		return &r.position.State.Supply, nil
	}
}

func (r *Rebalancer) swapDestinationLeg(direction types.RebalanceDirection) (*types.PositionTokenState, error) {
	switch direction {
	case types.DirectionBoost:
		return &r.position.State.Supply, nil
	case types.DirectionRepay:
		return &r.position.State.Debt, nil
	default:
		return &r.position.State.Supply, nil
	}
}

// withinTolerance compares relative to the target, with a one-dollar floor on
// the scale so near-zero targets do not demand impossible precision.
func withinTolerance(actual, target sdkmath.LegacyDec, toleranceBps uint64) bool {
	if actual.IsNil() || target.IsNil() {
		return false
	}
	diff := actual.Sub(target).Abs()
	scale := target.Abs()
	if scale.LT(sdkmath.LegacyOneDec()) {
		scale = sdkmath.LegacyOneDec()
	}
	return diff.LTE(scale.Mul(utils.FromBps(toleranceBps)))
}

// tokenAccountFor derives the associated token account of a destination
// wallet. A zero wallet or a derivation failure is treated as a wrong-account
// attack.
func tokenAccountFor(wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	if wallet.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%w: destination wallet is unset", types.ErrIncorrectAccounts)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", types.ErrIncorrectAccounts, err)
	}
	return ata, nil
}
