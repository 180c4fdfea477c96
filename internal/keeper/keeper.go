/*

This file contains the keeper, the off-chain automation loop. Each cycle it
walks the tracked-position registry, refreshes every position's protocol
state, advances eligible DCA schedules, and drives the two-phase rebalance for
any position outside its configured bounds. Every attempt leaves a receipt.

*/

package keeper

import (
	"context"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/solauto-labs/rebalancer/internal/fees"
	"github.com/solauto-labs/rebalancer/internal/lending"
	"github.com/solauto-labs/rebalancer/internal/logger"
	"github.com/solauto-labs/rebalancer/internal/position"
	"github.com/solauto-labs/rebalancer/internal/rebalance"
	"github.com/solauto-labs/rebalancer/internal/state"
	"github.com/solauto-labs/rebalancer/internal/types"
	"github.com/solauto-labs/rebalancer/internal/utils"
)

// failureBackoffWindow is how far back the keeper looks for failed attempts
// before skipping a position for the cycle.
const (
	failureBackoffWindow = 30 * time.Minute
	failureBackoffLimit  = 3
)

// SwapExecutor performs the swap leg between the two rebalance phases and
// reports the output amount landing in the intermediary account.
type SwapExecutor interface {
	Swap(ctx context.Context, inMint, outMint solana.PublicKey, amountIn sdkmath.Int) (types.TokenAmount, error)
}

// Keeper drives rebalance cycles over the tracked positions.
type Keeper struct {
	logger    zerolog.Logger
	rpc       *rpc.Client
	prices    lending.PriceSource
	swapper   SwapExecutor
	params    types.RebalanceParameters
	feeWallet solana.PublicKey

	clients map[types.LendingPlatform]lending.Client
}

// Config holds the configuration for creating a new Keeper instance
type Config struct {
	RPCClient  *rpc.Client
	Prices     lending.PriceSource
	Swapper    SwapExecutor
	Params     types.RebalanceParameters
	FeesWallet solana.PublicKey
}

// New creates a keeper with its per-platform lending clients.
func New(cfg Config) (*Keeper, error) {
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price source cannot be nil")
	}
	if cfg.Swapper == nil {
		return nil, fmt.Errorf("swap executor cannot be nil")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.FeesWallet.IsZero() {
		return nil, fmt.Errorf("fees wallet cannot be the zero key")
	}

	clients := make(map[types.LendingPlatform]lending.Client)
	for _, platform := range []types.LendingPlatform{types.PlatformMarginfi, types.PlatformSolend} {
		client, err := lending.NewClient(platform, cfg.RPCClient, cfg.Prices)
		if err != nil {
			return nil, err
		}
		clients[platform] = client
	}

	return &Keeper{
		logger:    logger.GetForComponent("keeper"),
		rpc:       cfg.RPCClient,
		prices:    cfg.Prices,
		swapper:   cfg.Swapper,
		params:    cfg.Params,
		feeWallet: cfg.FeesWallet,
		clients:   clients,
	}, nil
}

// RunLoop runs cycles until the context is cancelled.
func (k *Keeper) RunLoop(ctx context.Context) {
	interval := time.Duration(k.params.CycleIntervalSeconds) * time.Second
	k.logger.Info().Dur("interval", interval).Msg("Starting keeper main loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.runCycleLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			k.logger.Info().Msg("Keeper loop stopped due to context cancellation")
			return
		case <-ticker.C:
			k.runCycleLogged(ctx)
		}
	}
}

func (k *Keeper) runCycleLogged(ctx context.Context) {
	if err := k.RunCycle(ctx); err != nil {
		k.logger.Error().Err(err).Msg("Keeper cycle failed")
	}
}

// RunCycle executes one pass over the tracked positions.
func (k *Keeper) RunCycle(ctx context.Context) error {
	runID := uuid.New()
	cycle, err := state.IncrementCycleNumber()
	if err != nil {
		return err
	}
	cycleLogger := k.logger.With().Int("cycle", cycle).Str("runID", runID.String()).Logger()
	cycleLogger.Info().Msg("Cycle starting")

	tracked, err := state.ListTrackedPositions()
	if err != nil {
		return err
	}
	if len(tracked) == 0 {
		cycleLogger.Info().Msg("No tracked positions, nothing to do")
		return nil
	}

	processed := 0
	for i := range tracked {
		if processed >= k.params.MaxPositionsPerCycle {
			cycleLogger.Warn().
				Int("remaining", len(tracked)-i).
				Msg("Per-cycle position cap reached, deferring the rest")
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed++

		if err := k.processPosition(ctx, runID, &tracked[i], cycleLogger); err != nil {
			cycleLogger.Error().
				Err(err).
				Uint64("positionID", tracked[i].Position.ID).
				Msg("Position processing failed")
		}
	}

	cycleLogger.Info().Int("processed", processed).Msg("Cycle complete")
	return nil
}

// processPosition refreshes one position and rebalances it when needed.
func (k *Keeper) processPosition(ctx context.Context, runID uuid.UUID, tracked *state.TrackedPosition, cycleLogger zerolog.Logger) error {
	p := tracked.Position

	if p.SelfManaged {
		// Self-managed positions rebalance only on their authority's
		// explicit instruction, never from the keeper.
		return nil
	}

	client, ok := k.clients[p.Platform]
	if !ok {
		return fmt.Errorf("%w: %s", lending.ErrUnsupportedPlatform, p.Platform)
	}
	if err := client.RefreshState(ctx, p); err != nil {
		return err
	}
	if err := client.Validate(ctx, p); err != nil {
		return err
	}

	if p.CanClose() {
		cycleLogger.Info().Uint64("positionID", p.ID).Msg("Position fully unwound, removing from registry")
		return state.DeleteTrackedPosition(p.ID)
	}
	if p.State.NetWorthUsd.LT(k.params.MinPositionNetWorthUsd) {
		return state.SaveTrackedPosition(p, tracked.Referred, tracked.Referrer)
	}

	failures, err := state.CountRecentFailures(p.ID, failureBackoffWindow)
	if err != nil {
		return err
	}
	if failures >= failureBackoffLimit {
		cycleLogger.Warn().Uint64("positionID", p.ID).Int("failures", failures).Msg("Backing off repeatedly failing position")
		return nil
	}

	args := rebalance.Args{SlippageBps: k.params.DefaultSlippageBps}
	if contribution, err := position.AdvanceDCA(p, time.Now().Unix()); err == nil && contribution.IsPositive() {
		args.BalanceChange = &types.TokenBalanceChange{
			Kind:   types.PreSwapDeposit,
			Amount: contribution,
		}
	}

	if args.BalanceChange == nil && !rebalance.EligibleForRebalance(p) {
		return state.SaveTrackedPosition(p, tracked.Referred, tracked.Referrer)
	}

	receipt := k.rebalancePosition(ctx, runID, tracked, client, args)
	if _, err := state.SaveRebalanceReceipt(receipt); err != nil {
		return err
	}
	if !receipt.Success {
		// Discard the partially mutated in-memory ledger; the next cycle
		// reloads and refreshes from the registry and chain.
		return nil
	}
	return state.SaveTrackedPosition(p, tracked.Referred, tracked.Referrer)
}

// rebalancePosition drives the rebalance flow for one position and reports
// the outcome as a receipt. The classified pattern picks the entry path: the
// sandwich patterns run the two-phase flow around the swap, the
// single-instruction flash-loan patterns finish in one call. The ledger
// mutations happen inside the rebalancer, routed through the lending client;
// on failure the position is reloaded from the registry by the next cycle,
// mirroring the on-chain transaction reverting.
func (k *Keeper) rebalancePosition(ctx context.Context, runID uuid.UUID, tracked *state.TrackedPosition, client lending.Client, args rebalance.Args) state.RebalanceReceipt {
	p := tracked.Position
	receipt := state.RebalanceReceipt{
		RunID:        runID,
		PositionID:   p.ID,
		PriorRateBps: p.State.LiqUtilizationRateBps,
	}

	fail := func(err error) state.RebalanceReceipt {
		receipt.Success = false
		receipt.Message = err.Error()
		receipt.FinalRateBps = p.State.LiqUtilizationRateBps
		p.Rebalance.Reset()
		return receipt
	}

	feeModel := fees.Fetch(args.TargetLiqUtilizationRateBps != nil, tracked.Referred, p.State.NetWorthUsd)
	rebalancer, err := rebalance.NewRebalancer(rebalance.Config{
		Position: p,
		FeeModel: feeModel,
		Recipients: rebalance.FeeRecipients{
			SolautoFeesWallet: k.feeWallet,
			Referrer:          tracked.Referrer,
		},
		Venue:              client,
		FlashLoanSandwich:  client.SupportsFlashLoans(),
		ResultToleranceBps: k.params.ResultToleranceBps,
	})
	if err != nil {
		return fail(err)
	}

	values, instruction, err := rebalancer.PlanInstruction(args)
	if err != nil {
		return fail(err)
	}
	receipt.Direction = values.Direction
	receipt.RebalanceType = instruction.Type
	receipt.TargetRateBps = values.TargetLiqUtilizationRateBps
	receipt.DebtAdjustmentUsd = values.DebtAdjustmentUsd
	receipt.FeeTotalBps = feeModel.FetchFees(values.Direction).TotalBps

	if err := k.verifyPlannedSequence(p, values, instruction); err != nil {
		return fail(err)
	}

	var preActions, postActions []types.Action
	switch instruction.Type {
	case types.RebalanceFLSwapThenRebalance:
		output, err := k.executeSwap(ctx, p, values, instruction)
		if err != nil {
			return fail(err)
		}
		postActions, err = rebalancer.SwapThenRebalance(args, output)
		if err != nil {
			return fail(err)
		}

	case types.RebalanceFLRebalanceThenSwap:
		postActions, err = rebalancer.RebalanceThenSwap(args)
		if err != nil {
			return fail(err)
		}
		// The swap output settles the flash loan directly; it never
		// re-enters the position's ledger.
		if _, err := k.executeSwap(ctx, p, values, instruction); err != nil {
			return fail(err)
		}

	default:
		preActions, err = rebalancer.PreSwapRebalance(args)
		if err != nil {
			return fail(err)
		}
		output, err := k.executeSwap(ctx, p, values, instruction)
		if err != nil {
			return fail(err)
		}
		postActions, err = rebalancer.PostSwapRebalance(output)
		if err != nil {
			return fail(err)
		}
	}

	receipt.Success = true
	receipt.FinalRateBps = p.State.LiqUtilizationRateBps
	receipt.Actions = append(preActions, postActions...)
	return receipt
}

// verifyPlannedSequence compiles the sibling-instruction layout for the
// classified pattern and checks that every rebalance slot classifies to the
// step the executor will run it as, with the swap output pinned to the
// position's own token account.
func (k *Keeper) verifyPlannedSequence(p *types.SolautoPosition, values types.RebalanceValues, instruction types.RebalanceInstruction) error {
	if values.Direction == types.DirectionNone {
		// Neutral rebalances carry no swap instruction to police.
		return nil
	}
	var inMint, outMint solana.PublicKey
	if values.Direction == types.DirectionBoost {
		inMint, outMint = p.State.Debt.Mint, p.State.Supply.Mint
	} else {
		inMint, outMint = p.State.Supply.Mint, p.State.Debt.Mint
	}
	source, _, err := solana.FindAssociatedTokenAddress(p.ProtocolAccount, inMint)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrIncorrectAccounts, err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(p.ProtocolAccount, outMint)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrIncorrectAccounts, err)
	}

	sequence, err := rebalance.BuildRebalanceSequence(instruction.Type, p.Authority, source, destination)
	if err != nil {
		return err
	}

	expected := []types.RebalanceStep{types.StepPreSwap, types.StepPostSwap}
	if len(sequence.RebalanceIndices) == 1 {
		if instruction.Type == types.RebalanceFLSwapThenRebalance {
			expected = []types.RebalanceStep{types.StepPostSwap}
		} else {
			expected = []types.RebalanceStep{types.StepPreSwap}
		}
	}

	for i, index := range sequence.RebalanceIndices {
		sequence.SetCurrent(index)
		step, err := rebalance.GetRebalanceStep(sequence, instruction.Type, []solana.PublicKey{destination})
		if err != nil {
			return err
		}
		if step != expected[i] {
			return fmt.Errorf("%w: planned instruction %d classifies as step %d, want %d",
				types.ErrIncorrectInstructions, index, step, expected[i])
		}
	}
	return nil
}

// executeSwap runs the swap leg between the rebalance phases. A neutral
// rebalance has nothing to swap and passes the pending deposit through.
func (k *Keeper) executeSwap(ctx context.Context, p *types.SolautoPosition, values types.RebalanceValues, instruction types.RebalanceInstruction) (types.TokenAmount, error) {
	var inLeg, outLeg *types.PositionTokenState
	switch values.Direction {
	case types.DirectionBoost:
		inLeg, outLeg = &p.State.Debt, &p.State.Supply
	case types.DirectionRepay:
		inLeg, outLeg = &p.State.Supply, &p.State.Debt
	default:
		if values.TokenBalanceChange == nil {
			return types.ZeroTokenAmount(), nil
		}
		amount := values.TokenBalanceChange.Amount
		usd, err := utils.BaseUnitToUsd(amount, p.State.Supply.Decimals, p.State.Supply.MarketPrice)
		if err != nil {
			return types.TokenAmount{}, err
		}
		return types.TokenAmount{BaseUnit: amount, UsdValue: usd}, nil
	}

	amountIn := instruction.SwapInAmount
	if values.TokenBalanceChange != nil && values.TokenBalanceChange.Kind == types.PreSwapDeposit {
		amountIn = amountIn.Add(values.TokenBalanceChange.Amount)
	}
	return k.swapper.Swap(ctx, inLeg.Mint, outLeg.Mint, amountIn)
}
