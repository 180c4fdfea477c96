package rebalance

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/solauto-labs/rebalancer/internal/fees"
	"github.com/solauto-labs/rebalancer/internal/types"
	"github.com/solauto-labs/rebalancer/internal/utils"
)

// newTestLeg builds a leg with 6 decimals at a 1 USD price, so USD values and
// base units line up one-to-one at 1e6 scale.
func newTestLeg(t *testing.T, usedUsd int64) types.PositionTokenState {
	t.Helper()
	leg := types.NewPositionTokenState(solana.NewWallet().PublicKey(), 6)
	leg.AmountCanBeUsed.BaseUnit = sdkmath.NewInt(1_000_000_000_000)
	require.NoError(t, leg.UpdateMarketPrice(sdkmath.LegacyOneDec()))
	if usedUsd > 0 {
		require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(usedUsd*1_000_000)))
	}
	return leg
}

func newTestPosition(t *testing.T, supplyUsd, debtUsd int64) *types.SolautoPosition {
	t.Helper()
	p := &types.SolautoPosition{
		ID:        1,
		Authority: solana.NewWallet().PublicKey(),
		Platform:  types.PlatformMarginfi,
		Settings: types.PositionSettings{
			BoostToBps:  4500,
			BoostGapBps: 500,
			RepayToBps:  8000,
			RepayGapBps: 500,
		},
		State: types.PositionState{
			MaxLtv:        sdkmath.LegacyMustNewDecFromStr("0.75"),
			LiqThreshold:  sdkmath.LegacyMustNewDecFromStr("0.8181"),
			Supply:        newTestLeg(t, supplyUsd),
			Debt:          newTestLeg(t, debtUsd),
			LastRefreshed: time.Now().Unix(),
		},
	}
	p.State.Refresh()
	return p
}

// setDebtUsd overwrites the debt leg so the utilization rate lands exactly on
// the requested USD value.
func setDebtUsd(t *testing.T, p *types.SolautoPosition, usdMicros int64) {
	t.Helper()
	p.State.Debt = newTestLeg(t, 0)
	require.NoError(t, p.State.Debt.UpdateUsage(sdkmath.NewInt(usdMicros)))
	p.State.Refresh()
}

func TestCalculateDebtAdjustmentBoost(t *testing.T) {
	lt := sdkmath.LegacyMustNewDecFromStr("0.8181")
	supply := sdkmath.LegacyNewDec(100)
	debt := sdkmath.LegacyNewDec(25)

	adjustment, err := CalculateDebtAdjustmentUsd(lt, supply, debt, 3800, 0)
	require.NoError(t, err)

	got, err := adjustment.Float64()
	require.NoError(t, err)
	require.InDelta(t, 8.834, got, 0.01)

	// Applying the adjustment to both legs lands exactly on the target rate.
	newDebt := debt.Add(adjustment)
	newSupply := supply.Add(adjustment)
	rate := utils.ToBps(newDebt.Quo(newSupply.Mul(lt)))
	require.InDelta(t, 3800, float64(rate), 1)
}

func TestCalculateDebtAdjustmentRepay(t *testing.T) {
	lt := sdkmath.LegacyMustNewDecFromStr("0.8181")
	supply := sdkmath.LegacyNewDec(100)
	debt := sdkmath.LegacyNewDec(50)

	adjustment, err := CalculateDebtAdjustmentUsd(lt, supply, debt, 5000, 0)
	require.NoError(t, err)
	require.True(t, adjustment.IsNegative())

	got, err := adjustment.Float64()
	require.NoError(t, err)
	require.InDelta(t, -15.390, got, 0.01)

	newDebt := debt.Add(adjustment)
	newSupply := supply.Add(adjustment)
	rate := utils.ToBps(newDebt.Quo(newSupply.Mul(lt)))
	require.InDelta(t, 5000, float64(rate), 1)
}

func TestCalculateDebtAdjustmentFeeEffect(t *testing.T) {
	lt := sdkmath.LegacyMustNewDecFromStr("0.8181")
	supply := sdkmath.LegacyNewDec(100)

	// Boosting: each borrowed dollar lands as (1-f) supply, so the fee shrinks
	// how far a dollar of debt can push utilization and the solve borrows less.
	boostNoFee, err := CalculateDebtAdjustmentUsd(lt, supply, sdkmath.LegacyNewDec(25), 4500, 0)
	require.NoError(t, err)
	boostWithFee, err := CalculateDebtAdjustmentUsd(lt, supply, sdkmath.LegacyNewDec(25), 4500, 50)
	require.NoError(t, err)
	require.True(t, boostWithFee.IsPositive())
	require.True(t, boostWithFee.LT(boostNoFee))

	// Repaying: retiring a dollar of debt costs 1/(1-f) dollars of withdrawn
	// supply, so the fee deepens the required adjustment.
	repayNoFee, err := CalculateDebtAdjustmentUsd(lt, supply, sdkmath.LegacyNewDec(50), 4500, 0)
	require.NoError(t, err)
	repayWithFee, err := CalculateDebtAdjustmentUsd(lt, supply, sdkmath.LegacyNewDec(50), 4500, 50)
	require.NoError(t, err)
	require.True(t, repayWithFee.IsNegative())
	require.True(t, repayWithFee.Abs().GT(repayNoFee.Abs()))
}

func TestRepayTargetsSatisfyTargetRateWithFee(t *testing.T) {
	lt := sdkmath.LegacyMustNewDecFromStr("0.8181")
	supply := sdkmath.LegacyNewDec(100)
	debt := sdkmath.LegacyNewDec(70)
	feeBps := uint64(25)

	adjustment, err := CalculateDebtAdjustmentUsd(lt, supply, debt, 8000, feeBps)
	require.NoError(t, err)
	require.True(t, adjustment.IsNegative())

	// The skim model: debt moves by X, supply by X/(1-f). Those end states
	// must sit exactly on the target rate.
	oneMinusFee := sdkmath.LegacyOneDec().Sub(utils.FromBps(feeBps))
	newDebt := debt.Add(adjustment)
	newSupply := supply.Add(adjustment.Quo(oneMinusFee))
	rate := utils.ToBps(newDebt.Quo(newSupply.Mul(lt)))
	require.InDelta(t, 8000, float64(rate), 1)
}

func TestEligibleForRebalanceBoundaries(t *testing.T) {
	p := newTestPosition(t, 100, 25)

	// boost_from = 4000, repay_from = 8500 for the test settings.
	cases := []struct {
		debtUsdMicros int64
		wantRateBps   uint64
		eligible      bool
	}{
		{31_905_900, 3900, true},  // below boost_from, boosts
		{49_086_000, 6000, false}, // inside the band, holds
		{70_356_600, 8600, true},  // above repay_from, repays
	}
	for _, tc := range cases {
		setDebtUsd(t, p, tc.debtUsdMicros)
		require.Equal(t, tc.wantRateBps, p.State.LiqUtilizationRateBps)
		require.Equal(t, tc.eligible, EligibleForRebalance(p),
			"eligibility at %d bps", tc.wantRateBps)
	}
}

func TestEligibleForRebalanceZeroSettings(t *testing.T) {
	p := newTestPosition(t, 100, 25)
	p.Settings = types.PositionSettings{}
	require.False(t, EligibleForRebalance(p))
}

func TestGetTargetRateBpsSelection(t *testing.T) {
	p := newTestPosition(t, 100, 25)

	// Explicit target wins over everything.
	explicit := uint64(2500)
	target, err := GetTargetRateBps(p, Args{TargetLiqUtilizationRateBps: &explicit})
	require.NoError(t, err)
	require.Equal(t, explicit, target)

	// Below the boost boundary the settings target applies.
	setDebtUsd(t, p, 31_905_900) // 3900 bps
	target, err = GetTargetRateBps(p, Args{})
	require.NoError(t, err)
	require.Equal(t, uint64(4500), target)

	// Above the repay boundary the repay target applies.
	setDebtUsd(t, p, 70_356_600) // 8600 bps
	target, err = GetTargetRateBps(p, Args{})
	require.NoError(t, err)
	require.Equal(t, uint64(8000), target)

	// Inside the band with a pending balance change: neutral rebalance.
	setDebtUsd(t, p, 49_086_000) // 6000 bps
	target, err = GetTargetRateBps(p, Args{
		BalanceChange: &types.TokenBalanceChange{Kind: types.PreSwapDeposit, Amount: sdkmath.NewInt(1)},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(6000), target)

	// Inside the band with nothing pending: nothing to do.
	_, err = GetTargetRateBps(p, Args{})
	require.ErrorIs(t, err, types.ErrInvalidRebalanceCondition)
}

func TestGetTargetRateBpsRejectsOutOfRangeTarget(t *testing.T) {
	p := newTestPosition(t, 100, 25)
	bad := uint64(10_001)
	_, err := GetTargetRateBps(p, Args{TargetLiqUtilizationRateBps: &bad})
	require.ErrorIs(t, err, types.ErrInvalidRebalanceCondition)
}

func TestGetRebalanceValuesBoost(t *testing.T) {
	p := newTestPosition(t, 100, 25)
	setDebtUsd(t, p, 31_905_900) // 3900 bps, below boost_from

	feeModel := fees.Fetch(false, false, p.State.NetWorthUsd)
	values, err := GetRebalanceValues(p, Args{}, feeModel)
	require.NoError(t, err)

	require.Equal(t, types.DirectionBoost, values.Direction)
	require.Equal(t, uint64(4500), values.TargetLiqUtilizationRateBps)
	require.True(t, values.DebtAdjustmentUsd.IsPositive())
	require.True(t, values.AmountToSwapUsd.IsPositive())

	// The swap amount carries the slippage buffer; the targets do not.
	adjustment := values.TargetDebtUsd.Sub(p.State.Debt.AmountUsed.UsdValue)
	require.True(t, values.DebtAdjustmentUsd.GT(adjustment))

	// The unbuffered targets land on the target rate.
	rate := utils.ToBps(values.TargetDebtUsd.Quo(values.TargetSupplyUsd.Mul(p.State.LiqThreshold)))
	require.InDelta(t, 4500, float64(rate), 1)
}

func TestGetRebalanceValuesRepay(t *testing.T) {
	p := newTestPosition(t, 100, 25)
	setDebtUsd(t, p, 70_356_600) // 8600 bps, above repay_from

	feeModel := fees.Fetch(false, false, p.State.NetWorthUsd)
	values, err := GetRebalanceValues(p, Args{}, feeModel)
	require.NoError(t, err)

	require.Equal(t, types.DirectionRepay, values.Direction)
	require.Equal(t, uint64(8000), values.TargetLiqUtilizationRateBps)
	require.True(t, values.TargetDebtUsd.LT(p.State.Debt.AmountUsed.UsdValue))
	require.True(t, values.TargetSupplyUsd.LT(p.State.Supply.AmountUsed.UsdValue))

	rate := utils.ToBps(values.TargetDebtUsd.Quo(values.TargetSupplyUsd.Mul(p.State.LiqThreshold)))
	require.InDelta(t, 8000, float64(rate), 1)
}

func TestGetRebalanceValuesNeutral(t *testing.T) {
	p := newTestPosition(t, 100, 25)
	setDebtUsd(t, p, 49_086_000) // 6000 bps, inside the band

	change := &types.TokenBalanceChange{Kind: types.PreSwapDeposit, Amount: sdkmath.NewInt(5_000_000)}
	feeModel := fees.Fetch(false, false, p.State.NetWorthUsd)
	values, err := GetRebalanceValues(p, Args{BalanceChange: change}, feeModel)
	require.NoError(t, err)

	require.Equal(t, types.DirectionNone, values.Direction)
	require.True(t, values.DebtAdjustmentUsd.IsZero())
	require.True(t, values.AmountToSwapUsd.IsZero())
	require.Equal(t, change, values.TokenBalanceChange)
}
