package types

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

// fullTestPosition builds a position exercising every optional section of the
// record. USD values stay at 9-decimal precision so the fixed-point encoding
// round-trips exactly.
func fullTestPosition(t *testing.T) *SolautoPosition {
	t.Helper()

	supply := NewPositionTokenState(solana.NewWallet().PublicKey(), 9)
	supply.BorrowFeeBps = 10
	supply.FlashLoanFeeBps = 30
	supply.AmountCanBeUsed.BaseUnit = sdkmath.NewInt(500_000_000_000)
	require.NoError(t, supply.UpdateMarketPrice(sdkmath.LegacyMustNewDecFromStr("1.5")))
	require.NoError(t, supply.UpdateUsage(sdkmath.NewInt(100_000_000_000)))

	debt := NewPositionTokenState(solana.NewWallet().PublicKey(), 6)
	debt.AmountCanBeUsed.BaseUnit = sdkmath.NewInt(900_000_000)
	require.NoError(t, debt.UpdateMarketPrice(sdkmath.LegacyOneDec()))
	require.NoError(t, debt.UpdateUsage(sdkmath.NewInt(40_000_000)))

	p := &SolautoPosition{
		ID:              42,
		Authority:       solana.NewWallet().PublicKey(),
		SelfManaged:     false,
		Platform:        PlatformMarginfi,
		ProtocolAccount: solana.NewWallet().PublicKey(),
		Settings: PositionSettings{
			BoostToBps:  4500,
			BoostGapBps: 500,
			RepayToBps:  8000,
			RepayGapBps: 500,
		},
		DCA: &DCASettings{
			Automation: AutomationSettings{
				TargetPeriods:   4,
				PeriodsPassed:   1,
				UnixStartDate:   1_700_000_000,
				IntervalSeconds: 3600,
			},
			DebtToAddBaseUnit: sdkmath.NewInt(75_000_000),
		},
		State: PositionState{
			MaxLtv:        sdkmath.LegacyMustNewDecFromStr("0.75"),
			LiqThreshold:  sdkmath.LegacyMustNewDecFromStr("0.8181"),
			LastRefreshed: 1_700_000_500,
			Supply:        supply,
			Debt:          debt,
		},
		Rebalance: RebalanceData{
			Phase: PhaseReadyToFinish,
			Ixs: &RebalanceInstruction{
				Type:            RebalanceDoubleWithFL,
				FlashLoanAmount: sdkmath.NewInt(12_000_000),
				SwapInAmount:    sdkmath.NewInt(12_000_000),
			},
			Values: &RebalanceValues{
				Direction:                   DirectionBoost,
				TargetLiqUtilizationRateBps: 4500,
				TargetSupplyUsd:             sdkmath.LegacyMustNewDecFromStr("162.5"),
				TargetDebtUsd:               sdkmath.LegacyMustNewDecFromStr("52.25"),
				DebtAdjustmentUsd:           sdkmath.LegacyMustNewDecFromStr("12.25"),
				AmountToSwapUsd:             sdkmath.LegacyMustNewDecFromStr("12.617500000"),
				TokenBalanceChange: &TokenBalanceChange{
					Kind:   PreSwapDeposit,
					Amount: sdkmath.NewInt(5_000_000),
				},
			},
		},
	}
	p.State.Refresh()
	return p
}

func TestPositionRecordRoundTrip(t *testing.T) {
	p := fullTestPosition(t)

	data, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, data, RecordSize)

	got, err := UnmarshalPosition(data)
	require.NoError(t, err)

	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.Authority, got.Authority)
	require.Equal(t, p.SelfManaged, got.SelfManaged)
	require.Equal(t, p.Platform, got.Platform)
	require.Equal(t, p.ProtocolAccount, got.ProtocolAccount)
	require.Equal(t, p.Settings, got.Settings)

	require.NotNil(t, got.DCA)
	require.Equal(t, p.DCA.Automation, got.DCA.Automation)
	require.True(t, p.DCA.DebtToAddBaseUnit.Equal(got.DCA.DebtToAddBaseUnit))

	require.Equal(t, p.State.LiqUtilizationRateBps, got.State.LiqUtilizationRateBps)
	require.Equal(t, p.State.LastRefreshed, got.State.LastRefreshed)
	require.True(t, p.State.MaxLtv.Equal(got.State.MaxLtv))
	require.True(t, p.State.LiqThreshold.Equal(got.State.LiqThreshold))
	require.True(t, p.State.NetWorthUsd.Equal(got.State.NetWorthUsd))

	requireLegEqual(t, p.State.Supply, got.State.Supply)
	requireLegEqual(t, p.State.Debt, got.State.Debt)

	require.Equal(t, PhaseReadyToFinish, got.Rebalance.Phase)
	require.NotNil(t, got.Rebalance.Ixs)
	require.Equal(t, p.Rebalance.Ixs.Type, got.Rebalance.Ixs.Type)
	require.True(t, p.Rebalance.Ixs.FlashLoanAmount.Equal(got.Rebalance.Ixs.FlashLoanAmount))
	require.True(t, p.Rebalance.Ixs.SwapInAmount.Equal(got.Rebalance.Ixs.SwapInAmount))

	require.NotNil(t, got.Rebalance.Values)
	require.Equal(t, p.Rebalance.Values.Direction, got.Rebalance.Values.Direction)
	require.Equal(t, p.Rebalance.Values.TargetLiqUtilizationRateBps, got.Rebalance.Values.TargetLiqUtilizationRateBps)
	require.True(t, p.Rebalance.Values.TargetSupplyUsd.Equal(got.Rebalance.Values.TargetSupplyUsd))
	require.True(t, p.Rebalance.Values.TargetDebtUsd.Equal(got.Rebalance.Values.TargetDebtUsd))
	require.True(t, p.Rebalance.Values.DebtAdjustmentUsd.Equal(got.Rebalance.Values.DebtAdjustmentUsd))
	require.True(t, p.Rebalance.Values.AmountToSwapUsd.Equal(got.Rebalance.Values.AmountToSwapUsd))
	require.NotNil(t, got.Rebalance.Values.TokenBalanceChange)
	require.Equal(t, PreSwapDeposit, got.Rebalance.Values.TokenBalanceChange.Kind)
	require.True(t, p.Rebalance.Values.TokenBalanceChange.Amount.Equal(got.Rebalance.Values.TokenBalanceChange.Amount))
}

func requireLegEqual(t *testing.T, want, got PositionTokenState) {
	t.Helper()

	require.Equal(t, want.Mint, got.Mint)
	require.Equal(t, want.Decimals, got.Decimals)
	require.Equal(t, want.BorrowFeeBps, got.BorrowFeeBps)
	require.Equal(t, want.FlashLoanFeeBps, got.FlashLoanFeeBps)
	require.True(t, want.AmountUsed.BaseUnit.Equal(got.AmountUsed.BaseUnit))
	require.True(t, want.AmountUsed.UsdValue.Equal(got.AmountUsed.UsdValue))
	require.True(t, want.AmountCanBeUsed.BaseUnit.Equal(got.AmountCanBeUsed.BaseUnit))
	require.True(t, want.AmountCanBeUsed.UsdValue.Equal(got.AmountCanBeUsed.UsdValue))
	require.True(t, want.MarketPrice.Equal(got.MarketPrice))
}

func TestRoundTripWithoutOptionalSections(t *testing.T) {
	p := fullTestPosition(t)
	p.DCA = nil
	p.Rebalance = RebalanceData{Phase: PhaseIdle}

	data, err := p.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalPosition(data)
	require.NoError(t, err)

	require.Nil(t, got.DCA)
	require.Equal(t, PhaseIdle, got.Rebalance.Phase)
	require.Nil(t, got.Rebalance.Ixs)
	require.Nil(t, got.Rebalance.Values)
}

func TestMarshalRejectsNegativeAmount(t *testing.T) {
	p := fullTestPosition(t)
	p.Rebalance.Ixs.SwapInAmount = sdkmath.NewInt(-1)

	_, err := p.Marshal()
	require.ErrorIs(t, err, ErrAmountOverflow)
}

func TestUnmarshalRejectsShortRecord(t *testing.T) {
	_, err := UnmarshalPosition(make([]byte, RecordSize-1))
	require.ErrorIs(t, err, ErrBadRecord)
}
