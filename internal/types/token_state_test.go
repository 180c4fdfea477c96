package types

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/solauto-labs/rebalancer/internal/utils"
)

func newTestLegState(t *testing.T) PositionTokenState {
	t.Helper()

	leg := NewPositionTokenState(solana.NewWallet().PublicKey(), 6)
	leg.AmountCanBeUsed.BaseUnit = sdkmath.NewInt(1_000_000_000)
	require.NoError(t, leg.UpdateMarketPrice(sdkmath.LegacyOneDec()))
	return leg
}

func TestUpdateUsageIncreasesUsedAndReducesAvailable(t *testing.T) {
	leg := newTestLegState(t)

	require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(250_000_000)))

	require.Equal(t, int64(250_000_000), leg.AmountUsed.BaseUnit.Int64())
	require.Equal(t, int64(750_000_000), leg.AmountCanBeUsed.BaseUnit.Int64())
	require.Equal(t, "250.000000000000000000", leg.AmountUsed.UsdValue.String())
	require.Equal(t, "750.000000000000000000", leg.AmountCanBeUsed.UsdValue.String())
}

func TestUpdateUsageChargesBorrowFeeOnPositiveDelta(t *testing.T) {
	leg := newTestLegState(t)
	leg.BorrowFeeBps = 100

	require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(100_000_000)))

	// One percent surcharge lands on the used side only.
	require.Equal(t, int64(101_000_000), leg.AmountUsed.BaseUnit.Int64())
	require.Equal(t, int64(900_000_000), leg.AmountCanBeUsed.BaseUnit.Int64())
}

func TestUpdateUsageReleasesUsage(t *testing.T) {
	leg := newTestLegState(t)
	require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(400_000_000)))

	require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(-150_000_000)))

	require.Equal(t, int64(250_000_000), leg.AmountUsed.BaseUnit.Int64())
	// Releasing usage does not return liquidity to the available pool.
	require.Equal(t, int64(600_000_000), leg.AmountCanBeUsed.BaseUnit.Int64())
}

func TestUpdateUsageClampsAvailableAndFiresHook(t *testing.T) {
	leg := newTestLegState(t)

	var clampedMint solana.PublicKey
	var clampedDeficit sdkmath.Int
	ClampHook = func(mint solana.PublicKey, deficit sdkmath.Int) {
		clampedMint = mint
		clampedDeficit = deficit
	}
	defer func() { ClampHook = nil }()

	require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(1_200_000_000)))

	require.True(t, leg.AmountCanBeUsed.BaseUnit.IsZero())
	require.Equal(t, int64(1_200_000_000), leg.AmountUsed.BaseUnit.Int64())
	require.Equal(t, leg.Mint, clampedMint)
	require.Equal(t, int64(200_000_000), clampedDeficit.Int64())
}

func TestUpdateUsageClampsUsedAndFiresHook(t *testing.T) {
	leg := newTestLegState(t)
	require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(100_000_000)))

	var clampedDeficit sdkmath.Int
	ClampHook = func(_ solana.PublicKey, deficit sdkmath.Int) {
		clampedDeficit = deficit
	}
	defer func() { ClampHook = nil }()

	require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(-300_000_000)))

	require.True(t, leg.AmountUsed.BaseUnit.IsZero())
	require.True(t, leg.AmountUsed.UsdValue.IsZero())
	require.Equal(t, int64(200_000_000), clampedDeficit.Int64())
}

func TestUpdateUsageRejectsNilDelta(t *testing.T) {
	leg := newTestLegState(t)
	require.Error(t, leg.UpdateUsage(sdkmath.Int{}))
}

func TestUpdateMarketPriceRecomputesUsdCaches(t *testing.T) {
	leg := newTestLegState(t)
	require.NoError(t, leg.UpdateUsage(sdkmath.NewInt(500_000_000)))

	require.NoError(t, leg.UpdateMarketPrice(sdkmath.LegacyMustNewDecFromStr("2.5")))

	require.Equal(t, "1250.000000000000000000", leg.AmountUsed.UsdValue.String())
	require.Equal(t, "1250.000000000000000000", leg.AmountCanBeUsed.UsdValue.String())
}

func TestUpdateMarketPriceRejectsNegative(t *testing.T) {
	leg := newTestLegState(t)
	require.ErrorIs(t, leg.UpdateMarketPrice(sdkmath.LegacyMustNewDecFromStr("-1")), utils.ErrPriceNegative)
}
