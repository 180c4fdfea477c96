package lending

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/solauto-labs/rebalancer/internal/types"
)

func fixedPrices(price string) PriceSource {
	return PriceSourceFunc(func(context.Context, solana.PublicKey) (sdkmath.LegacyDec, error) {
		return sdkmath.LegacyMustNewDecFromStr(price), nil
	})
}

func newLedgerPosition(t *testing.T, platform types.LendingPlatform) *types.SolautoPosition {
	t.Helper()

	supply := types.NewPositionTokenState(solana.NewWallet().PublicKey(), 6)
	supply.AmountCanBeUsed.BaseUnit = sdkmath.NewInt(1_000_000_000)
	debt := types.NewPositionTokenState(solana.NewWallet().PublicKey(), 6)
	debt.AmountCanBeUsed.BaseUnit = sdkmath.NewInt(1_000_000_000)

	return &types.SolautoPosition{
		ID:              7,
		Authority:       solana.NewWallet().PublicKey(),
		Platform:        platform,
		ProtocolAccount: solana.NewWallet().PublicKey(),
		State: types.PositionState{
			MaxLtv:       sdkmath.LegacyMustNewDecFromStr("0.75"),
			LiqThreshold: sdkmath.LegacyMustNewDecFromStr("0.8181"),
			Supply:       supply,
			Debt:         debt,
		},
	}
}

func TestNewClientClosedUnion(t *testing.T) {
	prices := fixedPrices("1.0")

	marginfi, err := NewClient(types.PlatformMarginfi, nil, prices)
	require.NoError(t, err)
	require.Equal(t, types.PlatformMarginfi, marginfi.Platform())
	require.True(t, marginfi.SupportsFlashLoans())

	solend, err := NewClient(types.PlatformSolend, nil, prices)
	require.NoError(t, err)
	require.Equal(t, types.PlatformSolend, solend.Platform())
	require.False(t, solend.SupportsFlashLoans())
	require.False(t, marginfi.ProgramID().Equals(solend.ProgramID()))

	_, err = NewClient(types.LendingPlatform(99), nil, prices)
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestRefreshStateAndLedgerOperations(t *testing.T) {
	client, err := NewClient(types.PlatformMarginfi, nil, fixedPrices("2.0"))
	require.NoError(t, err)
	p := newLedgerPosition(t, types.PlatformMarginfi)

	require.NoError(t, client.RefreshState(context.Background(), p))
	require.NotZero(t, p.State.LastRefreshed)
	require.NoError(t, client.Validate(context.Background(), p))

	require.NoError(t, client.Deposit(p, sdkmath.NewInt(100_000_000)))
	require.Equal(t, "200.000000000000000000", p.State.Supply.AmountUsed.UsdValue.String())

	require.NoError(t, client.Borrow(p, sdkmath.NewInt(40_000_000)))
	// debt / (supply * liqThreshold) in bps.
	require.Equal(t, uint64(4889), p.State.LiqUtilizationRateBps)

	require.NoError(t, client.Repay(p, sdkmath.NewInt(40_000_000)))
	require.True(t, p.State.Debt.AmountUsed.BaseUnit.IsZero())
	require.Zero(t, p.State.LiqUtilizationRateBps)

	require.NoError(t, client.Withdraw(p, sdkmath.NewInt(100_000_000)))
	require.True(t, p.State.Supply.AmountUsed.BaseUnit.IsZero())
	require.True(t, p.CanClose())
}

func TestLedgerOperationsRejectBadAmounts(t *testing.T) {
	client, err := NewClient(types.PlatformSolend, nil, fixedPrices("1.0"))
	require.NoError(t, err)
	p := newLedgerPosition(t, types.PlatformSolend)

	require.ErrorIs(t, client.Deposit(p, sdkmath.ZeroInt()), ErrInvalidAmount)
	require.ErrorIs(t, client.Borrow(p, sdkmath.NewInt(-1)), ErrInvalidAmount)
	require.ErrorIs(t, client.Withdraw(p, sdkmath.Int{}), ErrInvalidAmount)
}

func TestValidateRejectsStaleState(t *testing.T) {
	client, err := NewClient(types.PlatformMarginfi, nil, fixedPrices("1.0"))
	require.NoError(t, err)
	p := newLedgerPosition(t, types.PlatformMarginfi)

	require.ErrorIs(t, client.Validate(context.Background(), p), types.ErrStaleProtocolData)

	p.State.LastRefreshed = time.Now().Add(-10 * time.Minute).Unix()
	require.ErrorIs(t, client.Validate(context.Background(), p), types.ErrStaleProtocolData)
}
