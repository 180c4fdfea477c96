/*

This file contains the fixed-point per-leg token ledger. Each leveraged
position carries one of these for the supply (collateral) leg and one for the
debt leg. USD caches are recomputed on every usage or price mutation and must
never be read stale after a mutation.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"

	"github.com/solauto-labs/rebalancer/internal/utils"
)

// ClampHook, when set, is invoked whenever UpdateUsage saturates a balance to
// zero instead of underflowing. Saturation is the defined policy for
// compatibility, but a silent clamp can mask an accounting error, so tests
// enable this hook to catch unexpected clamps.
var ClampHook func(mint solana.PublicKey, deficit sdkmath.Int)

// TokenAmount pairs a base-unit amount with its cached USD value.
type TokenAmount struct {
	BaseUnit sdkmath.Int       `json:"base_unit"`
	UsdValue sdkmath.LegacyDec `json:"usd_value"`
}

func ZeroTokenAmount() TokenAmount {
	return TokenAmount{BaseUnit: sdkmath.ZeroInt(), UsdValue: sdkmath.LegacyZeroDec()}
}

// PositionTokenState tracks one leg of a position.
type PositionTokenState struct {
	Mint            solana.PublicKey  `json:"mint"`
	Decimals        uint8             `json:"decimals"`
	AmountUsed      TokenAmount       `json:"amount_used"`
	AmountCanBeUsed TokenAmount       `json:"amount_can_be_used"`
	MarketPrice     sdkmath.LegacyDec `json:"market_price"`
	BorrowFeeBps    uint64            `json:"borrow_fee_bps"`
	FlashLoanFeeBps uint64            `json:"flash_loan_fee_bps"`
}

// NewPositionTokenState returns a zeroed leg for the given mint.
func NewPositionTokenState(mint solana.PublicKey, decimals uint8) PositionTokenState {
	return PositionTokenState{
		Mint:            mint,
		Decimals:        decimals,
		AmountUsed:      ZeroTokenAmount(),
		AmountCanBeUsed: ZeroTokenAmount(),
		MarketPrice:     sdkmath.LegacyZeroDec(),
	}
}

// UpdateUsage applies a signed base-unit delta to the leg. A positive delta
// adds the delta plus the borrow-fee surcharge to the amount used and reduces
// the amount still available; a negative delta releases usage. Underflow in
// either direction clamps to zero rather than faulting, and both USD caches
// are recomputed afterward with the currently cached market price.
func (t *PositionTokenState) UpdateUsage(delta sdkmath.Int) error {
	if delta.IsNil() {
		return utils.ErrAmountNil
	}
	if t.AmountUsed.BaseUnit.IsNil() {
		t.AmountUsed.BaseUnit = sdkmath.ZeroInt()
	}
	if t.AmountCanBeUsed.BaseUnit.IsNil() {
		t.AmountCanBeUsed.BaseUnit = sdkmath.ZeroInt()
	}

	if delta.IsPositive() {
		surcharge, err := utils.ApplyBps(delta, t.BorrowFeeBps)
		if err != nil {
			return err
		}
		t.AmountUsed.BaseUnit = t.AmountUsed.BaseUnit.Add(delta).Add(surcharge)
		t.AmountCanBeUsed.BaseUnit = saturatingSub(t.Mint, t.AmountCanBeUsed.BaseUnit, delta)
	} else if delta.IsNegative() {
		t.AmountUsed.BaseUnit = saturatingSub(t.Mint, t.AmountUsed.BaseUnit, delta.Neg())
	}

	return t.recomputeUsdCaches()
}

// UpdateMarketPrice overwrites the cached price and recomputes both USD caches.
func (t *PositionTokenState) UpdateMarketPrice(priceUsd sdkmath.LegacyDec) error {
	if priceUsd.IsNil() {
		return utils.ErrPriceNil
	}
	if priceUsd.IsNegative() {
		return utils.ErrPriceNegative
	}
	t.MarketPrice = priceUsd
	return t.recomputeUsdCaches()
}

func (t *PositionTokenState) recomputeUsdCaches() error {
	price := t.MarketPrice
	if price.IsNil() {
		price = sdkmath.LegacyZeroDec()
	}
	usedUsd, err := utils.BaseUnitToUsd(t.AmountUsed.BaseUnit, t.Decimals, price)
	if err != nil {
		return err
	}
	availUsd, err := utils.BaseUnitToUsd(t.AmountCanBeUsed.BaseUnit, t.Decimals, price)
	if err != nil {
		return err
	}
	t.AmountUsed.UsdValue = usedUsd
	t.AmountCanBeUsed.UsdValue = availUsd
	return nil
}

func saturatingSub(mint solana.PublicKey, a, b sdkmath.Int) sdkmath.Int {
	if a.LT(b) {
		if ClampHook != nil {
			ClampHook(mint, b.Sub(a))
		}
		return sdkmath.ZeroInt()
	}
	return a.Sub(b)
}
