/*
This file contains common utility functions for converting between base-unit
token amounts, USD values and basis points, with strict validation so that
bad inputs fail before any position math runs.
*/

package utils

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidDecimals = errors.New("token decimals are invalid")
	ErrAmountNil       = errors.New("amount is nil")
	ErrAmountNegative  = errors.New("amount is negative")
	ErrPriceNil        = errors.New("price is nil")
	ErrPriceNegative   = errors.New("price is negative")
	ErrBpsOutOfRange   = errors.New("basis points out of range")
)

const MaxBps = 10_000

// DecimalFactor returns 10^decimals as a fixed-point decimal.
func DecimalFactor(decimals uint8) (sdkmath.LegacyDec, error) {
	if decimals > 18 {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: %d (must be between 0 and 18)", ErrInvalidDecimals, decimals)
	}
	factor := sdkmath.LegacyNewDec(1)
	for i := uint8(0); i < decimals; i++ {
		factor = factor.Mul(sdkmath.LegacyNewDec(10))
	}
	return factor, nil
}

// BaseUnitToUsd converts a base-unit token amount to its USD value using the
// supplied market price.
func BaseUnitToUsd(amount sdkmath.Int, decimals uint8, priceUsd sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	if amount.IsNil() {
		return sdkmath.LegacyZeroDec(), ErrAmountNil
	}
	if amount.IsNegative() {
		return sdkmath.LegacyZeroDec(), ErrAmountNegative
	}
	if priceUsd.IsNil() {
		return sdkmath.LegacyZeroDec(), ErrPriceNil
	}
	if priceUsd.IsNegative() {
		return sdkmath.LegacyZeroDec(), ErrPriceNegative
	}
	factor, err := DecimalFactor(decimals)
	if err != nil {
		return sdkmath.LegacyZeroDec(), err
	}
	return sdkmath.LegacyNewDecFromInt(amount).Quo(factor).Mul(priceUsd), nil
}

// UsdToBaseUnit converts a USD value into base units of the token, truncating
// toward zero. The truncation direction is deliberate: the engine never pulls
// more than the USD amount it solved for.
func UsdToBaseUnit(usdValue sdkmath.LegacyDec, decimals uint8, priceUsd sdkmath.LegacyDec) (sdkmath.Int, error) {
	if usdValue.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if usdValue.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	if priceUsd.IsNil() {
		return sdkmath.ZeroInt(), ErrPriceNil
	}
	if priceUsd.IsNil() || !priceUsd.IsPositive() {
		return sdkmath.ZeroInt(), ErrPriceNegative
	}
	factor, err := DecimalFactor(decimals)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return usdValue.Quo(priceUsd).Mul(factor).TruncateInt(), nil
}

// FromBps converts basis points to a decimal rate (10000 bps = 1.0).
func FromBps(bps uint64) sdkmath.LegacyDec {
	return sdkmath.LegacyNewDec(int64(bps)).Quo(sdkmath.LegacyNewDec(MaxBps))
}

// ToBps converts a decimal rate to basis points, truncating toward zero.
func ToBps(rate sdkmath.LegacyDec) uint64 {
	if rate.IsNil() || rate.IsNegative() {
		return 0
	}
	return rate.Mul(sdkmath.LegacyNewDec(MaxBps)).TruncateInt().Uint64()
}

// ApplyBps returns amount * bps / 10000, truncated.
func ApplyBps(amount sdkmath.Int, bps uint64) (sdkmath.Int, error) {
	if amount.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if bps > MaxBps {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d", ErrBpsOutOfRange, bps)
	}
	return amount.Mul(sdkmath.NewIntFromUint64(bps)).Quo(sdkmath.NewInt(MaxBps)), nil
}

// ApplyBpsCeil returns amount * bps / 10000, rounded up. Used for flash loan
// fees where the lender rounds in its own favour.
func ApplyBpsCeil(amount sdkmath.Int, bps uint64) (sdkmath.Int, error) {
	if amount.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if bps > MaxBps {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d", ErrBpsOutOfRange, bps)
	}
	num := amount.Mul(sdkmath.NewIntFromUint64(bps))
	den := sdkmath.NewInt(MaxBps)
	q := num.Quo(den)
	if !num.Mod(den).IsZero() {
		q = q.Add(sdkmath.OneInt())
	}
	return q, nil
}
