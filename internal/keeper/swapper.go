/*

This file contains the oracle-price swap executor used outside live mode. It
settles swaps at oracle prices minus a fixed haircut, which is enough for
dry runs and tests; live mode swaps through the aggregator instead.

*/

package keeper

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"

	"github.com/solauto-labs/rebalancer/internal/lending"
	"github.com/solauto-labs/rebalancer/internal/types"
	"github.com/solauto-labs/rebalancer/internal/utils"
)

// OraclePriceSwapper settles swaps at oracle prices with a haircut.
type OraclePriceSwapper struct {
	Prices     lending.PriceSource
	Decimals   map[solana.PublicKey]uint8
	HaircutBps uint64
}

// Swap converts amountIn of inMint into outMint at oracle prices, charging
// HaircutBps to stand in for real execution slippage.
func (s *OraclePriceSwapper) Swap(ctx context.Context, inMint, outMint solana.PublicKey, amountIn sdkmath.Int) (types.TokenAmount, error) {
	inDecimals, ok := s.Decimals[inMint]
	if !ok {
		return types.TokenAmount{}, fmt.Errorf("no decimals registered for mint %s", inMint)
	}
	outDecimals, ok := s.Decimals[outMint]
	if !ok {
		return types.TokenAmount{}, fmt.Errorf("no decimals registered for mint %s", outMint)
	}

	inPrice, err := s.Prices.Price(ctx, inMint)
	if err != nil {
		return types.TokenAmount{}, err
	}
	outPrice, err := s.Prices.Price(ctx, outMint)
	if err != nil {
		return types.TokenAmount{}, err
	}

	usdIn, err := utils.BaseUnitToUsd(amountIn, inDecimals, inPrice)
	if err != nil {
		return types.TokenAmount{}, err
	}
	usdOut := usdIn.Mul(sdkmath.LegacyOneDec().Sub(utils.FromBps(s.HaircutBps)))

	baseOut, err := utils.UsdToBaseUnit(usdOut, outDecimals, outPrice)
	if err != nil {
		return types.TokenAmount{}, err
	}
	return types.TokenAmount{BaseUnit: baseOut, UsdValue: usdOut}, nil
}
