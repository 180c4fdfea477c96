/*

This file contains the Marginfi client. Marginfi is the only supported
platform with flash loans, which is why the double-with-flash-loan rebalance
patterns are Marginfi-specific.

*/

package lending

import (
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solauto-labs/rebalancer/internal/types"
)

var marginfiProgramID = solana.MustPublicKeyFromBase58("MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA")

type marginfiClient struct {
	baseClient
}

func newMarginfiClient(rpcClient *rpc.Client, prices PriceSource) *marginfiClient {
	return &marginfiClient{baseClient{rpc: rpcClient, prices: prices}}
}

func (c *marginfiClient) Platform() types.LendingPlatform { return types.PlatformMarginfi }
func (c *marginfiClient) ProgramID() solana.PublicKey     { return marginfiProgramID }
func (c *marginfiClient) SupportsFlashLoans() bool        { return true }

func (c *marginfiClient) Validate(ctx context.Context, p *types.SolautoPosition) error {
	if err := c.validateAccount(ctx, p.ProtocolAccount, marginfiProgramID); err != nil {
		return err
	}
	return c.validateFreshness(p)
}

func (c *marginfiClient) RefreshState(ctx context.Context, p *types.SolautoPosition) error {
	return c.refreshPrices(ctx, p)
}

func (c *marginfiClient) Deposit(p *types.SolautoPosition, amount sdkmath.Int) error {
	return c.deposit(p, amount)
}

func (c *marginfiClient) Borrow(p *types.SolautoPosition, amount sdkmath.Int) error {
	return c.borrow(p, amount)
}

func (c *marginfiClient) Withdraw(p *types.SolautoPosition, amount sdkmath.Int) error {
	return c.withdraw(p, amount)
}

func (c *marginfiClient) Repay(p *types.SolautoPosition, amount sdkmath.Int) error {
	return c.repay(p, amount)
}
