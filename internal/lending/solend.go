/*

This file contains the Solend client. Solend positions rebalance with the
regular two-instruction pattern only; the flash-loan sandwich is unavailable
here.

*/

package lending

import (
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solauto-labs/rebalancer/internal/types"
)

var solendProgramID = solana.MustPublicKeyFromBase58("So1endDq2YkqhipRh3WViPa8hdiSpxWy6z3Z6tMCpAo")

type solendClient struct {
	baseClient
}

func newSolendClient(rpcClient *rpc.Client, prices PriceSource) *solendClient {
	return &solendClient{baseClient{rpc: rpcClient, prices: prices}}
}

func (c *solendClient) Platform() types.LendingPlatform { return types.PlatformSolend }
func (c *solendClient) ProgramID() solana.PublicKey     { return solendProgramID }
func (c *solendClient) SupportsFlashLoans() bool        { return false }

func (c *solendClient) Validate(ctx context.Context, p *types.SolautoPosition) error {
	if err := c.validateAccount(ctx, p.ProtocolAccount, solendProgramID); err != nil {
		return err
	}
	return c.validateFreshness(p)
}

func (c *solendClient) RefreshState(ctx context.Context, p *types.SolautoPosition) error {
	return c.refreshPrices(ctx, p)
}

func (c *solendClient) Deposit(p *types.SolautoPosition, amount sdkmath.Int) error {
	return c.deposit(p, amount)
}

func (c *solendClient) Borrow(p *types.SolautoPosition, amount sdkmath.Int) error {
	return c.borrow(p, amount)
}

func (c *solendClient) Withdraw(p *types.SolautoPosition, amount sdkmath.Int) error {
	return c.withdraw(p, amount)
}

func (c *solendClient) Repay(p *types.SolautoPosition, amount sdkmath.Int) error {
	return c.repay(p, amount)
}
