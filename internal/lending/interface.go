/*

This file contains the lending platform abstraction. Positions live on one of
a closed set of supported lending protocols; each platform client exposes the
same ledger operations plus platform capabilities (flash loan support), so the
rebalancer and keeper never branch on the platform themselves.

*/

package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solauto-labs/rebalancer/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrUnsupportedPlatform = errors.New("lending platform is not supported")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAccountNotFound     = errors.New("protocol account not found on chain")
	ErrWrongAccountOwner   = errors.New("protocol account is owned by the wrong program")
	ErrPriceUnavailable    = errors.New("price source returned no price")
)

// maxStateAge bounds how old a position's refreshed state may be before
// operations refuse to act on it.
const maxStateAge = 3 * time.Minute

// PriceSource supplies USD prices per mint. The keeper wires a live oracle
// feed; tests wire a fixture.
type PriceSource interface {
	Price(ctx context.Context, mint solana.PublicKey) (sdkmath.LegacyDec, error)
}

// PriceSourceFunc adapts a function to the PriceSource interface.
type PriceSourceFunc func(ctx context.Context, mint solana.PublicKey) (sdkmath.LegacyDec, error)

func (f PriceSourceFunc) Price(ctx context.Context, mint solana.PublicKey) (sdkmath.LegacyDec, error) {
	return f(ctx, mint)
}

// Client is the per-platform ledger interface.
type Client interface {
	// Platform identifies which protocol this client talks to.
	Platform() types.LendingPlatform

	// ProgramID is the on-chain program of the protocol.
	ProgramID() solana.PublicKey

	// SupportsFlashLoans reports whether the protocol can bracket a
	// rebalance with a same-transaction flash loan.
	SupportsFlashLoans() bool

	// Validate checks that the position's protocol account exists and is
	// owned by this protocol, and that the refreshed state is not stale.
	Validate(ctx context.Context, p *types.SolautoPosition) error

	// RefreshState pulls current prices and protocol parameters into the
	// position's fixed-point ledger and recomputes the derived rate.
	RefreshState(ctx context.Context, p *types.SolautoPosition) error

	// Deposit adds supply collateral to the position.
	Deposit(p *types.SolautoPosition, amount sdkmath.Int) error

	// Borrow draws debt against the position's collateral.
	Borrow(p *types.SolautoPosition, amount sdkmath.Int) error

	// Withdraw removes supply collateral from the position.
	Withdraw(p *types.SolautoPosition, amount sdkmath.Int) error

	// Repay pays down the position's debt.
	Repay(p *types.SolautoPosition, amount sdkmath.Int) error
}

// NewClient constructs the client for a platform. The platform set is closed;
// anything unknown is rejected rather than defaulted.
func NewClient(platform types.LendingPlatform, rpcClient *rpc.Client, prices PriceSource) (Client, error) {
	switch platform {
	case types.PlatformMarginfi:
		return newMarginfiClient(rpcClient, prices), nil
	case types.PlatformSolend:
		return newSolendClient(rpcClient, prices), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPlatform, platform)
	}
}

// baseClient carries the ledger plumbing shared by every platform.
type baseClient struct {
	rpc    *rpc.Client
	prices PriceSource
}

func (b *baseClient) validateAccount(ctx context.Context, account, programID solana.PublicKey) error {
	if b.rpc == nil {
		// Offline mode: ledger-only operation, used by tests and dry runs.
		return nil
	}
	info, err := b.rpc.GetAccountInfo(ctx, account)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	}
	if info == nil || info.Value == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	if !info.Value.Owner.Equals(programID) {
		return fmt.Errorf("%w: %s owned by %s", ErrWrongAccountOwner, account, info.Value.Owner)
	}
	return nil
}

func (b *baseClient) validateFreshness(p *types.SolautoPosition) error {
	if p.State.LastRefreshed == 0 {
		return fmt.Errorf("%w: position %d has never been refreshed", types.ErrStaleProtocolData, p.ID)
	}
	age := time.Since(time.Unix(p.State.LastRefreshed, 0))
	if age > maxStateAge {
		return fmt.Errorf("%w: position %d state is %s old", types.ErrStaleProtocolData, p.ID, age.Truncate(time.Second))
	}
	return nil
}

func (b *baseClient) refreshPrices(ctx context.Context, p *types.SolautoPosition) error {
	if b.prices == nil {
		return fmt.Errorf("%w: no price source configured", ErrPriceUnavailable)
	}
	for _, leg := range []*types.PositionTokenState{&p.State.Supply, &p.State.Debt} {
		price, err := b.prices.Price(ctx, leg.Mint)
		if err != nil {
			return fmt.Errorf("%w: mint %s: %v", ErrPriceUnavailable, leg.Mint, err)
		}
		if err := leg.UpdateMarketPrice(price); err != nil {
			return err
		}
	}
	p.State.Refresh()
	p.State.LastRefreshed = time.Now().Unix()
	return nil
}

func (b *baseClient) deposit(p *types.SolautoPosition, amount sdkmath.Int) error {
	if err := positiveAmount(amount); err != nil {
		return err
	}
	if err := p.State.Supply.UpdateUsage(amount); err != nil {
		return err
	}
	p.State.Refresh()
	return nil
}

func (b *baseClient) borrow(p *types.SolautoPosition, amount sdkmath.Int) error {
	if err := positiveAmount(amount); err != nil {
		return err
	}
	if err := p.State.Debt.UpdateUsage(amount); err != nil {
		return err
	}
	p.State.Refresh()
	return nil
}

func (b *baseClient) withdraw(p *types.SolautoPosition, amount sdkmath.Int) error {
	if err := positiveAmount(amount); err != nil {
		return err
	}
	if err := p.State.Supply.UpdateUsage(amount.Neg()); err != nil {
		return err
	}
	p.State.Refresh()
	return nil
}

func (b *baseClient) repay(p *types.SolautoPosition, amount sdkmath.Int) error {
	if err := positiveAmount(amount); err != nil {
		return err
	}
	if err := p.State.Debt.UpdateUsage(amount.Neg()); err != nil {
		return err
	}
	p.State.Refresh()
	return nil
}

func positiveAmount(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
