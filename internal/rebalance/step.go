/*

This file contains the instruction-sequence classifier. Given that the current
instruction is a rebalance, it inspects the sibling instructions of the same
atomic transaction (through an injected read-only context, so the logic is
unit-testable with synthetic instruction lists) to decide which phase of which
multi-instruction pattern is executing, and rejects malformed or abusive
sequences outright.

*/

package rebalance

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/solauto-labs/rebalancer/internal/types"
)

// Program identities the classifier matches against.
var (
	SolautoProgramID  = solana.MustPublicKeyFromBase58("AutoyKBRaHSBHy9RsmXCZMy6nNFAg5FYijrvZyQcNLV")
	JupiterV6ProgramID = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	MarginfiProgramID = solana.MustPublicKeyFromBase58("MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA")
)

// Anchor-style 8-byte instruction discriminators.
var (
	rebalanceDiscriminator = [8]byte{0x5c, 0xa5, 0x12, 0xe9, 0x4c, 0x3d, 0x8b, 0x21}

	marginfiFlashLoanBeginDiscriminator = [8]byte{0x10, 0x9e, 0x93, 0xab, 0x3f, 0x5c, 0x22, 0xd0}
	marginfiFlashLoanEndDiscriminator   = [8]byte{0x69, 0x7b, 0x5f, 0x10, 0x84, 0xc1, 0x43, 0x3e}

	jupRouteWithTokenLedgerDiscriminator               = [8]byte{0x96, 0x56, 0x4b, 0x6d, 0x87, 0x5a, 0xef, 0x52}
	jupSharedAccountsRouteWithTokenLedgerDiscriminator = [8]byte{0xe6, 0x79, 0x8f, 0x50, 0x77, 0x9f, 0x6a, 0xaa}
)

// Destination token account positions within the whitelisted swap variants.
const (
	jupRouteDestinationAccountIndex               = 3
	jupSharedAccountsRouteDestinationAccountIndex = 6
)

// InstructionDescriptor identifies one sibling instruction of the current
// transaction: its program, raw data (discriminator-prefixed) and account
// keys. The concrete wire inspection lives behind TransactionContext.
type InstructionDescriptor struct {
	ProgramID solana.PublicKey
	Data      []byte
	Accounts  []solana.PublicKey
}

// Discriminator returns the leading 8 bytes of the instruction data.
func (d InstructionDescriptor) Discriminator() [8]byte {
	var disc [8]byte
	copy(disc[:], d.Data)
	return disc
}

// TransactionContext is the read-only view of the surrounding transaction the
// classifier operates on.
type TransactionContext interface {
	// CurrentIndex is the position of the executing instruction.
	CurrentIndex() (int, error)
	// InstructionAt returns the descriptor at the given absolute index, or
	// nil when the index is outside the transaction.
	InstructionAt(index int) (*InstructionDescriptor, error)
	// CurrentStackHeight is 1 for a top-level instruction; anything deeper is
	// a cross-program invocation.
	CurrentStackHeight() int
}

// InstructionChecker matches sibling instructions against the known opcode
// set.
type InstructionChecker struct {
	ProgramID solana.PublicKey
}

func NewInstructionChecker() InstructionChecker {
	return InstructionChecker{ProgramID: SolautoProgramID}
}

// IsRebalance reports whether the descriptor is a rebalance instruction of
// this program.
func (c InstructionChecker) IsRebalance(d *InstructionDescriptor) bool {
	return d != nil && d.ProgramID.Equals(c.ProgramID) && d.Discriminator() == rebalanceDiscriminator
}

// IsSwap reports whether the descriptor is one of the whitelisted aggregator
// swap opcodes, matched by discriminator only.
func (c InstructionChecker) IsSwap(d *InstructionDescriptor) bool {
	if d == nil || !d.ProgramID.Equals(JupiterV6ProgramID) {
		return false
	}
	disc := d.Discriminator()
	return disc == jupRouteWithTokenLedgerDiscriminator ||
		disc == jupSharedAccountsRouteWithTokenLedgerDiscriminator
}

// IsFlashLoanBegin reports whether the descriptor starts a flash loan.
func (c InstructionChecker) IsFlashLoanBegin(d *InstructionDescriptor) bool {
	return d != nil && d.ProgramID.Equals(MarginfiProgramID) && d.Discriminator() == marginfiFlashLoanBeginDiscriminator
}

// IsFlashLoanEnd reports whether the descriptor ends a flash loan.
func (c InstructionChecker) IsFlashLoanEnd(d *InstructionDescriptor) bool {
	return d != nil && d.ProgramID.Equals(MarginfiProgramID) && d.Discriminator() == marginfiFlashLoanEndDiscriminator
}

// ValidateSwapInstruction runs the anti-abuse checks that need more than the
// discriminator: the aggregator platform fee must be exactly zero, and the
// swap's destination token account must be one of the expected position or
// authority accounts, closing the fund-diversion hole.
func (c InstructionChecker) ValidateSwapInstruction(d *InstructionDescriptor, expectedDestinations []solana.PublicKey) error {
	if !c.IsSwap(d) {
		return fmt.Errorf("%w: adjacent instruction is not a whitelisted swap", types.ErrIncorrectInstructions)
	}
	if len(d.Data) < 9 {
		return fmt.Errorf("%w: swap instruction data too short", types.ErrIncorrectInstructions)
	}
	// The aggregator serializes platform_fee_bps as the final byte of the
	// route arguments.
	if platformFeeBps := d.Data[len(d.Data)-1]; platformFeeBps != 0 {
		return fmt.Errorf("%w: swap platform fee must be zero, got %d bps", types.ErrIncorrectInstructions, platformFeeBps)
	}

	destIndex := jupRouteDestinationAccountIndex
	if d.Discriminator() == jupSharedAccountsRouteWithTokenLedgerDiscriminator {
		destIndex = jupSharedAccountsRouteDestinationAccountIndex
	}
	if destIndex >= len(d.Accounts) {
		return fmt.Errorf("%w: swap instruction missing destination account", types.ErrIncorrectInstructions)
	}
	destination := d.Accounts[destIndex]
	for _, expected := range expectedDestinations {
		if destination.Equals(expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: swap destination %s is not an expected position account", types.ErrIncorrectAccounts, destination)
}

// GetRebalanceStep classifies which phase of which rebalance pattern the
// current instruction is, validating the surrounding sequence. Every failure
// is fatal for the transaction; there is no retry path here.
func GetRebalanceStep(
	ctx TransactionContext,
	rebalanceType types.RebalanceType,
	expectedSwapDestinations []solana.PublicKey,
) (types.RebalanceStep, error) {
	checker := NewInstructionChecker()

	if ctx.CurrentStackHeight() > 1 {
		return 0, fmt.Errorf("%w: stack height %d", types.ErrInstructionIsCPI, ctx.CurrentStackHeight())
	}
	currentIndex, err := ctx.CurrentIndex()
	if err != nil {
		return 0, err
	}
	current, err := ctx.InstructionAt(currentIndex)
	if err != nil {
		return 0, err
	}
	if !checker.IsRebalance(current) {
		return 0, fmt.Errorf("%w: current instruction is not a rebalance of this program", types.ErrInstructionIsCPI)
	}

	// Collect the absolute indices of every sibling rebalance instruction.
	var rebalanceIndices []int
	for i := 0; ; i++ {
		descriptor, err := ctx.InstructionAt(i)
		if err != nil {
			return 0, err
		}
		if descriptor == nil {
			break
		}
		if checker.IsRebalance(descriptor) {
			rebalanceIndices = append(rebalanceIndices, i)
		}
	}
	// Caps exposure to repeated rebalance-for-profit within one transaction.
	if len(rebalanceIndices) > 2 {
		return 0, fmt.Errorf("%w: %d rebalance instructions in one transaction", types.ErrRebalanceAbuse, len(rebalanceIndices))
	}

	switch rebalanceType {
	case types.RebalanceFLRebalanceThenSwap:
		// Single instruction that finishes inline; pattern carried by the
		// instruction arguments rather than the sibling layout.
		if len(rebalanceIndices) != 1 {
			return 0, fmt.Errorf("%w: rebalance-then-swap expects a single rebalance instruction", types.ErrIncorrectInstructions)
		}
		return types.StepPreSwap, nil

	case types.RebalanceFLSwapThenRebalance:
		if len(rebalanceIndices) != 1 {
			return 0, fmt.Errorf("%w: swap-then-rebalance expects a single rebalance instruction", types.ErrIncorrectInstructions)
		}
		swap, err := nearestSwapBefore(ctx, checker, currentIndex)
		if err != nil {
			return 0, err
		}
		if err := checker.ValidateSwapInstruction(swap, expectedSwapDestinations); err != nil {
			return 0, err
		}
		return types.StepPostSwap, nil

	case types.RebalanceRegular, types.RebalanceDoubleWithFL:
		if len(rebalanceIndices) != 2 {
			return 0, fmt.Errorf("%w: expected exactly 2 rebalance instructions, found %d", types.ErrIncorrectInstructions, len(rebalanceIndices))
		}
		withFlashLoan := rebalanceType == types.RebalanceDoubleWithFL
		if currentIndex == rebalanceIndices[0] {
			return types.StepPreSwap, validatePreSwapNeighborhood(
				ctx, checker, currentIndex, rebalanceIndices[1], withFlashLoan, expectedSwapDestinations)
		}
		return types.StepPostSwap, validatePostSwapNeighborhood(
			ctx, checker, currentIndex, rebalanceIndices[0], withFlashLoan, expectedSwapDestinations)

	default:
		return 0, fmt.Errorf("%w: unknown rebalance type %d", types.ErrIncorrectInstructions, rebalanceType)
	}
}

// validatePreSwapNeighborhood checks the first-instruction side of the
// sandwich: swap immediately next, paired rebalance two slots later, and the
// flash-loan bracket when present.
func validatePreSwapNeighborhood(
	ctx TransactionContext,
	checker InstructionChecker,
	currentIndex, pairedIndex int,
	withFlashLoan bool,
	expectedSwapDestinations []solana.PublicKey,
) error {
	swap, err := ctx.InstructionAt(currentIndex + 1)
	if err != nil {
		return err
	}
	if err := checker.ValidateSwapInstruction(swap, expectedSwapDestinations); err != nil {
		return err
	}
	if pairedIndex != currentIndex+2 {
		return fmt.Errorf("%w: paired rebalance must follow two slots after, found at %d", types.ErrIncorrectInstructions, pairedIndex)
	}
	if withFlashLoan {
		begin, err := ctx.InstructionAt(currentIndex - 1)
		if err != nil {
			return err
		}
		if !checker.IsFlashLoanBegin(begin) {
			return fmt.Errorf("%w: flash loan must begin immediately before the rebalance", types.ErrIncorrectInstructions)
		}
		end, err := ctx.InstructionAt(currentIndex + 3)
		if err != nil {
			return err
		}
		if !checker.IsFlashLoanEnd(end) {
			return fmt.Errorf("%w: flash loan must end three slots after the rebalance", types.ErrIncorrectInstructions)
		}
	}
	return nil
}

// validatePostSwapNeighborhood is the mirror image for the second instruction
// of the sandwich.
func validatePostSwapNeighborhood(
	ctx TransactionContext,
	checker InstructionChecker,
	currentIndex, pairedIndex int,
	withFlashLoan bool,
	expectedSwapDestinations []solana.PublicKey,
) error {
	swap, err := ctx.InstructionAt(currentIndex - 1)
	if err != nil {
		return err
	}
	if err := checker.ValidateSwapInstruction(swap, expectedSwapDestinations); err != nil {
		return err
	}
	if pairedIndex != currentIndex-2 {
		return fmt.Errorf("%w: paired rebalance must precede two slots before, found at %d", types.ErrIncorrectInstructions, pairedIndex)
	}
	if withFlashLoan {
		begin, err := ctx.InstructionAt(currentIndex - 3)
		if err != nil {
			return err
		}
		if !checker.IsFlashLoanBegin(begin) {
			return fmt.Errorf("%w: flash loan must begin three slots before the rebalance", types.ErrIncorrectInstructions)
		}
		end, err := ctx.InstructionAt(currentIndex + 1)
		if err != nil {
			return err
		}
		if !checker.IsFlashLoanEnd(end) {
			return fmt.Errorf("%w: flash loan must end immediately after the rebalance", types.ErrIncorrectInstructions)
		}
	}
	return nil
}

// InstructionSequence is a planned transaction layout: an in-memory
// instruction list implementing TransactionContext so the classifier can be
// run over it before anything is submitted.
type InstructionSequence struct {
	Instructions []*InstructionDescriptor
	// RebalanceIndices are the absolute positions of the rebalance
	// instructions within the layout, in execution order.
	RebalanceIndices []int

	index int
}

// SetCurrent positions the context at the given absolute index.
func (s *InstructionSequence) SetCurrent(index int) { s.index = index }

func (s *InstructionSequence) CurrentIndex() (int, error) { return s.index, nil }

func (s *InstructionSequence) InstructionAt(index int) (*InstructionDescriptor, error) {
	if index < 0 || index >= len(s.Instructions) {
		return nil, nil
	}
	return s.Instructions[index], nil
}

func (s *InstructionSequence) CurrentStackHeight() int { return 1 }

// NewRebalanceInstruction builds the descriptor of a rebalance instruction of
// this program.
func NewRebalanceInstruction() *InstructionDescriptor {
	return &InstructionDescriptor{
		ProgramID: SolautoProgramID,
		Data:      rebalanceDiscriminator[:],
	}
}

// NewFlashLoanBeginInstruction builds the descriptor opening the flash loan
// bracket.
func NewFlashLoanBeginInstruction() *InstructionDescriptor {
	return &InstructionDescriptor{
		ProgramID: MarginfiProgramID,
		Data:      marginfiFlashLoanBeginDiscriminator[:],
	}
}

// NewFlashLoanEndInstruction builds the descriptor closing the flash loan
// bracket.
func NewFlashLoanEndInstruction() *InstructionDescriptor {
	return &InstructionDescriptor{
		ProgramID: MarginfiProgramID,
		Data:      marginfiFlashLoanEndDiscriminator[:],
	}
}

// NewJupiterSwapInstruction builds the descriptor of a route swap with a zero
// platform fee, moving the output into the given destination token account.
func NewJupiterSwapInstruction(authority, source, destination solana.PublicKey) *InstructionDescriptor {
	data := append([]byte{}, jupRouteWithTokenLedgerDiscriminator[:]...)
	// Minimal route arguments; the trailing byte is the platform fee.
	data = append(data, 0, 0, 0, 0)
	return &InstructionDescriptor{
		ProgramID: JupiterV6ProgramID,
		Data:      data,
		Accounts: []solana.PublicKey{
			solana.TokenProgramID,
			authority,
			source,
			destination,
		},
	}
}

// BuildRebalanceSequence compiles the sibling-instruction layout for the
// given pattern. The returned sequence is what the executor submits and what
// GetRebalanceStep is expected to accept at every rebalance slot.
func BuildRebalanceSequence(
	rebalanceType types.RebalanceType,
	authority, swapSource, swapDestination solana.PublicKey,
) (*InstructionSequence, error) {
	swap := NewJupiterSwapInstruction(authority, swapSource, swapDestination)

	switch rebalanceType {
	case types.RebalanceRegular:
		return &InstructionSequence{
			Instructions: []*InstructionDescriptor{
				NewRebalanceInstruction(), swap, NewRebalanceInstruction(),
			},
			RebalanceIndices: []int{0, 2},
		}, nil

	case types.RebalanceDoubleWithFL:
		return &InstructionSequence{
			Instructions: []*InstructionDescriptor{
				NewFlashLoanBeginInstruction(),
				NewRebalanceInstruction(), swap, NewRebalanceInstruction(),
				NewFlashLoanEndInstruction(),
			},
			RebalanceIndices: []int{1, 3},
		}, nil

	case types.RebalanceFLSwapThenRebalance:
		return &InstructionSequence{
			Instructions: []*InstructionDescriptor{
				NewFlashLoanBeginInstruction(), swap, NewRebalanceInstruction(),
				NewFlashLoanEndInstruction(),
			},
			RebalanceIndices: []int{2},
		}, nil

	case types.RebalanceFLRebalanceThenSwap:
		return &InstructionSequence{
			Instructions: []*InstructionDescriptor{
				NewFlashLoanBeginInstruction(), NewRebalanceInstruction(), swap,
				NewFlashLoanEndInstruction(),
			},
			RebalanceIndices: []int{1},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown rebalance type %d", types.ErrIncorrectInstructions, rebalanceType)
	}
}

func nearestSwapBefore(ctx TransactionContext, checker InstructionChecker, currentIndex int) (*InstructionDescriptor, error) {
	for i := currentIndex - 1; i >= 0; i-- {
		descriptor, err := ctx.InstructionAt(i)
		if err != nil {
			return nil, err
		}
		if checker.IsSwap(descriptor) {
			return descriptor, nil
		}
	}
	return nil, fmt.Errorf("%w: no swap instruction precedes the rebalance", types.ErrIncorrectInstructions)
}
