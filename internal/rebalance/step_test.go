package rebalance

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/solauto-labs/rebalancer/internal/types"
)

// fakeTxContext is an in-memory TransactionContext over a fixed instruction
// list.
type fakeTxContext struct {
	instructions []*InstructionDescriptor
	current      int
	stackHeight  int
}

func (f *fakeTxContext) CurrentIndex() (int, error) { return f.current, nil }

func (f *fakeTxContext) InstructionAt(index int) (*InstructionDescriptor, error) {
	if index < 0 || index >= len(f.instructions) {
		return nil, nil
	}
	return f.instructions[index], nil
}

func (f *fakeTxContext) CurrentStackHeight() int {
	if f.stackHeight == 0 {
		return 1
	}
	return f.stackHeight
}

func rebalanceIx() *InstructionDescriptor {
	return &InstructionDescriptor{
		ProgramID: SolautoProgramID,
		Data:      rebalanceDiscriminator[:],
	}
}

func swapIx(destination solana.PublicKey, platformFeeBps byte) *InstructionDescriptor {
	data := append([]byte{}, jupRouteWithTokenLedgerDiscriminator[:]...)
	data = append(data, 0, 0, 0, platformFeeBps)
	return &InstructionDescriptor{
		ProgramID: JupiterV6ProgramID,
		Data:      data,
		Accounts: []solana.PublicKey{
			solana.TokenProgramID,
			solana.NewWallet().PublicKey(),
			solana.NewWallet().PublicKey(),
			destination,
		},
	}
}

func flBeginIx() *InstructionDescriptor {
	return &InstructionDescriptor{ProgramID: MarginfiProgramID, Data: marginfiFlashLoanBeginDiscriminator[:]}
}

func flEndIx() *InstructionDescriptor {
	return &InstructionDescriptor{ProgramID: MarginfiProgramID, Data: marginfiFlashLoanEndDiscriminator[:]}
}

func TestGetRebalanceStepRegularPattern(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	ctx := &fakeTxContext{
		instructions: []*InstructionDescriptor{
			rebalanceIx(), swapIx(destination, 0), rebalanceIx(),
		},
	}
	expected := []solana.PublicKey{destination}

	ctx.current = 0
	step, err := GetRebalanceStep(ctx, types.RebalanceRegular, expected)
	require.NoError(t, err)
	require.Equal(t, types.StepPreSwap, step)

	ctx.current = 2
	step, err = GetRebalanceStep(ctx, types.RebalanceRegular, expected)
	require.NoError(t, err)
	require.Equal(t, types.StepPostSwap, step)
}

func TestGetRebalanceStepFlashLoanSandwich(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	ctx := &fakeTxContext{
		instructions: []*InstructionDescriptor{
			flBeginIx(), rebalanceIx(), swapIx(destination, 0), rebalanceIx(), flEndIx(),
		},
	}
	expected := []solana.PublicKey{destination}

	ctx.current = 1
	step, err := GetRebalanceStep(ctx, types.RebalanceDoubleWithFL, expected)
	require.NoError(t, err)
	require.Equal(t, types.StepPreSwap, step)

	ctx.current = 3
	step, err = GetRebalanceStep(ctx, types.RebalanceDoubleWithFL, expected)
	require.NoError(t, err)
	require.Equal(t, types.StepPostSwap, step)
}

func TestGetRebalanceStepSandwichMissingFlashLoanEnd(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	ctx := &fakeTxContext{
		instructions: []*InstructionDescriptor{
			flBeginIx(), rebalanceIx(), swapIx(destination, 0), rebalanceIx(),
		},
		current: 1,
	}
	_, err := GetRebalanceStep(ctx, types.RebalanceDoubleWithFL, []solana.PublicKey{destination})
	require.ErrorIs(t, err, types.ErrIncorrectInstructions)
}

func TestGetRebalanceStepFLSwapThenRebalance(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	ctx := &fakeTxContext{
		instructions: []*InstructionDescriptor{
			flBeginIx(), swapIx(destination, 0), rebalanceIx(), flEndIx(),
		},
		current: 2,
	}
	step, err := GetRebalanceStep(ctx, types.RebalanceFLSwapThenRebalance, []solana.PublicKey{destination})
	require.NoError(t, err)
	require.Equal(t, types.StepPostSwap, step)
}

func TestGetRebalanceStepFLRebalanceThenSwap(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	ctx := &fakeTxContext{
		instructions: []*InstructionDescriptor{
			flBeginIx(), rebalanceIx(), swapIx(destination, 0), flEndIx(),
		},
		current: 1,
	}
	step, err := GetRebalanceStep(ctx, types.RebalanceFLRebalanceThenSwap, []solana.PublicKey{destination})
	require.NoError(t, err)
	require.Equal(t, types.StepPreSwap, step)
}

func TestGetRebalanceStepRejectsThreeRebalances(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	ctx := &fakeTxContext{
		instructions: []*InstructionDescriptor{
			rebalanceIx(), swapIx(destination, 0), rebalanceIx(), rebalanceIx(),
		},
		current: 0,
	}
	_, err := GetRebalanceStep(ctx, types.RebalanceRegular, []solana.PublicKey{destination})
	require.ErrorIs(t, err, types.ErrRebalanceAbuse)
}

func TestGetRebalanceStepRejectsCPI(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	ctx := &fakeTxContext{
		instructions: []*InstructionDescriptor{rebalanceIx(), swapIx(destination, 0), rebalanceIx()},
		current:      0,
		stackHeight:  2,
	}
	_, err := GetRebalanceStep(ctx, types.RebalanceRegular, []solana.PublicKey{destination})
	require.ErrorIs(t, err, types.ErrInstructionIsCPI)
}

func TestGetRebalanceStepRejectsForeignCurrentInstruction(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	ctx := &fakeTxContext{
		instructions: []*InstructionDescriptor{swapIx(destination, 0), rebalanceIx()},
		current:      0,
	}
	_, err := GetRebalanceStep(ctx, types.RebalanceRegular, []solana.PublicKey{destination})
	require.ErrorIs(t, err, types.ErrInstructionIsCPI)
}

func TestValidateSwapInstructionRejectsPlatformFee(t *testing.T) {
	destination := solana.NewWallet().PublicKey()
	checker := NewInstructionChecker()

	err := checker.ValidateSwapInstruction(swapIx(destination, 5), []solana.PublicKey{destination})
	require.ErrorIs(t, err, types.ErrIncorrectInstructions)
}

func TestValidateSwapInstructionRejectsWrongDestination(t *testing.T) {
	checker := NewInstructionChecker()
	attacker := solana.NewWallet().PublicKey()
	expected := solana.NewWallet().PublicKey()

	err := checker.ValidateSwapInstruction(swapIx(attacker, 0), []solana.PublicKey{expected})
	require.ErrorIs(t, err, types.ErrIncorrectAccounts)
}

func TestValidateSwapInstructionRejectsUnknownDiscriminator(t *testing.T) {
	checker := NewInstructionChecker()
	destination := solana.NewWallet().PublicKey()

	bogus := swapIx(destination, 0)
	bogus.Data[0] ^= 0xff
	err := checker.ValidateSwapInstruction(bogus, []solana.PublicKey{destination})
	require.ErrorIs(t, err, types.ErrIncorrectInstructions)
}

func TestBuildRebalanceSequencePatterns(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	source := solana.NewWallet().PublicKey()
	destination := solana.NewWallet().PublicKey()

	cases := []struct {
		name          string
		rebalanceType types.RebalanceType
		expected      []types.RebalanceStep
	}{
		{"regular", types.RebalanceRegular,
			[]types.RebalanceStep{types.StepPreSwap, types.StepPostSwap}},
		{"flash loan sandwich", types.RebalanceDoubleWithFL,
			[]types.RebalanceStep{types.StepPreSwap, types.StepPostSwap}},
		{"swap then rebalance", types.RebalanceFLSwapThenRebalance,
			[]types.RebalanceStep{types.StepPostSwap}},
		{"rebalance then swap", types.RebalanceFLRebalanceThenSwap,
			[]types.RebalanceStep{types.StepPreSwap}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sequence, err := BuildRebalanceSequence(tc.rebalanceType, authority, source, destination)
			require.NoError(t, err)
			require.Len(t, sequence.RebalanceIndices, len(tc.expected))

			// Every planned rebalance slot must classify to the step the
			// executor will run it as.
			for i, index := range sequence.RebalanceIndices {
				sequence.SetCurrent(index)
				step, err := GetRebalanceStep(sequence, tc.rebalanceType, []solana.PublicKey{destination})
				require.NoError(t, err)
				require.Equal(t, tc.expected[i], step)
			}
		})
	}
}

func TestBuildRebalanceSequenceRejectsUnknownType(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	_, err := BuildRebalanceSequence(types.RebalanceType(99), wallet, wallet, wallet)
	require.ErrorIs(t, err, types.ErrIncorrectInstructions)
}
