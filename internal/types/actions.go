/*

This file contains the abstract protocol actions the rebalancer compiles. The
rebalancer never moves funds itself: it emits an ordered action list which the
instruction-dispatch layer executes against the lending venue and the token
program.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
)

// ActionType defines the specific low-level operations.
type ActionType string

const (
	ActionBorrow   ActionType = "BORROW"
	ActionRepay    ActionType = "REPAY"
	ActionDeposit  ActionType = "DEPOSIT"
	ActionWithdraw ActionType = "WITHDRAW"
	ActionTransfer ActionType = "TRANSFER" // SPL token transfer between token accounts
)

// Action represents a single, executable step in a rebalance.
type Action struct {
	Type   ActionType  `json:"type"`
	Amount sdkmath.Int `json:"amount"`

	// All marks a repay-all or withdraw-all; Amount is ignored by the
	// dispatch layer when set.
	All bool `json:"all,omitempty"`

	// Fields for TRANSFER
	Mint solana.PublicKey `json:"mint,omitempty"`
	From solana.PublicKey `json:"from,omitempty"`
	To   solana.PublicKey `json:"to,omitempty"`
}

// ActionReceipt records the outcome of one executed action for the state
// layer.
type ActionReceipt struct {
	ReceiptID      int64       `json:"receipt_id,omitempty"` // Auto-incremented by DB
	OriginalAction Action      `json:"original_action"`
	Success        bool        `json:"success"`
	Message        string      `json:"message,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	AmountMoved    sdkmath.Int `json:"amount_moved,omitempty"`
}
