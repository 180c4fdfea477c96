/*

This file defines the closed set of fatal conditions the rebalance engine can
raise. None of these are retried internally: every one aborts the surrounding
atomic transaction and the client resubmits with corrected parameters.

*/

package types

import "errors"

var (
	// Configuration errors, raised before any funds move.
	ErrInvalidSettings   = errors.New("invalid boost/repay settings")
	ErrInvalidAutomation = errors.New("invalid automation settings")

	// Eligibility errors.
	ErrInvalidRebalanceCondition = errors.New("position not eligible for rebalance")

	// Sequencing errors.
	ErrInstructionIsCPI      = errors.New("rebalance must be invoked as a top-level instruction")
	ErrIncorrectInstructions = errors.New("surrounding instructions do not match a recognized rebalance pattern")
	ErrRebalanceAbuse        = errors.New("too many rebalance instructions in one transaction")

	// Authorization errors.
	ErrUnauthorized = errors.New("signer not authorized for this operation")

	// Consistency errors. Last-line defense against a mis-sized rebalance.
	ErrIncorrectAccounts    = errors.New("provided accounts do not match expected derivations")
	ErrInvalidRebalanceMade = errors.New("post-rebalance balances do not match computed targets")

	// External-protocol errors.
	ErrStaleProtocolData = errors.New("lending protocol reserve or oracle data is stale")
)
