/*

This file persists rebalance receipts, the per-position audit record of what
each keeper cycle attempted and how it ended. Receipts are append-only.

*/

package state

import (
	"encoding/json"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/solauto-labs/rebalancer/internal/types"
)

// RebalanceReceipt records one rebalance attempt.
type RebalanceReceipt struct {
	ReceiptID         int64
	RunID             uuid.UUID
	PositionID        uint64
	Timestamp         time.Time
	Direction         types.RebalanceDirection
	RebalanceType     types.RebalanceType
	TargetRateBps     uint64
	PriorRateBps      uint64
	FinalRateBps      uint64
	DebtAdjustmentUsd sdkmath.LegacyDec
	FeeTotalBps       uint64
	Success           bool
	Message           string
	Actions           []types.Action
}

// SaveRebalanceReceipt appends a receipt. Failures to record an audit row are
// surfaced, not swallowed; the keeper decides whether to halt.
func SaveRebalanceReceipt(receipt RebalanceReceipt) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	actionsJSON, err := json.Marshal(receipt.Actions)
	if err != nil {
		return 0, fmt.Errorf("failed to encode receipt actions: %w", err)
	}

	adjustment := "0"
	if !receipt.DebtAdjustmentUsd.IsNil() {
		adjustment = receipt.DebtAdjustmentUsd.String()
	}

	stmt := `
		INSERT INTO rebalance_receipts (
			run_id, position_id, direction, rebalance_type,
			target_rate_bps, prior_rate_bps, final_rate_bps,
			debt_adjustment_usd, fee_total_bps, success, message, actions
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING receipt_id;
	`
	var receiptID int64
	err = DB.QueryRow(stmt,
		receipt.RunID, receipt.PositionID,
		receipt.Direction.String(), rebalanceTypeLabel(receipt.RebalanceType),
		receipt.TargetRateBps, receipt.PriorRateBps, receipt.FinalRateBps,
		adjustment, receipt.FeeTotalBps, receipt.Success, receipt.Message, actionsJSON,
	).Scan(&receiptID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rebalance receipt: %w", err)
	}

	log.Debug().
		Int64("receiptID", receiptID).
		Uint64("positionID", receipt.PositionID).
		Bool("success", receipt.Success).
		Msg("Rebalance receipt saved")
	return receiptID, nil
}

// CountRecentFailures returns how many receipts for a position failed within
// the lookback window. The keeper uses this to back off positions that keep
// failing.
func CountRecentFailures(positionID uint64, lookback time.Duration) (int, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT COUNT(*) FROM rebalance_receipts
		WHERE position_id = $1 AND success = FALSE
		  AND receipt_timestamp > CURRENT_TIMESTAMP - $2::interval;
	`
	interval := fmt.Sprintf("%d seconds", int(lookback.Seconds()))
	var count int
	if err := DB.QueryRow(query, positionID, interval).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent failures: %w", err)
	}
	return count, nil
}

func rebalanceTypeLabel(t types.RebalanceType) string {
	switch t {
	case types.RebalanceRegular:
		return "regular"
	case types.RebalanceDoubleWithFL:
		return "double_with_flash_loan"
	case types.RebalanceFLSwapThenRebalance:
		return "fl_swap_then_rebalance"
	case types.RebalanceFLRebalanceThenSwap:
		return "fl_rebalance_then_swap"
	default:
		return "unknown"
	}
}
