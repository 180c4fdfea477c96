// ./internal/state/parameters_store.go
package state

import (
	"database/sql"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/solauto-labs/rebalancer/internal/types"
)

// SaveEngineParameters saves a new version of engine parameters.
func SaveEngineParameters(params types.RebalanceParameters, configName string, version int, makeActive bool) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	tx, err := DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	if makeActive {
		stmtDeactivate := `UPDATE engine_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`
		_, err = tx.Exec(stmtDeactivate, configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	stmt := `
		INSERT INTO engine_parameters (
			version, config_name, is_active,
			result_tolerance_bps, default_slippage_bps, max_slippage_bps,
			min_position_net_worth_usd, cycle_interval_seconds,
			max_positions_per_cycle, price_staleness_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING params_id;
	`
	var paramsID int64
	err = tx.QueryRow(stmt,
		version, configName, makeActive,
		params.ResultToleranceBps, params.DefaultSlippageBps, params.MaxSlippageBps,
		params.MinPositionNetWorthUsd.String(), params.CycleIntervalSeconds,
		params.MaxPositionsPerCycle, params.PriceStalenessSeconds,
	).Scan(&paramsID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert engine parameters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit engine parameters: %w", err)
	}

	log.Info().
		Int64("paramsID", paramsID).
		Str("configName", configName).
		Int("version", version).
		Bool("active", makeActive).
		Msg("Engine parameters saved")
	return paramsID, nil
}

// LoadActiveEngineParameters loads the active parameter set for a config
// name, falling back to defaults (and persisting them) when none exists yet.
func LoadActiveEngineParameters(configName string) (types.RebalanceParameters, error) {
	if DB == nil {
		return types.RebalanceParameters{}, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT result_tolerance_bps, default_slippage_bps, max_slippage_bps,
		       min_position_net_worth_usd, cycle_interval_seconds,
		       max_positions_per_cycle, price_staleness_seconds
		FROM engine_parameters
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC LIMIT 1;
	`
	var (
		params      types.RebalanceParameters
		netWorthStr string
	)
	err := DB.QueryRow(query, configName).Scan(
		&params.ResultToleranceBps, &params.DefaultSlippageBps, &params.MaxSlippageBps,
		&netWorthStr, &params.CycleIntervalSeconds,
		&params.MaxPositionsPerCycle, &params.PriceStalenessSeconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warn().Str("configName", configName).Msg("No active engine parameters found, seeding defaults")
		defaults := types.DefaultRebalanceParameters()
		if _, seedErr := SaveEngineParameters(defaults, configName, 1, true); seedErr != nil {
			return types.RebalanceParameters{}, seedErr
		}
		return defaults, nil
	}
	if err != nil {
		return types.RebalanceParameters{}, fmt.Errorf("failed to load engine parameters: %w", err)
	}

	params.MinPositionNetWorthUsd, err = sdkmath.LegacyNewDecFromStr(netWorthStr)
	if err != nil {
		return types.RebalanceParameters{}, fmt.Errorf("stored min_position_net_worth_usd is invalid: %w", err)
	}
	if err := params.Validate(); err != nil {
		return types.RebalanceParameters{}, err
	}
	return params, nil
}
