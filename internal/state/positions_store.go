/*

This file manages the tracked-position registry. The keeper discovers
positions on chain, but the registry is the authoritative list of what the
engine is responsible for, and survives restarts. The full position record is
stored in its binary wire form; the indexed columns exist for querying only.

*/

package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/solauto-labs/rebalancer/internal/types"
)

// TrackedPosition pairs a position record with its registry metadata.
type TrackedPosition struct {
	Position  *types.SolautoPosition
	Referred  bool
	Referrer  solana.PublicKey
	UpdatedAt time.Time
}

// SaveTrackedPosition upserts a position into the registry.
func SaveTrackedPosition(p *types.SolautoPosition, referred bool, referrer solana.PublicKey) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if p == nil {
		return fmt.Errorf("position is nil")
	}

	record, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize position %d: %w", p.ID, err)
	}

	var referrerValue sql.NullString
	if referred && !referrer.IsZero() {
		referrerValue = sql.NullString{String: referrer.String(), Valid: true}
	}

	stmt := `
		INSERT INTO tracked_positions (
			position_id, authority, platform, protocol_account,
			self_managed, referred, referrer, record, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP)
		ON CONFLICT (position_id) DO UPDATE SET
			authority = EXCLUDED.authority,
			platform = EXCLUDED.platform,
			protocol_account = EXCLUDED.protocol_account,
			self_managed = EXCLUDED.self_managed,
			referred = EXCLUDED.referred,
			referrer = EXCLUDED.referrer,
			record = EXCLUDED.record,
			updated_at = CURRENT_TIMESTAMP;
	`
	_, err = DB.Exec(stmt,
		p.ID, p.Authority.String(), p.Platform.String(), p.ProtocolAccount.String(),
		p.SelfManaged, referred, referrerValue, record,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position %d: %w", p.ID, err)
	}
	log.Debug().Uint64("positionID", p.ID).Msg("Tracked position saved")
	return nil
}

// GetTrackedPosition loads one position by ID. Returns sql.ErrNoRows wrapped
// when the position is not tracked.
func GetTrackedPosition(positionID uint64) (*TrackedPosition, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT referred, referrer, record, updated_at
		FROM tracked_positions WHERE position_id = $1;
	`
	var (
		referred  bool
		referrer  sql.NullString
		record    []byte
		updatedAt time.Time
	)
	err := DB.QueryRow(query, positionID).Scan(&referred, &referrer, &record, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load position %d: %w", positionID, err)
	}
	return buildTrackedPosition(referred, referrer, record, updatedAt)
}

// ListTrackedPositions loads the full registry ordered by position ID.
func ListTrackedPositions() ([]TrackedPosition, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT referred, referrer, record, updated_at
		FROM tracked_positions ORDER BY position_id;
	`
	rows, err := DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked positions: %w", err)
	}
	defer rows.Close()

	var positions []TrackedPosition
	for rows.Next() {
		var (
			referred  bool
			referrer  sql.NullString
			record    []byte
			updatedAt time.Time
		)
		if err := rows.Scan(&referred, &referrer, &record, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tracked position row: %w", err)
		}
		tracked, err := buildTrackedPosition(referred, referrer, record, updatedAt)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *tracked)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracked position iteration failed: %w", err)
	}
	return positions, nil
}

// DeleteTrackedPosition removes a closed position from the registry.
func DeleteTrackedPosition(positionID uint64) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	result, err := DB.Exec(`DELETE FROM tracked_positions WHERE position_id = $1;`, positionID)
	if err != nil {
		return fmt.Errorf("failed to delete position %d: %w", positionID, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected > 0 {
		log.Info().Uint64("positionID", positionID).Msg("Tracked position removed")
	}
	return nil
}

func buildTrackedPosition(referred bool, referrer sql.NullString, record []byte, updatedAt time.Time) (*TrackedPosition, error) {
	position, err := types.UnmarshalPosition(record)
	if err != nil {
		return nil, fmt.Errorf("failed to decode position record: %w", err)
	}
	tracked := &TrackedPosition{
		Position:  position,
		Referred:  referred,
		UpdatedAt: updatedAt,
	}
	if referrer.Valid {
		key, err := solana.PublicKeyFromBase58(referrer.String)
		if err != nil {
			return nil, fmt.Errorf("stored referrer key is invalid: %w", err)
		}
		tracked.Referrer = key
	}
	return tracked, nil
}
