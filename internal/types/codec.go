/*

This file contains the fixed-width binary codec for the persisted position
record. All fields are little-endian with explicit padding so the layout is
stable across builds; any change to field order or width is a breaking format
change requiring a migration path.

USD values and rates are stored at 9-decimal fixed-point scale.

*/

package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrAmountOverflow = errors.New("base-unit amount does not fit the on-chain field width")
	ErrBadRecord      = errors.New("malformed position record")
)

const usdScale = 1_000_000_000

type tokenStateRecord struct {
	Mint               [32]byte
	Decimals           uint8
	Pad0               [3]byte
	BorrowFeeBps       uint16
	FlashLoanFeeBps    uint16
	AmountUsed         uint64
	AmountUsedUsd      uint64
	AmountCanBeUsed    uint64
	AmountCanBeUsedUsd uint64
	MarketPrice        uint64
}

type positionRecord struct {
	ID              uint64
	Authority       [32]byte
	SelfManaged     uint8
	Platform        uint8
	Pad0            [6]byte
	ProtocolAccount [32]byte

	BoostToBps  uint16
	BoostGapBps uint16
	RepayToBps  uint16
	RepayGapBps uint16

	DcaActive        uint8
	Pad1             [3]byte
	DcaTargetPeriods uint32
	DcaPeriodsPassed uint32
	Pad2             [4]byte
	DcaUnixStart     int64
	DcaInterval      int64
	DcaDebtToAdd     uint64

	LiqUtilizationRateBps uint64
	NetWorthUsd           int64
	MaxLtv                uint64
	LiqThreshold          uint64
	LastRefreshed         int64

	Supply tokenStateRecord
	Debt   tokenStateRecord

	Phase           uint8
	IxsSet          uint8
	RebalanceType   uint8
	ValuesSet       uint8
	Direction       uint8
	BalChangeSet    uint8
	BalChangeKind   uint8
	Pad3            uint8
	FlashLoanAmount uint64
	SwapInAmount    uint64
	TargetRateBps   uint16
	Pad4            [6]byte
	TargetSupplyUsd uint64
	TargetDebtUsd   uint64
	DebtAdjUsd      int64
	AmountToSwapUsd uint64
	BalChangeAmount uint64
}

// RecordSize is the serialized width of a position record.
var RecordSize = binary.Size(positionRecord{})

func decToFixed9(d sdkmath.LegacyDec) int64 {
	if d.IsNil() {
		return 0
	}
	return d.MulInt64(usdScale).TruncateInt64()
}

func fixed9ToDec(v int64) sdkmath.LegacyDec {
	return sdkmath.LegacyNewDec(v).QuoInt64(usdScale)
}

func intToU64(v sdkmath.Int) (uint64, error) {
	if v.IsNil() {
		return 0, nil
	}
	if v.IsNegative() || v.BigInt().BitLen() > 64 {
		return 0, ErrAmountOverflow
	}
	return v.Uint64(), nil
}

func packTokenState(t PositionTokenState) (tokenStateRecord, error) {
	used, err := intToU64(t.AmountUsed.BaseUnit)
	if err != nil {
		return tokenStateRecord{}, fmt.Errorf("amount used: %w", err)
	}
	avail, err := intToU64(t.AmountCanBeUsed.BaseUnit)
	if err != nil {
		return tokenStateRecord{}, fmt.Errorf("amount available: %w", err)
	}
	return tokenStateRecord{
		Mint:               t.Mint,
		Decimals:           t.Decimals,
		BorrowFeeBps:       uint16(t.BorrowFeeBps),
		FlashLoanFeeBps:    uint16(t.FlashLoanFeeBps),
		AmountUsed:         used,
		AmountUsedUsd:      uint64(decToFixed9(t.AmountUsed.UsdValue)),
		AmountCanBeUsed:    avail,
		AmountCanBeUsedUsd: uint64(decToFixed9(t.AmountCanBeUsed.UsdValue)),
		MarketPrice:        uint64(decToFixed9(t.MarketPrice)),
	}, nil
}

func unpackTokenState(r tokenStateRecord) PositionTokenState {
	return PositionTokenState{
		Mint:            solana.PublicKeyFromBytes(r.Mint[:]),
		Decimals:        r.Decimals,
		BorrowFeeBps:    uint64(r.BorrowFeeBps),
		FlashLoanFeeBps: uint64(r.FlashLoanFeeBps),
		AmountUsed: TokenAmount{
			BaseUnit: sdkmath.NewIntFromUint64(r.AmountUsed),
			UsdValue: fixed9ToDec(int64(r.AmountUsedUsd)),
		},
		AmountCanBeUsed: TokenAmount{
			BaseUnit: sdkmath.NewIntFromUint64(r.AmountCanBeUsed),
			UsdValue: fixed9ToDec(int64(r.AmountCanBeUsedUsd)),
		},
		MarketPrice: fixed9ToDec(int64(r.MarketPrice)),
	}
}

// Marshal serializes the position into its fixed-width binary record.
func (p *SolautoPosition) Marshal() ([]byte, error) {
	rec := positionRecord{
		ID:              p.ID,
		Authority:       p.Authority,
		Platform:        uint8(p.Platform),
		ProtocolAccount: p.ProtocolAccount,
		BoostToBps:      uint16(p.Settings.BoostToBps),
		BoostGapBps:     uint16(p.Settings.BoostGapBps),
		RepayToBps:      uint16(p.Settings.RepayToBps),
		RepayGapBps:     uint16(p.Settings.RepayGapBps),

		LiqUtilizationRateBps: p.State.LiqUtilizationRateBps,
		NetWorthUsd:           decToFixed9(p.State.NetWorthUsd),
		MaxLtv:                uint64(decToFixed9(p.State.MaxLtv)),
		LiqThreshold:          uint64(decToFixed9(p.State.LiqThreshold)),
		LastRefreshed:         p.State.LastRefreshed,
	}
	if p.SelfManaged {
		rec.SelfManaged = 1
	}

	if p.DCA != nil {
		rec.DcaActive = 1
		rec.DcaTargetPeriods = p.DCA.Automation.TargetPeriods
		rec.DcaPeriodsPassed = p.DCA.Automation.PeriodsPassed
		rec.DcaUnixStart = p.DCA.Automation.UnixStartDate
		rec.DcaInterval = p.DCA.Automation.IntervalSeconds
		debtToAdd, err := intToU64(p.DCA.DebtToAddBaseUnit)
		if err != nil {
			return nil, fmt.Errorf("dca debt to add: %w", err)
		}
		rec.DcaDebtToAdd = debtToAdd
	}

	var err error
	if rec.Supply, err = packTokenState(p.State.Supply); err != nil {
		return nil, fmt.Errorf("supply leg: %w", err)
	}
	if rec.Debt, err = packTokenState(p.State.Debt); err != nil {
		return nil, fmt.Errorf("debt leg: %w", err)
	}

	rec.Phase = uint8(p.Rebalance.Phase)
	if ixs := p.Rebalance.Ixs; ixs != nil {
		rec.IxsSet = 1
		rec.RebalanceType = uint8(ixs.Type)
		if rec.FlashLoanAmount, err = intToU64(ixs.FlashLoanAmount); err != nil {
			return nil, fmt.Errorf("flash loan amount: %w", err)
		}
		if rec.SwapInAmount, err = intToU64(ixs.SwapInAmount); err != nil {
			return nil, fmt.Errorf("swap in amount: %w", err)
		}
	}
	if v := p.Rebalance.Values; v != nil {
		rec.ValuesSet = 1
		rec.Direction = uint8(v.Direction)
		rec.TargetRateBps = uint16(v.TargetLiqUtilizationRateBps)
		rec.TargetSupplyUsd = uint64(decToFixed9(v.TargetSupplyUsd))
		rec.TargetDebtUsd = uint64(decToFixed9(v.TargetDebtUsd))
		rec.DebtAdjUsd = decToFixed9(v.DebtAdjustmentUsd)
		rec.AmountToSwapUsd = uint64(decToFixed9(v.AmountToSwapUsd))
		if tbc := v.TokenBalanceChange; tbc != nil {
			rec.BalChangeSet = 1
			rec.BalChangeKind = uint8(tbc.Kind)
			if rec.BalChangeAmount, err = intToU64(tbc.Amount); err != nil {
				return nil, fmt.Errorf("balance change amount: %w", err)
			}
		}
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalPosition deserializes a fixed-width position record.
func UnmarshalPosition(data []byte) (*SolautoPosition, error) {
	if len(data) < RecordSize {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrBadRecord, len(data), RecordSize)
	}
	var rec positionRecord
	if err := binary.Read(bytes.NewReader(data[:RecordSize]), binary.LittleEndian, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRecord, err)
	}

	p := &SolautoPosition{
		ID:              rec.ID,
		Authority:       solana.PublicKeyFromBytes(rec.Authority[:]),
		SelfManaged:     rec.SelfManaged == 1,
		Platform:        LendingPlatform(rec.Platform),
		ProtocolAccount: solana.PublicKeyFromBytes(rec.ProtocolAccount[:]),
		Settings: PositionSettings{
			BoostToBps:  uint64(rec.BoostToBps),
			BoostGapBps: uint64(rec.BoostGapBps),
			RepayToBps:  uint64(rec.RepayToBps),
			RepayGapBps: uint64(rec.RepayGapBps),
		},
		State: PositionState{
			LiqUtilizationRateBps: rec.LiqUtilizationRateBps,
			NetWorthUsd:           fixed9ToDec(rec.NetWorthUsd),
			MaxLtv:                fixed9ToDec(int64(rec.MaxLtv)),
			LiqThreshold:          fixed9ToDec(int64(rec.LiqThreshold)),
			LastRefreshed:         rec.LastRefreshed,
			Supply:                unpackTokenState(rec.Supply),
			Debt:                  unpackTokenState(rec.Debt),
		},
		Rebalance: RebalanceData{Phase: RebalancePhase(rec.Phase)},
	}

	if rec.DcaActive == 1 {
		p.DCA = &DCASettings{
			Automation: AutomationSettings{
				TargetPeriods:   rec.DcaTargetPeriods,
				PeriodsPassed:   rec.DcaPeriodsPassed,
				UnixStartDate:   rec.DcaUnixStart,
				IntervalSeconds: rec.DcaInterval,
			},
			DebtToAddBaseUnit: sdkmath.NewIntFromUint64(rec.DcaDebtToAdd),
		}
	}

	if rec.IxsSet == 1 {
		p.Rebalance.Ixs = &RebalanceInstruction{
			Type:            RebalanceType(rec.RebalanceType),
			FlashLoanAmount: sdkmath.NewIntFromUint64(rec.FlashLoanAmount),
			SwapInAmount:    sdkmath.NewIntFromUint64(rec.SwapInAmount),
		}
	}
	if rec.ValuesSet == 1 {
		values := &RebalanceValues{
			Direction:                   RebalanceDirection(rec.Direction),
			TargetLiqUtilizationRateBps: uint64(rec.TargetRateBps),
			TargetSupplyUsd:             fixed9ToDec(int64(rec.TargetSupplyUsd)),
			TargetDebtUsd:               fixed9ToDec(int64(rec.TargetDebtUsd)),
			DebtAdjustmentUsd:           fixed9ToDec(rec.DebtAdjUsd),
			AmountToSwapUsd:             fixed9ToDec(int64(rec.AmountToSwapUsd)),
		}
		if rec.BalChangeSet == 1 {
			values.TokenBalanceChange = &TokenBalanceChange{
				Kind:   TokenBalanceChangeKind(rec.BalChangeKind),
				Amount: sdkmath.NewIntFromUint64(rec.BalChangeAmount),
			}
		}
		p.Rebalance.Values = values
	}

	return p, nil
}
