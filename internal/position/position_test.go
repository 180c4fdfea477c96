package position

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/solauto-labs/rebalancer/internal/types"
)

var (
	testMaxLtv       = sdkmath.LegacyMustNewDecFromStr("0.75")
	testLiqThreshold = sdkmath.LegacyMustNewDecFromStr("0.8181")
)

func validSettings() types.PositionSettings {
	return types.PositionSettings{
		BoostToBps:  4500,
		BoostGapBps: 500,
		RepayToBps:  8000,
		RepayGapBps: 500,
	}
}

func TestMaxBoostToBps(t *testing.T) {
	// (0.75 - 0.03) / 0.8181, truncated to bps.
	require.Equal(t, uint64(8800), MaxBoostToBps(testMaxLtv, testLiqThreshold))
	require.Equal(t, uint64(0), MaxBoostToBps(sdkmath.LegacyMustNewDecFromStr("0.02"), testLiqThreshold))
	require.Equal(t, uint64(0), MaxBoostToBps(sdkmath.LegacyDec{}, testLiqThreshold))
}

func TestMaxRepayFromBps(t *testing.T) {
	require.Equal(t, uint64(8850), MaxRepayFromBps(testMaxLtv, testLiqThreshold))

	// A venue with very loose limits still hits the hard ceiling.
	loose := sdkmath.LegacyMustNewDecFromStr("0.99")
	require.Equal(t, uint64(MaxRepayFromCeilingBps), MaxRepayFromBps(loose, sdkmath.LegacyMustNewDecFromStr("0.995")))
}

func TestValidateSettings(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*types.PositionSettings)
		expectOK bool
	}{
		{"valid band", func(s *types.PositionSettings) {}, true},
		{"all zero is unconfigured", func(s *types.PositionSettings) { *s = types.PositionSettings{} }, true},
		{"boost gap at minimum", func(s *types.PositionSettings) { s.BoostGapBps = 50 }, true},
		{"boost gap below minimum", func(s *types.PositionSettings) { s.BoostGapBps = 49 }, false},
		{"repay gap below minimum", func(s *types.PositionSettings) { s.RepayGapBps = 49 }, false},
		{"partial band", func(s *types.PositionSettings) { s.BoostToBps = 0 }, false},
		{"boost gap swallows target", func(s *types.PositionSettings) {
			s.BoostToBps = 400
			s.BoostGapBps = 400
		}, false},
		{"repay trigger above ceiling", func(s *types.PositionSettings) {
			s.RepayToBps = 8700
			s.RepayGapBps = 900
		}, false},
		{"repay target above venue bound", func(s *types.PositionSettings) { s.RepayToBps = 8900 }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := validSettings()
			tc.mutate(&settings)
			err := ValidateSettings(settings, testMaxLtv, testLiqThreshold)
			if tc.expectOK {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, types.ErrInvalidSettings)
			}
		})
	}
}

func TestEffectiveBoundsClampToVenue(t *testing.T) {
	p := &types.SolautoPosition{
		Settings: types.PositionSettings{
			BoostToBps:  9_200,
			BoostGapBps: 500,
			RepayToBps:  9_300,
			RepayGapBps: 500,
		},
		State: types.PositionState{MaxLtv: testMaxLtv, LiqThreshold: testLiqThreshold},
	}

	require.Equal(t, uint64(8800), BoostToBps(p))
	require.Equal(t, uint64(8850), RepayFromBps(p))

	p.Settings = validSettings()
	require.Equal(t, uint64(4500), BoostToBps(p))
	require.Equal(t, uint64(8500), RepayFromBps(p))
}

func TestApplySettingsRequiresAuthority(t *testing.T) {
	p := &types.SolautoPosition{
		Authority: solana.NewWallet().PublicKey(),
		State:     types.PositionState{MaxLtv: testMaxLtv, LiqThreshold: testLiqThreshold},
	}

	err := ApplySettings(p, solana.NewWallet().PublicKey(), validSettings())
	require.ErrorIs(t, err, types.ErrUnauthorized)
	require.True(t, p.Settings.IsZero())

	require.NoError(t, ApplySettings(p, p.Authority, validSettings()))
	require.Equal(t, validSettings(), p.Settings)

	bad := validSettings()
	bad.BoostGapBps = 10
	require.ErrorIs(t, ApplySettings(p, p.Authority, bad), types.ErrInvalidSettings)
	require.Equal(t, validSettings(), p.Settings)
}

func TestApplyDCA(t *testing.T) {
	now := int64(1_700_000_000)
	p := &types.SolautoPosition{Authority: solana.NewWallet().PublicKey()}
	dca := &types.DCASettings{
		Automation: types.AutomationSettings{
			TargetPeriods:   4,
			UnixStartDate:   now,
			IntervalSeconds: 3600,
		},
		DebtToAddBaseUnit: sdkmath.NewInt(100),
	}

	require.ErrorIs(t, ApplyDCA(p, solana.NewWallet().PublicKey(), dca, now), types.ErrUnauthorized)
	require.Nil(t, p.DCA)

	require.NoError(t, ApplyDCA(p, p.Authority, dca, now))
	require.NotNil(t, p.DCA)

	// The authority may cancel an active schedule.
	require.NoError(t, ApplyDCA(p, p.Authority, nil, now))
	require.Nil(t, p.DCA)

	bad := *dca
	bad.DebtToAddBaseUnit = sdkmath.NewInt(-1)
	require.ErrorIs(t, ApplyDCA(p, p.Authority, &bad, now), types.ErrInvalidAutomation)
}

func TestValidateAutomation(t *testing.T) {
	now := int64(1_700_000_000)

	valid := types.AutomationSettings{
		TargetPeriods:   4,
		PeriodsPassed:   0,
		UnixStartDate:   now,
		IntervalSeconds: 3600,
	}
	require.NoError(t, ValidateAutomation(valid, now))

	cases := []struct {
		name   string
		mutate func(*types.AutomationSettings)
	}{
		{"zero target periods", func(a *types.AutomationSettings) { a.TargetPeriods = 0 }},
		{"passed exceeds target", func(a *types.AutomationSettings) { a.PeriodsPassed = 5 }},
		{"non-positive interval", func(a *types.AutomationSettings) { a.IntervalSeconds = 0 }},
		{"missing start date", func(a *types.AutomationSettings) { a.UnixStartDate = 0 }},
		{"stale unstarted schedule", func(a *types.AutomationSettings) { a.UnixStartDate = now - 7200 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := valid
			tc.mutate(&a)
			require.ErrorIs(t, ValidateAutomation(a, now), types.ErrInvalidAutomation)
		})
	}

	// An already running schedule may have started long ago.
	running := valid
	running.UnixStartDate = now - 10*3600
	running.PeriodsPassed = 2
	require.NoError(t, ValidateAutomation(running, now))
}

func TestUpdatedAmountFromAutomation(t *testing.T) {
	a := types.AutomationSettings{TargetPeriods: 4, PeriodsPassed: 0}
	current := sdkmath.LegacyNewDec(1000)
	target := sdkmath.LegacyNewDec(2000)

	// Four equal steps of 250 along the ramp.
	for i := uint32(0); i < 4; i++ {
		a.PeriodsPassed = i
		current = UpdatedAmountFromAutomation(current, target, a)
	}
	require.True(t, current.Equal(target), "ramp should land exactly on the target, got %s", current)

	a.PeriodsPassed = a.TargetPeriods
	require.True(t, UpdatedAmountFromAutomation(sdkmath.LegacyNewDec(5), target, a).Equal(target))
}

func newDCAPosition(debtToAdd int64, start int64) *types.SolautoPosition {
	return &types.SolautoPosition{
		Authority: solana.NewWallet().PublicKey(),
		DCA: &types.DCASettings{
			Automation: types.AutomationSettings{
				TargetPeriods:   4,
				PeriodsPassed:   0,
				UnixStartDate:   start,
				IntervalSeconds: 3600,
			},
			DebtToAddBaseUnit: sdkmath.NewInt(debtToAdd),
		},
	}
}

func TestAdvanceDCASpreadsDebtEvenly(t *testing.T) {
	start := int64(1_700_000_000)
	p := newDCAPosition(100, start)

	contribution, err := AdvanceDCA(p, start)
	require.NoError(t, err)
	require.Equal(t, int64(25), contribution.Int64())
	require.Equal(t, int64(75), p.DCA.DebtToAddBaseUnit.Int64())
	require.Equal(t, uint32(1), p.DCA.Automation.PeriodsPassed)
}

func TestAdvanceDCARemovesCompletedSchedule(t *testing.T) {
	start := int64(1_700_000_000)
	p := newDCAPosition(100, start)

	total := sdkmath.ZeroInt()
	for i := int64(0); i < 4; i++ {
		contribution, err := AdvanceDCA(p, start+i*3600)
		require.NoError(t, err)
		total = total.Add(contribution)
	}

	require.Equal(t, int64(100), total.Int64())
	require.Nil(t, p.DCA)
}

func TestAdvanceDCABeforePeriodBoundaryFails(t *testing.T) {
	start := int64(1_700_000_000)
	p := newDCAPosition(100, start)

	_, err := AdvanceDCA(p, start-1)
	require.ErrorIs(t, err, types.ErrInvalidAutomation)

	// First period consumed, second boundary not yet reached.
	_, err = AdvanceDCA(p, start)
	require.NoError(t, err)
	_, err = AdvanceDCA(p, start+3599)
	require.ErrorIs(t, err, types.ErrInvalidAutomation)
}

func TestAdvanceDCAWithoutSchedule(t *testing.T) {
	p := &types.SolautoPosition{}
	_, err := AdvanceDCA(p, 1_700_000_000)
	require.ErrorIs(t, err, types.ErrInvalidAutomation)
}
