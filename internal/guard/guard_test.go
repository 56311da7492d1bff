package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psfalgo/quant-engine/internal/contracts"
)

type panicTracker struct{}

func (panicTracker) Windows(string, time.Time) Windows { panic("tracker unavailable") }

func newEvaluator(static StaticTable, tracker WindowTracker) *Evaluator {
	if tracker == nil {
		tracker = NewRollingTracker()
	}
	return NewEvaluator(static, tracker, Config{})
}

func TestMaxAlwResolution(t *testing.T) {
	cases := []struct {
		name   string
		static StaticData
		want   float64
	}{
		{"explicit wins", StaticData{MaxAlw: 500, AvgADV: 4000}, 500},
		{"adv fallback", StaticData{AvgADV: 4000}, 400},
		{"neither available", StaticData{}, 0},
		{"non-positive explicit ignored", StaticData{MaxAlw: -1, AvgADV: 4000}, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveMaxAlw(tc.static, 10))
		})
	}
}

func TestDailyAddLimit(t *testing.T) {
	// AVG_ADV=4000, divisor=10 -> MAXALW=400; daily limit 0.75*400=300.
	now := time.Now()
	tracker := NewRollingTracker()
	tracker.RecordAdd("PSA-PR", 290, now)
	ev := newEvaluator(StaticTable{"PSA-PR": {AvgADV: 4000}}, tracker)

	snap := contracts.PositionSnapshot{Symbol: "PSA-PR", BefdayQty: 100, CurrentQty: 100, PotentialQty: 100}
	v := ev.Evaluate("PSA-PR", snap, now)
	require.Equal(t, 400.0, v.MaxAlw)
	assert.True(t, v.Allows(ActionAddLong), "290 used of 300 still leaves add headroom")
	assert.False(t, v.Blocked(StatusBlockDaily))

	// Quantity-aware headroom: 10 more fits under the 300 limit, 50 does not.
	ok, status := v.PermitsQuantity(ActionAddLong, 10)
	assert.True(t, ok)
	assert.Equal(t, StatusOK, status)
	ok, status = v.PermitsQuantity(ActionAddLong, 50)
	assert.False(t, ok)
	assert.Equal(t, StatusBlockDaily, status)

	// Cross the limit: the add class itself is blocked once used >= limit.
	tracker.RecordAdd("PSA-PR", 50, now)
	v = ev.Evaluate("PSA-PR", snap, now)
	assert.False(t, v.Allows(ActionAddLong))
	assert.True(t, v.Blocked(StatusBlockDaily))
	assert.Equal(t, 300.0, v.Reason.DailyAddLimit)
	assert.Equal(t, 340.0, v.Reason.DailyAddUsed)
}

func TestDailyWindowRollsOver(t *testing.T) {
	tracker := NewRollingTracker()
	day1 := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	tracker.RecordAdd("X", 500, day1)
	assert.Equal(t, 500.0, tracker.Windows("X", day1).DailyAddUsed)

	day2 := day1.Add(8 * time.Hour)
	assert.Equal(t, 0.0, tracker.Windows("X", day2).DailyAddUsed, "new trading day resets the accumulator")
}

func TestChange3hWindow(t *testing.T) {
	tracker := NewRollingTracker()
	now := time.Now()
	tracker.RecordChange("X", 150, now.Add(-4*time.Hour)) // outside window
	tracker.RecordChange("X", 120, now.Add(-1*time.Hour))
	tracker.RecordChange("X", -30, now.Add(-10*time.Minute))
	assert.InDelta(t, 90.0, tracker.Windows("X", now).NetChange3h, 1e-9)

	// MAXALW=400 -> 3h limit 200; |net|=90 is fine, push it over.
	tracker.RecordChange("X", 140, now)
	ev := newEvaluator(StaticTable{"X": {MaxAlw: 400}}, tracker)
	v := ev.Evaluate("X", contracts.PositionSnapshot{Symbol: "X", BefdayQty: 10, CurrentQty: 10, PotentialQty: 10}, now)
	assert.False(t, v.Allows(ActionAddLong))
	assert.True(t, v.Blocked(StatusBlock3h))
}

func TestCrossBlockInvariant(t *testing.T) {
	ev := newEvaluator(StaticTable{"X": {MaxAlw: 1000}}, nil)
	now := time.Now()

	// Opened long: may reduce to flat, never flip short.
	long := contracts.PositionSnapshot{Symbol: "X", BefdayQty: 200, CurrentQty: 150, PotentialQty: 150}
	v := ev.Evaluate("X", long, now)
	assert.False(t, v.Allows(ActionAddShort))
	assert.True(t, v.Allows(ActionReduceLong))
	assert.True(t, v.Allows(ActionAddLong))
	assert.True(t, v.Blocked(StatusBlockCross))

	// Symmetric for a book that opened short.
	short := contracts.PositionSnapshot{Symbol: "X", BefdayQty: -200, CurrentQty: -150, PotentialQty: -150}
	v = ev.Evaluate("X", short, now)
	assert.False(t, v.Allows(ActionAddLong))
	assert.True(t, v.Allows(ActionReduceShort))
	assert.True(t, v.Allows(ActionAddShort))
	assert.True(t, v.Blocked(StatusBlockCross))

	// No action in the allowed set may cross against befday sign.
	for befday := 1.0; befday < 1000; befday *= 3.7 {
		snap := contracts.PositionSnapshot{Symbol: "X", BefdayQty: befday, CurrentQty: befday / 2, PotentialQty: befday / 2}
		v := ev.Evaluate("X", snap, now)
		assert.False(t, v.Allows(ActionAddShort), "befday=%v must never allow ADD_SHORT", befday)
	}
}

func TestCrossBlockCapsReduceQuantity(t *testing.T) {
	ev := newEvaluator(StaticTable{"X": {MaxAlw: 1000}}, nil)
	now := time.Now()

	// Opened long: a reduce sized past flat would flip the book short.
	long := contracts.PositionSnapshot{Symbol: "X", BefdayQty: 200, CurrentQty: 150, PotentialQty: 150}
	v := ev.Evaluate("X", long, now)

	ok, status := v.PermitsQuantity(ActionReduceLong, 150)
	assert.True(t, ok)
	assert.Equal(t, StatusOK, status)

	ok, status = v.PermitsQuantity(ActionReduceLong, 151)
	assert.False(t, ok)
	assert.Equal(t, StatusBlockCross, status)

	ok, status = v.PermitsQuantity(ActionReduceLong, 10000)
	assert.False(t, ok)
	assert.Equal(t, StatusBlockCross, status)

	// Symmetric for a book that opened short.
	short := contracts.PositionSnapshot{Symbol: "X", BefdayQty: -200, CurrentQty: -150, PotentialQty: -150}
	v = ev.Evaluate("X", short, now)

	ok, status = v.PermitsQuantity(ActionReduceShort, 150)
	assert.True(t, ok)
	assert.Equal(t, StatusOK, status)

	ok, status = v.PermitsQuantity(ActionReduceShort, 151)
	assert.False(t, ok)
	assert.Equal(t, StatusBlockCross, status)

	// A book with no overnight baseline may reduce through zero.
	intraday := contracts.PositionSnapshot{Symbol: "X", BefdayQty: 0, CurrentQty: 80, PotentialQty: 80}
	v = ev.Evaluate("X", intraday, now)
	ok, status = v.PermitsQuantity(ActionReduceLong, 200)
	assert.True(t, ok)
	assert.Equal(t, StatusOK, status)
}

func TestPotentialCapBlocksAdds(t *testing.T) {
	ev := newEvaluator(StaticTable{"X": {MaxAlw: 400}}, nil)
	snap := contracts.PositionSnapshot{Symbol: "X", BefdayQty: 100, CurrentQty: 400, PotentialQty: 400}
	v := ev.Evaluate("X", snap, time.Now())
	assert.False(t, v.Allows(ActionAddLong))
	assert.True(t, v.Blocked(StatusBlockAdd))
	assert.True(t, v.Allows(ActionReduceLong))
}

func TestNoStaticDataDegradesGracefully(t *testing.T) {
	ev := newEvaluator(StaticTable{}, nil)
	snap := contracts.PositionSnapshot{Symbol: "UNKNOWN", BefdayQty: 10, CurrentQty: 10, PotentialQty: 10}
	v := ev.Evaluate("UNKNOWN", snap, time.Now())
	assert.Equal(t, 0.0, v.MaxAlw)
	assert.True(t, v.Allows(ActionAddLong), "no MAXALW means no MAXALW-based restriction")
	assert.False(t, v.Allows(ActionAddShort), "cross-block still applies without MAXALW")
}

func TestReduceGating(t *testing.T) {
	ev := newEvaluator(StaticTable{"X": {MaxAlw: 400}}, nil)
	now := time.Now()

	flat := contracts.PositionSnapshot{Symbol: "X"}
	v := ev.Evaluate("X", flat, now)
	assert.True(t, v.Allows(ActionFlat))
	assert.False(t, v.Allows(ActionReduceLong))
	assert.False(t, v.Allows(ActionReduceShort))
	assert.Equal(t, []Status{StatusOK}, v.Statuses)
}

func TestEvaluateFailsClosed(t *testing.T) {
	ev := NewEvaluator(StaticTable{}, panicTracker{}, Config{})
	v := ev.Evaluate("X", contracts.PositionSnapshot{Symbol: "X", BefdayQty: 5}, time.Now())
	assert.Equal(t, []Action{ActionFlat}, v.Allowed, "failure collapses to FLAT only")
	assert.NotEmpty(t, v.Reason.Error)
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, ActionAddLong, ActionFor(contracts.Classify(contracts.BucketLT, contracts.DirectionLong, contracts.EffectIncrease)))
	assert.Equal(t, ActionAddShort, ActionFor(contracts.Classify(contracts.BucketMM, contracts.DirectionShort, contracts.EffectIncrease)))
	assert.Equal(t, ActionReduceLong, ActionFor(contracts.Classify(contracts.BucketMM, contracts.DirectionLong, contracts.EffectDecrease)))
	assert.Equal(t, ActionReduceShort, ActionFor(contracts.Classify(contracts.BucketLT, contracts.DirectionShort, contracts.EffectDecrease)))
}
