package settle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/internal/random"
)

func TestOutcomeFor(t *testing.T) {
	testCases := []struct {
		desc    string
		dir     enum.Direction
		entry   float64
		closing float64
		want    enum.Result
	}{
		{desc: "up above", dir: enum.DirectionUp, entry: 1.5, closing: 1.5001, want: enum.ResultWin},
		{desc: "up below", dir: enum.DirectionUp, entry: 1.5, closing: 1.4999, want: enum.ResultLose},
		{desc: "down below", dir: enum.DirectionDown, entry: 1.5, closing: 1.4999, want: enum.ResultWin},
		{desc: "down above", dir: enum.DirectionDown, entry: 1.5, closing: 1.5001, want: enum.ResultLose},
		{desc: "equal", dir: enum.DirectionUp, entry: 1.5, closing: 1.5, want: enum.ResultTie},
		{desc: "inside half tick", dir: enum.DirectionDown, entry: 1.5, closing: 1.50004, want: enum.ResultTie},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, OutcomeFor(tc.dir, tc.entry, tc.closing, 4))
		})
	}
}

func TestNeededWins(t *testing.T) {
	testCases := []struct {
		desc                string
		wins, total, batch  int
		target              float64
		want                int
	}{
		{desc: "fresh day half", batch: 4, target: 0.5, want: 2},
		{desc: "behind target", wins: 3, total: 10, batch: 2, target: 0.5, want: 2},
		{desc: "ahead of target", wins: 9, total: 10, batch: 3, target: 0.5, want: 0},
		{desc: "all must win", wins: 5, total: 5, batch: 2, target: 1, want: 2},
		{desc: "never win", wins: 0, total: 5, batch: 2, target: 0, want: 0},
		{desc: "empty batch", wins: 1, total: 3, target: 0.9, want: 0},
		{desc: "target clamped", batch: 2, target: 1.7, want: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, NeededWins(tc.wins, tc.total, tc.batch, tc.target))
		})
	}
}

func TestFlipCost(t *testing.T) {
	eps := Epsilon(4)
	assert.InDelta(t, 0.00105, FlipCost(enum.DirectionUp, 1.5010, 1.5, eps), 1e-12)
	assert.InDelta(t, -0.00095, FlipCost(enum.DirectionUp, 1.4990, 1.5, eps), 1e-12)
	assert.Less(t, FlipCost(enum.DirectionUp, 1.4980, 1.5, eps), FlipCost(enum.DirectionUp, 1.4990, 1.5, eps))
	assert.InDelta(t, 0.00105, FlipCost(enum.DirectionDown, 1.4990, 1.5, eps), 1e-12)
	assert.InDelta(t, -0.00095, FlipCost(enum.DirectionDown, 1.5010, 1.5, eps), 1e-12)
	assert.Less(t, FlipCost(enum.DirectionDown, 1.5030, 1.5, eps), FlipCost(enum.DirectionDown, 1.5010, 1.5, eps))
}

func TestBuildBandFeasibleAssignment(t *testing.T) {
	inst := testInst
	rng := random.NewSeeded(42)
	tick := inst.Tick()

	for round := 0; round < 500; round++ {
		// Label trades by their outcome at some grid price away from every entry,
		// so the assignment is realizable by construction.
		target := inst.Round(1.5 + float64(rng.IntBetween(-50, 50))*tick)
		var winners, losers []model.Trade
		n := rng.IntBetween(1, 8)
		for i := 0; i < n; i++ {
			off := rng.IntBetween(1, 30)
			if rng.Chance(0.5) {
				off = -off
			}
			dir := enum.DirectionUp
			if rng.Chance(0.5) {
				dir = enum.DirectionDown
			}
			tr := model.Trade{ID: uint64(i + 1), Direction: dir, EntryPrice: inst.Round(target + float64(off)*tick)}
			if OutcomeFor(dir, tr.EntryPrice, target, inst.Precision) == enum.ResultWin {
				winners = append(winners, tr)
			} else {
				losers = append(losers, tr)
			}
		}

		band := BuildBand(inst, winners, losers)
		require.False(t, band.Relaxed, "round %d", round)
		require.True(t, band.Contains(target), "round %d: %v not in (%v, %v)", round, target, band.Lo, band.Hi)

		p := nearestInside(inst, band, 1.5)
		require.True(t, band.Contains(p))
		for _, tr := range winners {
			require.Equal(t, enum.ResultWin, OutcomeFor(tr.Direction, tr.EntryPrice, p, inst.Precision))
		}
		for _, tr := range losers {
			require.NotEqual(t, enum.ResultWin, OutcomeFor(tr.Direction, tr.EntryPrice, p, inst.Precision))
		}
	}
}

func TestBuildBandAdjacentEntriesAreInfeasible(t *testing.T) {
	// An UP winner at 1.5000 and an UP loser at 1.5001 leave no grid price between.
	winner := model.Trade{ID: 1, Direction: enum.DirectionUp, EntryPrice: 1.5000}
	loser := model.Trade{ID: 2, Direction: enum.DirectionUp, EntryPrice: 1.5001}

	band := BuildBand(testInst, []model.Trade{winner}, []model.Trade{loser})
	require.True(t, band.Relaxed)
	assert.True(t, band.Kept(winner.ID))
	assert.False(t, band.Kept(loser.ID))
	assert.True(t, band.Contains(1.5001))
}

func TestBuildBandRelaxKeepsSideWithMoreWinners(t *testing.T) {
	winners := []model.Trade{
		{ID: 1, Direction: enum.DirectionDown, EntryPrice: 1.4900},
		{ID: 2, Direction: enum.DirectionDown, EntryPrice: 1.4950},
		{ID: 3, Direction: enum.DirectionUp, EntryPrice: 1.5000},
	}
	band := BuildBand(testInst, winners, nil)
	require.True(t, band.Relaxed)
	assert.True(t, band.Kept(1))
	assert.True(t, band.Kept(2))
	assert.False(t, band.Kept(3))
	assert.InDelta(t, 1.48995, band.Hi, 1e-12)
}

func TestGridHelpers(t *testing.T) {
	assert.Equal(t, 1.5001, gridAbove(testInst, 1.5))
	assert.Equal(t, 1.5001, gridAbove(testInst, 1.50005))
	assert.Equal(t, 1.4999, gridBelow(testInst, 1.5))
	assert.Equal(t, 1.5, gridBelow(testInst, 1.50005))

	_, ok := gridInside(testInst, Band{Lo: 1.50005, Hi: 1.50015})
	assert.True(t, ok)
	_, ok = gridInside(testInst, Band{Lo: 1.50005, Hi: 1.50006})
	assert.False(t, ok)
}
