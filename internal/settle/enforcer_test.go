package settle

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/internal/random"
	"otcmarket/internal/storage/memory"
	"otcmarket/pkg/exception"
)

var (
	testInst = model.Instrument{ID: 1, Symbol: "EUR/USD", Active: true, MinPrice: 1.00, MaxPrice: 2.00, Precision: 4}
	testNow  = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

func controls(targetPercent float64) model.Controls {
	c := model.DefaultControls()
	c.TargetWinPercent = targetPercent
	return c.Sanitize()
}

func newTestEnforcer(t *testing.T, store TradeStore, seed uint64) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(store, random.NewSeeded(seed), DefaultConfig())
	require.NoError(t, err)
	return e
}

func place(store *memory.Trades, dir enum.Direction, entry float64, expiry time.Time) model.Trade {
	return store.Place(model.Trade{
		UserID:       1,
		InstrumentID: testInst.ID,
		Direction:    dir,
		Amount:       100,
		PayoutRate:   80,
		EntryPrice:   entry,
		ExpiresAt:    expiry,
		CreatedAt:    expiry.Add(-time.Minute),
	})
}

func request(natural, trueRange float64, ctrl model.Controls, now time.Time) Request {
	return Request{
		Instrument:   testInst,
		Natural:      natural,
		TrueRange:    trueRange,
		Controls:     ctrl,
		Now:          now,
		TickDuration: time.Second,
	}
}

func TestEnforceBothUpTradesWinAtFullTarget(t *testing.T) {
	store := memory.NewTrades()
	a := place(store, enum.DirectionUp, 1.4990, testNow)
	b := place(store, enum.DirectionUp, 1.5050, testNow)
	e := newTestEnforcer(t, store, 1)

	out, err := e.Enforce(t.Context(), request(1.5000, 0.0005, controls(100), testNow))
	require.NoError(t, err)

	assert.True(t, out.Enforced)
	assert.Equal(t, 2, out.NeededWins)
	assert.Greater(t, out.Price, 1.5050+Epsilon(4))
	assert.Equal(t, 1.5051, testInst.Round(out.Price))
	for _, id := range []uint64{a.ID, b.ID} {
		tr, ok := store.Get(id)
		require.True(t, ok)
		assert.Equal(t, enum.ResultWin, tr.Result)
		require.NotNil(t, tr.Payout)
		assert.InDelta(t, 180.0, *tr.Payout, 1e-9)
		require.NotNil(t, tr.ClosingPrice)
		assert.Equal(t, out.Price, *tr.ClosingPrice)
	}
}

func TestEnforceEmptySetReturnsNaturalPrice(t *testing.T) {
	store := memory.NewTrades()
	place(store, enum.DirectionUp, 1.5, testNow.Add(time.Minute))
	e := newTestEnforcer(t, store, 1)

	out, err := e.Enforce(t.Context(), request(1.5003, 0.001, controls(50), testNow))
	require.NoError(t, err)
	assert.Equal(t, 1.5003, out.Price)
	assert.Empty(t, out.Settlements)
	assert.False(t, out.Enforced)
	assert.Zero(t, store.SettleCalls())
}

func TestEnforceWindowBoundaries(t *testing.T) {
	store := memory.NewTrades()
	tooOld := place(store, enum.DirectionUp, 1.5, testNow.Add(-2*time.Second))
	edge := place(store, enum.DirectionUp, 1.5, testNow.Add(-2*time.Second+time.Millisecond))
	onNow := place(store, enum.DirectionUp, 1.5, testNow)
	future := place(store, enum.DirectionUp, 1.5, testNow.Add(time.Millisecond))
	e := newTestEnforcer(t, store, 1)

	out, err := e.Enforce(t.Context(), request(1.5, 0.01, controls(50), testNow))
	require.NoError(t, err)
	require.Len(t, out.Settlements, 2)

	for id, want := range map[uint64]bool{tooOld.ID: false, edge.ID: true, onNow.ID: true, future.ID: false} {
		tr, _ := store.Get(id)
		assert.Equal(t, want, tr.Result.IsTerminal(), "trade %d", id)
	}
}

func TestEnforceMixedAssignment(t *testing.T) {
	store := memory.NewTrades()
	upLow := place(store, enum.DirectionUp, 1.4990, testNow)
	upHigh := place(store, enum.DirectionUp, 1.5030, testNow)
	downHigh := place(store, enum.DirectionDown, 1.5040, testNow)
	downLow := place(store, enum.DirectionDown, 1.4980, testNow)
	e := newTestEnforcer(t, store, 2)

	// 4 trades at 50% with nothing decided yet: two must win.
	out, err := e.Enforce(t.Context(), request(1.5000, 0.01, controls(50), testNow))
	require.NoError(t, err)
	require.Equal(t, 2, out.NeededWins)
	require.False(t, out.Band.Relaxed)

	// Cheapest wins at natural 1.5000 are upLow and downHigh, both already winning.
	want := map[uint64]enum.Result{
		upLow.ID:    enum.ResultWin,
		downHigh.ID: enum.ResultWin,
		upHigh.ID:   enum.ResultLose,
		downLow.ID:  enum.ResultLose,
	}
	for id, r := range want {
		tr, _ := store.Get(id)
		assert.Equal(t, r, tr.Result, "trade %d", id)
	}
	assert.InDelta(t, 1.5000, out.Price, 0.0001)
}

func TestEnforcePicksDeepestInTheMoneyWinners(t *testing.T) {
	cases := []struct {
		name    string
		dir     enum.Direction
		entries []float64
		winner  float64
		lo, hi  float64
	}{
		// Ascending ids with ascending entries: the last DOWN trade is deepest.
		{name: "down", dir: enum.DirectionDown, entries: []float64{1.5010, 1.5020, 1.5030}, winner: 1.5030, lo: 1.5020, hi: 1.5029},
		// Ascending ids with descending entries: the last UP trade is deepest.
		{name: "up", dir: enum.DirectionUp, entries: []float64{1.4990, 1.4980, 1.4970}, winner: 1.4970, lo: 1.4971, hi: 1.4980},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewTrades()
			for _, entry := range tc.entries {
				place(store, tc.dir, entry, testNow)
			}
			e := newTestEnforcer(t, store, 11)

			// round(3 * 0.34) = 1 win.
			out, err := e.Enforce(t.Context(), request(1.5000, 0.01, controls(34), testNow))
			require.NoError(t, err)
			require.Equal(t, 1, out.NeededWins)
			require.False(t, out.Band.Relaxed)

			price := testInst.Round(out.Price)
			assert.GreaterOrEqual(t, price, tc.lo)
			assert.LessOrEqual(t, price, tc.hi)

			wins := 0
			for _, tr := range store.All() {
				if tr.Result == enum.ResultWin {
					wins++
					assert.Equal(t, tc.winner, tr.EntryPrice)
				}
			}
			assert.Equal(t, 1, wins)
		})
	}
}

func TestEnforceNaturalModeHonorsForcedResults(t *testing.T) {
	store := memory.NewTrades()
	pinned := place(store, enum.DirectionUp, 1.4990, testNow)
	free := place(store, enum.DirectionUp, 1.4980, testNow)
	store.Force(pinned.ID, enum.ResultLose, "manual review")
	e := newTestEnforcer(t, store, 12)

	ctrl := controls(50)
	ctrl.EnforceWinRate = false
	out, err := e.Enforce(t.Context(), request(1.5000, 0.01, ctrl, testNow))
	require.NoError(t, err)
	assert.Equal(t, 1.5000, out.Price)

	got, _ := store.Get(pinned.ID)
	assert.Equal(t, enum.ResultLose, got.Result)
	assert.Zero(t, *got.Payout)
	got, _ = store.Get(free.ID)
	assert.Equal(t, enum.ResultWin, got.Result)

	for _, st := range out.Settlements {
		assert.Equal(t, st.TradeID == pinned.ID, st.Forced)
	}
	left, err := store.ForcedResults(t.Context(), []uint64{pinned.ID})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEnforceRelaxesConflictingBand(t *testing.T) {
	store := memory.NewTrades()
	// An UP winner above a DOWN winner cannot both win.
	up := place(store, enum.DirectionUp, 1.5020, testNow)
	down := place(store, enum.DirectionDown, 1.4980, testNow)
	e := newTestEnforcer(t, store, 3)

	out, err := e.Enforce(t.Context(), request(1.5000, 0.01, controls(100), testNow))
	require.NoError(t, err)
	require.True(t, out.Band.Relaxed)

	// Ties between sides keep the lower bound, so the UP trade wins.
	upTrade, _ := store.Get(up.ID)
	downTrade, _ := store.Get(down.ID)
	assert.Equal(t, enum.ResultWin, upTrade.Result)
	assert.Equal(t, enum.ResultLose, downTrade.Result)
}

func TestEnforceCapsDistortion(t *testing.T) {
	store := memory.NewTrades()
	tr := place(store, enum.DirectionUp, 1.5100, testNow)
	e := newTestEnforcer(t, store, 4)

	// Target 50% on a single trade: round(0.5) = 1 win needed, but the move is
	// 100 ticks away and the cap allows only 0.8 * 0.0010.
	out, err := e.Enforce(t.Context(), request(1.5000, 0.0010, controls(50), testNow))
	require.NoError(t, err)
	assert.True(t, out.Capped)
	assert.LessOrEqual(t, out.Price-1.5000, 0.0008+0.3*testInst.Tick()+1e-12)
	assert.Greater(t, out.Price, 1.5000)

	got, _ := store.Get(tr.ID)
	assert.Equal(t, enum.ResultLose, got.Result)
}

func TestEnforceFullTargetBypassesCap(t *testing.T) {
	store := memory.NewTrades()
	tr := place(store, enum.DirectionUp, 1.5100, testNow)
	e := newTestEnforcer(t, store, 5)

	out, err := e.Enforce(t.Context(), request(1.5000, 0.0010, controls(100), testNow))
	require.NoError(t, err)
	assert.False(t, out.Capped)
	assert.Equal(t, 1.5101, testInst.Round(out.Price))

	got, _ := store.Get(tr.ID)
	assert.Equal(t, enum.ResultWin, got.Result)
}

func TestEnforceRespectsInstrumentBounds(t *testing.T) {
	store := memory.NewTrades()
	tr := place(store, enum.DirectionUp, 2.0000, testNow)
	e := newTestEnforcer(t, store, 6)

	out, err := e.Enforce(t.Context(), request(1.9990, 0.01, controls(100), testNow))
	require.NoError(t, err)
	assert.LessOrEqual(t, out.Price, testInst.MaxPrice)

	got, _ := store.Get(tr.ID)
	assert.Equal(t, enum.ResultLose, got.Result)
}

func TestEnforceSettlementFailureKeepsTradesPending(t *testing.T) {
	store := memory.NewTrades()
	a := place(store, enum.DirectionUp, 1.4990, testNow)
	b := place(store, enum.DirectionDown, 1.5010, testNow)
	store.Fail(context.DeadlineExceeded)
	e := newTestEnforcer(t, store, 7)

	out, err := e.Enforce(t.Context(), request(1.5000, 0.01, controls(50), testNow))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1.5000, out.Price)

	for _, id := range []uint64{a.ID, b.ID} {
		tr, _ := store.Get(id)
		assert.Equal(t, enum.ResultPending, tr.Result)
	}

	// The next tick still sees them inside the widened window.
	store.Fail(nil)
	_, err = e.Enforce(t.Context(), request(1.5000, 0.01, controls(50), testNow.Add(time.Second)))
	require.NoError(t, err)
	for _, id := range []uint64{a.ID, b.ID} {
		tr, _ := store.Get(id)
		assert.True(t, tr.Result.IsTerminal())
	}
}

func TestEnforceHonorsForcedResults(t *testing.T) {
	store := memory.NewTrades()
	forcedLoser := place(store, enum.DirectionUp, 1.4990, testNow)
	other := place(store, enum.DirectionDown, 1.5050, testNow)
	store.Force(forcedLoser.ID, enum.ResultLose, "risk review")
	e := newTestEnforcer(t, store, 8)

	out, err := e.Enforce(t.Context(), request(1.5000, 0.02, controls(100), testNow))
	require.NoError(t, err)

	got, _ := store.Get(forcedLoser.ID)
	assert.Equal(t, enum.ResultLose, got.Result)
	got, _ = store.Get(other.ID)
	assert.Equal(t, enum.ResultWin, got.Result)

	var forcedCount int
	for _, s := range out.Settlements {
		if s.Forced {
			forcedCount++
			assert.Equal(t, forcedLoser.ID, s.TradeID)
		}
	}
	assert.Equal(t, 1, forcedCount)

	pending, err := store.ForcedResults(t.Context(), []uint64{forcedLoser.ID})
	require.NoError(t, err)
	assert.Empty(t, pending, "applied overrides are not returned again")
}

func TestEnforceNaturalModeAllowsTie(t *testing.T) {
	store := memory.NewTrades()
	tie := place(store, enum.DirectionUp, 1.5000, testNow)
	win := place(store, enum.DirectionDown, 1.5010, testNow)
	e := newTestEnforcer(t, store, 9)

	ctrl := controls(0)
	ctrl.EnforceWinRate = false
	out, err := e.Enforce(t.Context(), request(1.5000, 0.01, ctrl, testNow))
	require.NoError(t, err)
	assert.Equal(t, 1.5000, out.Price)
	assert.False(t, out.Enforced)

	got, _ := store.Get(tie.ID)
	assert.Equal(t, enum.ResultTie, got.Result)
	assert.Equal(t, 100.0, *got.Payout)
	got, _ = store.Get(win.ID)
	assert.Equal(t, enum.ResultWin, got.Result)
}

func TestEnforceConvergesToTarget(t *testing.T) {
	for _, target := range []float64{0, 30, 55, 70, 100} {
		store := memory.NewTrades()
		e := newTestEnforcer(t, store, uint64(target)+1)
		rng := random.NewSeeded(uint64(target) + 100)
		ctrl := controls(target)
		tick := testInst.Tick()

		spot := 1.5
		total := 0
		for i := 0; i < 300; i++ {
			now := testNow.Add(time.Duration(i) * time.Second)
			batch := rng.IntBetween(0, 3)
			dir := enum.DirectionUp
			if rng.Chance(0.5) {
				dir = enum.DirectionDown
			}
			offsets := rng.IntBetween(-20, 20)
			for k := 0; k < batch; k++ {
				place(store, dir, testInst.Round(spot+float64(offsets+3*k)*tick), now)
			}
			total += batch

			natural := testInst.Round(testInst.Clamp(spot + 0.0005*rng.Gaussian()))
			out, err := e.Enforce(t.Context(), request(natural, 0.05, ctrl, now))
			require.NoError(t, err)
			require.False(t, out.Band.Relaxed)
			spot = out.Price
		}

		stats, err := store.DailyStats(t.Context(), testInst.ID, testNow.Add(-time.Hour))
		require.NoError(t, err)
		require.Equal(t, total, stats.Total)
		want := int(math.Round(float64(total) * target / 100))
		assert.InDelta(t, want, stats.Wins, 1, "target %.0f%%: %d wins of %d", target, stats.Wins, total)
	}
}

func TestNewEnforcerRequiresStore(t *testing.T) {
	_, err := NewEnforcer(nil, nil, DefaultConfig())
	require.ErrorIs(t, err, exception.ErrNilInstance)
}
