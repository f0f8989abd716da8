package settle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/internal/storage/memory"
)

func TestSweepSettlesOverdueTradesNaturally(t *testing.T) {
	store := memory.NewTrades()
	win := place(store, enum.DirectionUp, 1.4000, testNow.Add(-time.Hour))
	tie := place(store, enum.DirectionDown, 1.5000, testNow.Add(-time.Minute))
	recent := place(store, enum.DirectionUp, 1.4000, testNow.Add(-5*time.Second))
	orphan := store.Place(model.Trade{InstrumentID: 99, Direction: enum.DirectionUp, Amount: 10, EntryPrice: 1, ExpiresAt: testNow.Add(-time.Hour)})

	lookup := func(_ context.Context, id uint64) (model.Instrument, float64, bool) {
		if id != testInst.ID {
			return model.Instrument{}, 0, false
		}
		return testInst, 1.5000, true
	}
	s, err := NewSweeper(store, lookup, SweepConfig{})
	require.NoError(t, err)

	settled, err := s.Sweep(t.Context(), testNow)
	require.NoError(t, err)
	require.Len(t, settled, 2)

	got, _ := store.Get(win.ID)
	assert.Equal(t, enum.ResultWin, got.Result)
	got, _ = store.Get(tie.ID)
	assert.Equal(t, enum.ResultTie, got.Result)
	assert.Equal(t, testNow, *got.SettledAt)
	got, _ = store.Get(recent.ID)
	assert.Equal(t, enum.ResultPending, got.Result, "trades inside the grace period belong to the enforcer")
	got, _ = store.Get(orphan.ID)
	assert.Equal(t, enum.ResultPending, got.Result)

	settled, err = s.Sweep(t.Context(), testNow)
	require.NoError(t, err)
	assert.Empty(t, settled)
}

func TestSweepHonorsForcedResults(t *testing.T) {
	store := memory.NewTrades()
	pinned := place(store, enum.DirectionDown, 1.4000, testNow.Add(-time.Hour))
	free := place(store, enum.DirectionDown, 1.4000, testNow.Add(-time.Hour))
	store.Force(pinned.ID, enum.ResultWin, "compensation")

	s, err := NewSweeper(store, func(context.Context, uint64) (model.Instrument, float64, bool) {
		return testInst, 1.5, true
	}, DefaultSweepConfig())
	require.NoError(t, err)

	settled, err := s.Sweep(t.Context(), testNow)
	require.NoError(t, err)
	require.Len(t, settled, 2)

	got, _ := store.Get(pinned.ID)
	assert.Equal(t, enum.ResultWin, got.Result)
	assert.InDelta(t, 180.0, *got.Payout, 1e-9)
	got, _ = store.Get(free.ID)
	assert.Equal(t, enum.ResultLose, got.Result)

	left, err := store.ForcedResults(t.Context(), []uint64{pinned.ID})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweepPropagatesStoreFailure(t *testing.T) {
	store := memory.NewTrades()
	tr := place(store, enum.DirectionUp, 1.4, testNow.Add(-time.Hour))
	store.Fail(context.Canceled)

	s, err := NewSweeper(store, func(context.Context, uint64) (model.Instrument, float64, bool) {
		return testInst, 1.5, true
	}, DefaultSweepConfig())
	require.NoError(t, err)

	_, err = s.Sweep(t.Context(), testNow)
	require.ErrorIs(t, err, context.Canceled)
	got, _ := store.Get(tr.ID)
	assert.Equal(t, enum.ResultPending, got.Result)
}

func TestNewSweeperRequiresDependencies(t *testing.T) {
	_, err := NewSweeper(nil, nil, DefaultSweepConfig())
	require.Error(t, err)
}
