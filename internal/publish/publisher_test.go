package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/internal/bus"
	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/internal/obs"
)

func TestEmitterQueuesEnvelopes(t *testing.T) {
	q := bus.NewQueue(8)
	start := time.UnixMilli(1_700_000_000_000)
	base := uint64(start.UnixMilli()) << eventIDShift
	e := NewEmitter(q, NewEventIDs(start), nil)
	e.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }

	e.Candles(t.Context(), []model.Candle{model.NewCandle(7, 60, 1_700_000_000, 1.5, 10)})
	e.Settlements(t.Context(), []model.Settlement{{TradeID: 9, InstrumentID: 7, UserID: 42, Result: enum.ResultWin, ClosingPrice: 1.5001, Payout: 180}})
	q.Close()

	rec := &Recorder{}
	Pump(t.Context(), q, nil, rec, Nop{})
	events := rec.Events()
	require.Len(t, events, 2)

	assert.Equal(t, TopicCandleFinalized, events[0].Topic)
	assert.Equal(t, "7", events[0].Key)
	assert.Equal(t, base+1, events[0].ID)
	assert.Equal(t, TopicTradeSettled, events[1].Topic)
	assert.Equal(t, "42", events[1].Key)
	assert.Equal(t, base+2, events[1].ID)

	var env Envelope
	require.NoError(t, json.Unmarshal(events[1].Payload, &env))
	assert.Equal(t, base+2, env.ID)
	assert.Equal(t, start, StartedAt(env.ID))
	assert.Equal(t, int64(1_700_000_000_123), env.At)
	var s model.Settlement
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.Equal(t, enum.ResultWin, s.Result)
	assert.Equal(t, 180.0, s.Payout)
}

func TestEventIDsIncreaseAcrossRestarts(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	first := NewEventIDs(start)
	var last uint64
	for range 10_000 {
		id := first.Next()
		require.Greater(t, id, last)
		last = id
	}

	restarted := NewEventIDs(start.Add(time.Millisecond))
	assert.Greater(t, restarted.Next(), last)
	assert.Equal(t, start, StartedAt(last))
}

func TestEmitterCountsDrops(t *testing.T) {
	m := obs.NewMetrics(prometheus.NewRegistry())
	q := bus.NewQueue(1)
	e := NewEmitter(q, nil, m)

	candles := []model.Candle{model.NewCandle(1, 5, 0, 1, 0), model.NewCandle(1, 5, 5, 1, 0)}
	e.Candles(t.Context(), candles)
	q.Close()
	e.Candles(t.Context(), candles[:1])

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.QueueDrops)
	assert.Equal(t, uint64(1), snap.QueueClosed)
}

func TestPumpKeepsGoingAfterFailure(t *testing.T) {
	q := bus.NewQueue(4)
	require.NoError(t, q.TryPublish(bus.Event{ID: 1, Topic: TopicTradeSettled}))
	require.NoError(t, q.TryPublish(bus.Event{ID: 2, Topic: TopicTradeSettled}))
	q.Close()

	failing := &Recorder{}
	failing.Fail(context.DeadlineExceeded)
	ok := &Recorder{}
	Pump(t.Context(), q, nil, failing, ok)

	assert.Empty(t, failing.Events())
	assert.Len(t, ok.Events(), 2)
}
