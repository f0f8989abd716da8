// Package memory provides in-process stores for tests, simulation and
// single-node runs without postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/pkg/exception"
)

// Instruments is an in-memory instrument catalog.
type Instruments struct {
	mu    sync.RWMutex
	items []model.Instrument
}

func NewInstruments(items ...model.Instrument) *Instruments {
	return &Instruments{items: items}
}

func (s *Instruments) Put(inst model.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == inst.ID {
			s.items[i] = inst
			return
		}
	}
	s.items = append(s.items, inst)
}

func (s *Instruments) Active(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Instrument, 0, len(s.items))
	for _, inst := range s.items {
		if inst.Active {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Controls holds a single controls record.
type Controls struct {
	mu  sync.RWMutex
	c   model.Controls
	err error
}

func NewControls(c model.Controls) *Controls {
	return &Controls{c: c}
}

func (s *Controls) Set(c model.Controls) {
	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
}

// Fail makes subsequent loads return err until cleared with nil.
func (s *Controls) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Controls) Load(_ context.Context) (model.Controls, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return model.Controls{}, s.err
	}
	return s.c, nil
}

// Candles keeps finalized candles keyed like the durable table.
type Candles struct {
	mu      sync.Mutex
	rows    map[candleKey]model.Candle
	writes  int
	failErr error
}

type candleKey struct {
	instrumentID uint64
	timeframe    int64
	timestamp    int64
}

func NewCandles() *Candles {
	return &Candles{rows: make(map[candleKey]model.Candle)}
}

// Fail makes subsequent upserts return err until cleared with nil.
func (s *Candles) Fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func (s *Candles) Upsert(_ context.Context, candles []model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, c := range candles {
		s.rows[candleKey{c.InstrumentID, c.Timeframe, c.Timestamp}] = c
	}
	s.writes++
	return nil
}

func (s *Candles) Recent(_ context.Context, instrumentID uint64, timeframe int64, limit int) ([]model.Candle, error) {
	all := s.Series(instrumentID, timeframe)
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Series returns all candles of one instrument and timeframe, oldest first.
func (s *Candles) Series(instrumentID uint64, timeframe int64) []model.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Candle, 0)
	for k, c := range s.rows {
		if k.instrumentID == instrumentID && k.timeframe == timeframe {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Len returns the number of stored candles.
func (s *Candles) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Trades is an in-memory trade store with transactional batch settlement.
type Trades struct {
	mu      sync.Mutex
	nextID  uint64
	trades  map[uint64]model.Trade
	forced  map[uint64]model.ForcedResult
	failErr error
	settles int
}

func NewTrades() *Trades {
	return &Trades{
		trades: make(map[uint64]model.Trade),
		forced: make(map[uint64]model.ForcedResult),
	}
}

// Place stores a trade, assigning an ID when it has none, and returns it.
func (s *Trades) Place(t model.Trade) model.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		s.nextID++
		t.ID = s.nextID
	} else if t.ID > s.nextID {
		s.nextID = t.ID
	}
	if t.Result == "" {
		t.Result = enum.ResultPending
	}
	s.trades[t.ID] = t
	return t
}

// Force pins the outcome of a trade.
func (s *Trades) Force(tradeID uint64, r enum.Result, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced[tradeID] = model.ForcedResult{ID: tradeID, TradeID: tradeID, Result: r, Reason: reason}
}

// Fail makes subsequent settlements return err until cleared with nil.
func (s *Trades) Fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// Get returns a copy of one trade.
func (s *Trades) Get(id uint64) (model.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	return t, ok
}

// All returns every trade ordered by ID.
func (s *Trades) All() []model.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SettleCalls returns the number of successful Settle batches.
func (s *Trades) SettleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settles
}

func (s *Trades) PendingExpiring(_ context.Context, instrumentID uint64, from, to time.Time) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Trade, 0)
	for _, t := range s.trades {
		if t.InstrumentID != instrumentID || t.Result != enum.ResultPending {
			continue
		}
		if t.ExpiresAt.After(from) && !t.ExpiresAt.After(to) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Trades) Overdue(_ context.Context, before time.Time, limit int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Trade, 0)
	for _, t := range s.trades {
		if t.Result == enum.ResultPending && !t.ExpiresAt.After(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Trades) DailyStats(_ context.Context, instrumentID uint64, since time.Time) (model.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st model.DailyStats
	for _, t := range s.trades {
		if t.InstrumentID != instrumentID || t.SettledAt == nil || t.SettledAt.Before(since) {
			continue
		}
		switch t.Result {
		case enum.ResultWin:
			st.Wins++
			st.Total++
		case enum.ResultLose:
			st.Total++
		}
	}
	return st, nil
}

func (s *Trades) ForcedResults(_ context.Context, tradeIDs []uint64) (map[uint64]enum.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]enum.Result)
	for _, id := range tradeIDs {
		if f, ok := s.forced[id]; ok && !f.Applied {
			out[id] = f.Result
		}
	}
	return out, nil
}

func (s *Trades) Settle(_ context.Context, settlements []model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, st := range settlements {
		t, ok := s.trades[st.TradeID]
		if !ok {
			return errors.Wrapf(exception.ErrNotFound, "trade %d", st.TradeID)
		}
		if t.Result != enum.ResultPending {
			return errors.Wrapf(exception.ErrAlreadySettled, "trade %d", st.TradeID)
		}
	}
	for _, st := range settlements {
		t := s.trades[st.TradeID]
		closing, payout, at := st.ClosingPrice, st.Payout, st.SettledAt
		t.Result = st.Result
		t.ClosingPrice = &closing
		t.Payout = &payout
		t.SettledAt = &at
		s.trades[st.TradeID] = t
		if f, ok := s.forced[st.TradeID]; ok && st.Forced {
			f.Applied = true
			f.AppliedAt = &at
			s.forced[st.TradeID] = f
		}
	}
	s.settles++
	return nil
}
