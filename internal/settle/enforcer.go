package settle

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/yanun0323/errors"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/internal/random"
	"otcmarket/pkg/exception"
)

// TradeStore is the trade persistence the enforcer needs.
type TradeStore interface {
	// PendingExpiring returns PENDING trades of the instrument with from < expiry <= to.
	PendingExpiring(ctx context.Context, instrumentID uint64, from, to time.Time) ([]model.Trade, error)
	// DailyStats counts WIN and LOSE trades of the instrument settled at or after since.
	DailyStats(ctx context.Context, instrumentID uint64, since time.Time) (model.DailyStats, error)
	// ForcedResults returns unapplied admin overrides for the given trades.
	ForcedResults(ctx context.Context, tradeIDs []uint64) (map[uint64]enum.Result, error)
	// Settle applies every settlement in one transaction, or none of them.
	Settle(ctx context.Context, settlements []model.Settlement) error
}

// Config tunes the enforcer.
type Config struct {
	// WindowSlack widens the expiry window backwards to absorb scheduling jitter.
	WindowSlack time.Duration `json:"windowSlack"`
	// NudgeTrueRangeMultiple caps the override distance in units of the true-range EWMA.
	NudgeTrueRangeMultiple float64 `json:"nudgeTrueRangeMultiple"`
	// FullTargetThreshold is the target fraction from which the cap is bypassed.
	FullTargetThreshold float64 `json:"fullTargetThreshold"`
	// JitterTicks is the maximum sub-tick jitter added to the closing price.
	JitterTicks float64 `json:"jitterTicks"`
}

func DefaultConfig() Config {
	return Config{
		WindowSlack:            time.Second,
		NudgeTrueRangeMultiple: 0.8,
		FullTargetThreshold:    0.999,
		JitterTicks:            0.3,
	}
}

// Request is the input of one enforcement.
type Request struct {
	Instrument   model.Instrument
	Natural      float64
	TrueRange    float64
	Controls     model.Controls
	Now          time.Time
	TickDuration time.Duration
}

// Outcome is the committed closing price and the settlements written with it.
type Outcome struct {
	Price       float64
	Settlements []model.Settlement
	NeededWins  int
	Band        Band
	Enforced    bool
	Capped      bool
}

// Enforcer settles trades expiring in a tick so the day's win rate tracks the target.
type Enforcer struct {
	store TradeStore
	rng   *random.Generator
	cfg   Config
}

func NewEnforcer(store TradeStore, rng *random.Generator, cfg Config) (*Enforcer, error) {
	if store == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "trade store")
	}
	def := DefaultConfig()
	if cfg.WindowSlack < 0 {
		cfg.WindowSlack = def.WindowSlack
	}
	if cfg.NudgeTrueRangeMultiple <= 0 {
		cfg.NudgeTrueRangeMultiple = def.NudgeTrueRangeMultiple
	}
	if cfg.FullTargetThreshold <= 0 || cfg.FullTargetThreshold > 1 {
		cfg.FullTargetThreshold = def.FullTargetThreshold
	}
	if cfg.JitterTicks < 0 || cfg.JitterTicks >= 0.5 {
		cfg.JitterTicks = def.JitterTicks
	}
	if rng == nil {
		rng = random.NewFromTime()
	}
	return &Enforcer{store: store, rng: rng, cfg: cfg}, nil
}

// Window returns the half-open expiry window (from, to] served by a tick at now.
func (e *Enforcer) Window(now time.Time, tick time.Duration) (from, to time.Time) {
	return now.Add(-tick - e.cfg.WindowSlack), now
}

// Enforce picks the closing price for the instrument's tick and settles every
// trade expiring in it. On error the natural price is returned and no trade
// has been settled.
func (e *Enforcer) Enforce(ctx context.Context, req Request) (Outcome, error) {
	inst := req.Instrument
	out := Outcome{Price: req.Natural}

	from, to := e.Window(req.Now, req.TickDuration)
	trades, err := e.store.PendingExpiring(ctx, inst.ID, from, to)
	if err != nil {
		return out, errors.Wrap(err, "load expiring trades").With("instrument", inst.ID)
	}
	if len(trades) == 0 {
		return out, nil
	}

	ids := make([]uint64, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}
	forced, err := e.store.ForcedResults(ctx, ids)
	if err != nil {
		return out, errors.Wrap(err, "load forced results").With("instrument", inst.ID)
	}

	if !req.Controls.EnforceWinRate {
		out.Settlements = settleNatural(inst, trades, forced, req.Natural, req.Now)
		if err := e.store.Settle(ctx, out.Settlements); err != nil {
			return Outcome{Price: req.Natural}, errors.Wrap(err, "settle natural batch").With("instrument", inst.ID)
		}
		return out, nil
	}
	stats, err := e.store.DailyStats(ctx, inst.ID, req.Controls.DayStart(req.Now))
	if err != nil {
		return out, errors.Wrap(err, "load daily stats").With("instrument", inst.ID)
	}

	winners, losers, needed := e.assign(inst, trades, forced, stats, req)
	band := BuildBand(inst, winners, losers)
	price, capped := e.choose(inst, band, req)

	settlements, err := e.decide(inst, band, winners, losers, forced, price, req.Now)
	if err != nil {
		return out, err
	}
	if err := e.store.Settle(ctx, settlements); err != nil {
		return out, errors.Wrap(err, "settle batch").With("instrument", inst.ID).With("trades", len(settlements))
	}

	return Outcome{
		Price:       price,
		Settlements: settlements,
		NeededWins:  needed,
		Band:        band,
		Enforced:    true,
		Capped:      capped,
	}, nil
}

// assign splits trades into intended winners and losers. Forced results are
// honored first; the rest are ranked by how cheap they are to turn into wins.
func (e *Enforcer) assign(inst model.Instrument, trades []model.Trade, forced map[uint64]enum.Result, stats model.DailyStats, req Request) (winners, losers []model.Trade, needed int) {
	eps := inst.HalfTick()
	free := make([]model.Trade, 0, len(trades))
	forcedWins := 0
	for _, t := range trades {
		switch forced[t.ID] {
		case enum.ResultWin:
			winners = append(winners, t)
			forcedWins++
		case enum.ResultLose:
			losers = append(losers, t)
		default:
			free = append(free, t)
		}
	}

	needed = NeededWins(stats.Wins, stats.Total, len(trades), req.Controls.TargetFraction())
	freeNeeded := min(max(needed-forcedWins, 0), len(free))

	sort.SliceStable(free, func(i, j int) bool {
		ci := FlipCost(free[i].Direction, free[i].EntryPrice, req.Natural, eps)
		cj := FlipCost(free[j].Direction, free[j].EntryPrice, req.Natural, eps)
		if ci != cj {
			return ci < cj
		}
		return free[i].ID < free[j].ID
	})
	winners = append(winners, free[:freeNeeded]...)
	losers = append(losers, free[freeNeeded:]...)
	return winners, losers, needed
}

// choose returns the closing price: the grid point inside the band closest to
// the natural price, limited by the distortion cap, then bounded and jittered.
func (e *Enforcer) choose(inst model.Instrument, band Band, req Request) (float64, bool) {
	tick := inst.Tick()
	natural := req.Natural
	price := nearestInside(inst, band, natural)

	capped := false
	limit := math.Max(e.cfg.NudgeTrueRangeMultiple*req.TrueRange, tick)
	if dist := price - natural; math.Abs(dist) > limit && req.Controls.TargetFraction() < e.cfg.FullTargetThreshold {
		capped = true
		if dist > 0 {
			price = inst.FloorTick(natural + limit)
		} else {
			price = inst.CeilTick(natural - limit)
		}
	}
	price = inst.Round(inst.Clamp(price))

	if e.cfg.JitterTicks > 0 {
		jittered := price + e.rng.Between(-e.cfg.JitterTicks, e.cfg.JitterTicks)*tick
		if inst.Clamp(jittered) == jittered && (!band.Contains(price) || band.Contains(jittered)) {
			price = jittered
		}
	}
	return price, capped
}

// decide computes the authoritative result of every trade at price. When the
// price lies in the band, every kept trade must land in its intended bucket.
func (e *Enforcer) decide(inst model.Instrument, band Band, winners, losers []model.Trade, forced map[uint64]enum.Result, price float64, now time.Time) ([]model.Settlement, error) {
	check := band.Contains(price)
	out := make([]model.Settlement, 0, len(winners)+len(losers))
	add := func(t model.Trade, intended enum.Result) error {
		r := OutcomeFor(t.Direction, t.EntryPrice, price, inst.Precision)
		if r == enum.ResultTie {
			r = enum.ResultLose
		}
		if check && band.Kept(t.ID) && r != intended {
			return errors.Wrapf(exception.ErrFeasibility, "trade %d intended %s got %s at %v", t.ID, intended, r, price).
				With("band_lo", band.Lo).With("band_hi", band.Hi)
		}
		s := t.Settle(r, price, now)
		s.Forced = forced[t.ID] == enum.ResultWin || forced[t.ID] == enum.ResultLose
		out = append(out, s)
		return nil
	}
	for _, t := range winners {
		if err := add(t, enum.ResultWin); err != nil {
			return nil, err
		}
	}
	for _, t := range losers {
		if err := add(t, enum.ResultLose); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func settleNatural(inst model.Instrument, trades []model.Trade, forced map[uint64]enum.Result, price float64, now time.Time) []model.Settlement {
	out := make([]model.Settlement, 0, len(trades))
	for _, t := range trades {
		out = append(out, naturalSettlement(inst, t, forced[t.ID], price, now))
	}
	return out
}

// naturalSettlement decides t at price with TIE allowed, unless an admin
// pinned its result.
func naturalSettlement(inst model.Instrument, t model.Trade, pinned enum.Result, price float64, now time.Time) model.Settlement {
	if pinned == enum.ResultWin || pinned == enum.ResultLose {
		s := t.Settle(pinned, price, now)
		s.Forced = true
		return s
	}
	return t.Settle(OutcomeFor(t.Direction, t.EntryPrice, price, inst.Precision), price, now)
}
