// Package scheduler drives the per-tick pipeline of every active instrument:
// price step, settlement, spot write and candle aggregation.
package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"otcmarket/internal/candle"
	"otcmarket/internal/lock"
	"otcmarket/internal/mdg"
	"otcmarket/internal/model"
	"otcmarket/internal/obs"
	"otcmarket/internal/settle"
	"otcmarket/internal/state"
	"otcmarket/pkg/exception"
)

// Snapshot is a cached read of slowly changing data.
type Snapshot[T any] interface {
	Get(ctx context.Context) (T, error)
}

// StatsSource provides the day's decided trades for the soft win-rate nudge.
type StatsSource interface {
	DailyStats(ctx context.Context, instrumentID uint64, since time.Time) (model.DailyStats, error)
}

// SettlementSink receives every committed settlement batch.
type SettlementSink func(ctx context.Context, settlements []model.Settlement)

// Deps are the collaborators of a Scheduler. Sweeper, Stats, Metrics and
// OnSettle are optional.
type Deps struct {
	Locker      lock.Locker
	Instruments Snapshot[[]model.Instrument]
	Controls    Snapshot[model.Controls]
	State       state.Store
	Engine      *mdg.Generator
	Enforcer    *settle.Enforcer
	Sweeper     *settle.Sweeper
	Candles     *candle.Aggregator
	Stats       StatsSource
	Metrics     *obs.Metrics
	OnSettle    SettlementSink
}

// Config tunes the loop.
type Config struct {
	// TickInterval overrides the controls cadence when positive.
	TickInterval  time.Duration
	MaxDuration   time.Duration
	ErrorBackoff  time.Duration
	LockRefresh   time.Duration
	Workers       int
	StatsInterval time.Duration
	StoreTimeout  time.Duration
	SweepInterval time.Duration
	TTLs          state.TTLs
}

func DefaultConfig() Config {
	return Config{
		ErrorBackoff:  time.Second,
		LockRefresh:   2 * time.Second,
		Workers:       8,
		StatsInterval: time.Minute,
		StoreTimeout:  2 * time.Second,
		SweepInterval: 30 * time.Second,
		TTLs:          state.DefaultTTLs(),
	}
}

// Report summarizes one iteration.
type Report struct {
	Interval    time.Duration
	Instruments int
	Succeeded   int
	Failed      int
	Settled     int
	Enforced    int
	Relaxed     int
	Capped      int
	Candles     int
	// Err is set when the iteration could not run at all.
	Err error
}

func (r Report) hasErrors() bool {
	return r.Err != nil || r.Failed > 0
}

// Scheduler runs the tick loop under the single-writer lock.
type Scheduler struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	mu      sync.Mutex
	totals  Report
	started time.Time
}

func New(deps Deps, cfg Config) (*Scheduler, error) {
	switch {
	case deps.Locker == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "locker")
	case deps.Instruments == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "instrument snapshot")
	case deps.Controls == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "controls snapshot")
	case deps.State == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "state store")
	case deps.Engine == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "engine")
	case deps.Enforcer == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "enforcer")
	case deps.Candles == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "candle aggregator")
	}

	def := DefaultConfig()
	if cfg.TickInterval > 0 {
		cfg.TickInterval = model.ClampTickInterval(cfg.TickInterval)
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = def.LockRefresh
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.TTLs == (state.TTLs{}) {
		cfg.TTLs = def.TTLs
	}
	return &Scheduler{deps: deps, cfg: cfg, now: time.Now}, nil
}

// Run acquires the lock and ticks until ctx is done, MaxDuration elapses or
// the lease is lost. It returns exception.ErrLockHeld when another instance
// runs and exception.ErrLockLost when the lease was taken away.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.deps.Locker.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		if err := s.deps.Locker.Release(rctx); err != nil {
			logs.Warnf("scheduler: release lock: %+v", err)
		}
	}()

	if s.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxDuration)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepLease(ctx, cancel)
	}()
	defer func() {
		cancel(nil)
		wg.Wait()
	}()

	s.started = s.now()
	logs.Infof("scheduler started, workers %d, max duration %s", s.cfg.Workers, s.cfg.MaxDuration)
	s.Bootstrap(ctx)
	s.sweep(ctx)

	stats := rate.Sometimes{Interval: s.cfg.StatsInterval}
	lastSweep := s.now()
	for ctx.Err() == nil {
		start := s.now()
		rep := s.Tick(ctx, start)
		s.deps.Metrics.ObserveIteration(s.now().Sub(start))
		s.accumulate(rep)

		if s.now().Sub(lastSweep) >= s.cfg.SweepInterval {
			s.sweep(ctx)
			lastSweep = s.now()
		}
		stats.Do(s.logStats)

		wait := rep.Interval - s.now().Sub(start)
		if rep.hasErrors() {
			if rep.Err != nil {
				logs.Warnf("scheduler: iteration failed: %+v", rep.Err)
			}
			wait = max(wait, s.cfg.ErrorBackoff)
		}
		sleep(ctx, wait)
	}

	s.logStats()
	if cause := context.Cause(ctx); stderrors.Is(cause, exception.ErrLockLost) {
		logs.Errorf("scheduler stopped: %+v", cause)
		return cause
	}
	logs.Infof("scheduler stopped after %s", s.now().Sub(s.started).Round(time.Second))
	return nil
}

// keepLease refreshes the lock until ctx is done and cancels the run when
// the lease is lost. Transient refresh errors are retried on the next beat.
func (s *Scheduler) keepLease(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.LockRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.deps.Locker.Refresh(ctx)
		switch {
		case err == nil:
		case stderrors.Is(err, exception.ErrLockLost):
			s.deps.Metrics.IncError("lock")
			cancel(err)
			return
		case ctx.Err() != nil:
			return
		default:
			s.deps.Metrics.IncError("lock")
			logs.Warnf("scheduler: refresh lock: %+v", err)
		}
	}
}

// Interval returns the cadence for the given controls.
func (s *Scheduler) Interval(ctrl model.Controls) time.Duration {
	if s.cfg.TickInterval > 0 {
		return s.cfg.TickInterval
	}
	return ctrl.TickInterval()
}

// Tick runs one iteration over every active instrument at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) Report {
	ctrl, err := s.deps.Controls.Get(ctx)
	if err != nil {
		s.deps.Metrics.IncError("controls")
	}
	ctrl = ctrl.Sanitize()
	rep := Report{Interval: s.Interval(ctrl)}

	insts, err := s.deps.Instruments.Get(ctx)
	if err != nil {
		s.deps.Metrics.IncError("catalog")
		if len(insts) == 0 {
			rep.Err = errors.Wrap(err, "load instruments")
			return rep
		}
	}
	rep.Instruments = len(insts)

	interval := rep.Interval
	var mu sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(s.cfg.Workers)
	for _, inst := range insts {
		g.Go(func() error {
			u, err := s.tickInstrument(ctx, inst, ctrl, now, interval)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				logs.Warnf("scheduler: tick %s: %+v", inst.Symbol, err)
				return nil
			}
			rep.Succeeded++
			rep.Settled += u.settled
			rep.Candles += u.candles
			if u.enforced {
				rep.Enforced++
			}
			if u.relaxed {
				rep.Relaxed++
			}
			if u.capped {
				rep.Capped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

type unit struct {
	settled  int
	candles  int
	enforced bool
	relaxed  bool
	capped   bool
}

// tickInstrument runs step, enforce, spot write and aggregation for one
// instrument. Only a failed step aborts the unit; later failures are logged
// and the unit continues with the natural price.
func (s *Scheduler) tickInstrument(ctx context.Context, inst model.Instrument, ctrl model.Controls, now time.Time, interval time.Duration) (unit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var u unit
	st, err := state.LoadSpot(ctx, s.deps.State, inst.ID)
	if err != nil {
		s.deps.Metrics.IncError("state")
		return u, err
	}
	if st.Price <= 0 {
		if st.Price, err = state.GetOrSeed(ctx, s.deps.State, inst.ID, inst.Anchor(), s.cfg.TTLs); err != nil {
			s.deps.Metrics.IncError("state")
			return u, err
		}
	}

	out, err := s.deps.Engine.Step(mdg.Input{
		Instrument:       inst,
		Spot:             st.Price,
		State:            st,
		Controls:         ctrl,
		WinRateInfluence: s.winRateInfluence(ctx, inst, ctrl, now),
		Now:              now,
	})
	if err != nil {
		s.deps.Metrics.IncError("step")
		return u, err
	}

	res, err := s.deps.Enforcer.Enforce(ctx, settle.Request{
		Instrument:   inst,
		Natural:      out.Price,
		TrueRange:    out.State.TrueRangeEWMA,
		Controls:     ctrl,
		Now:          now,
		TickDuration: interval,
	})
	if err != nil {
		s.deps.Metrics.IncError("enforce")
		logs.Warnf("scheduler: enforce %s, trades stay pending: %+v", inst.Symbol, err)
	}
	price := res.Price
	next := out.State
	next.Price = price

	if err := state.SaveSpot(ctx, s.deps.State, inst.ID, next, s.cfg.TTLs); err != nil {
		s.deps.Metrics.IncError("state")
		logs.Warnf("scheduler: save spot %s: %+v", inst.Symbol, err)
	}

	finalized, err := s.deps.Candles.Ingest(ctx, inst, price, now)
	if err != nil {
		s.deps.Metrics.IncError("candle")
		logs.Warnf("scheduler: aggregate %s: %+v", inst.Symbol, err)
	}

	s.deps.Metrics.ObserveTick(inst.Symbol, price)
	for _, stl := range res.Settlements {
		s.deps.Metrics.ObserveSettlement(string(stl.Result))
	}
	if res.Enforced {
		s.deps.Metrics.IncEnforcement(res.Band.Relaxed)
	}
	if len(res.Settlements) != 0 && s.deps.OnSettle != nil {
		s.deps.OnSettle(ctx, res.Settlements)
	}

	u.settled = len(res.Settlements)
	u.candles = len(finalized)
	u.enforced = res.Enforced
	u.relaxed = res.Band.Relaxed
	u.capped = res.Capped
	return u, nil
}

// winRateInfluence biases the natural step toward the day's target. It is
// zero when enforcement is off or the stats are unavailable.
func (s *Scheduler) winRateInfluence(ctx context.Context, inst model.Instrument, ctrl model.Controls, now time.Time) float64 {
	if s.deps.Stats == nil || !ctrl.EnforceWinRate {
		return 0
	}
	stats, err := s.deps.Stats.DailyStats(ctx, inst.ID, ctrl.DayStart(now))
	if err != nil {
		logs.Debugf("scheduler: daily stats %s: %+v", inst.Symbol, err)
		return 0
	}
	return mdg.WinRateInfluence(ctrl.TargetFraction(), stats)
}

// Bootstrap seeds missing spot prices from the last persisted candle close
// and restores the in-progress candles.
func (s *Scheduler) Bootstrap(ctx context.Context) {
	insts, err := s.deps.Instruments.Get(ctx)
	if err != nil && len(insts) == 0 {
		logs.Warnf("scheduler: bootstrap skipped: %+v", err)
		return
	}
	for _, inst := range insts {
		bctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		last, found, err := s.deps.Candles.Bootstrap(bctx, inst)
		if err != nil {
			logs.Warnf("scheduler: bootstrap candles %s: %+v", inst.Symbol, err)
		}
		anchor := inst.Anchor()
		if found && last > 0 {
			anchor = inst.Clamp(last)
		}
		price, err := state.GetOrSeed(bctx, s.deps.State, inst.ID, anchor, s.cfg.TTLs)
		cancel()
		if err != nil {
			logs.Warnf("scheduler: seed spot %s: %+v", inst.Symbol, err)
			continue
		}
		logs.Infof("scheduler: %s starts at %v", inst.Symbol, price)
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if s.deps.Sweeper == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	settled, err := s.deps.Sweeper.Sweep(sctx, s.now())
	if err != nil {
		s.deps.Metrics.IncError("sweep")
		logs.Warnf("scheduler: sweep overdue trades: %+v", err)
		return
	}
	if len(settled) == 0 {
		return
	}
	for _, stl := range settled {
		s.deps.Metrics.ObserveSettlement(string(stl.Result))
	}
	if s.deps.OnSettle != nil {
		s.deps.OnSettle(ctx, settled)
	}
	s.mu.Lock()
	s.totals.Settled += len(settled)
	s.mu.Unlock()
	logs.Infof("scheduler: settled %d overdue trades", len(settled))
}

func (s *Scheduler) accumulate(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals.Instruments += r.Succeeded + r.Failed
	s.totals.Succeeded += r.Succeeded
	s.totals.Failed += r.Failed
	s.totals.Settled += r.Settled
	s.totals.Enforced += r.Enforced
	s.totals.Relaxed += r.Relaxed
	s.totals.Capped += r.Capped
	s.totals.Candles += r.Candles
}

// Totals returns the counts accumulated since Run started.
func (s *Scheduler) Totals() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

func (s *Scheduler) logStats() {
	t := s.Totals()
	lat := s.deps.Metrics.Snapshot().TickLatency
	logs.Infof("scheduler stats: uptime %s, instrument ticks %d, failed %d, enforced %d, relaxed %d, capped %d, settled %d, candles %d, iteration avg %s max %s",
		s.now().Sub(s.started).Round(time.Second), t.Succeeded, t.Failed, t.Enforced, t.Relaxed, t.Capped, t.Settled, t.Candles, lat.Avg, lat.Max)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// PriceLookup resolves an instrument and its current spot for the overdue sweep.
func PriceLookup(instruments Snapshot[[]model.Instrument], store state.Store) settle.PriceLookup {
	return func(ctx context.Context, instrumentID uint64) (model.Instrument, float64, bool) {
		insts, _ := instruments.Get(ctx)
		for _, inst := range insts {
			if inst.ID != instrumentID {
				continue
			}
			price, ok, err := store.Get(ctx, instrumentID, state.FieldSpot)
			if err != nil || !ok || price <= 0 {
				return model.Instrument{}, 0, false
			}
			return inst, price, true
		}
		return model.Instrument{}, 0, false
	}
}
