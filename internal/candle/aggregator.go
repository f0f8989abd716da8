package candle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"otcmarket/internal/model"
	"otcmarket/internal/obs"
	"otcmarket/internal/random"
	"otcmarket/pkg/exception"
)

// DefaultTimeframes are the candle sizes in seconds.
var DefaultTimeframes = []int64{5, 10, 15, 30, 60, 120, 300, 600, 900, 1800, 3600, 7200, 14400}

const defaultMaxGapFill = 2000

// Store persists finalized candles.
type Store interface {
	// Upsert writes candles keyed by (instrument, timeframe, timestamp), overwriting duplicates.
	Upsert(ctx context.Context, candles []model.Candle) error
	// Recent returns up to limit candles, newest first.
	Recent(ctx context.Context, instrumentID uint64, timeframe int64, limit int) ([]model.Candle, error)
}

// Mirror exposes live and recent candles in a shared cache for readers outside this process.
type Mirror interface {
	SaveLive(ctx context.Context, candles []model.Candle) error
	LoadLive(ctx context.Context, instrumentID uint64, timeframe int64) (model.Candle, bool, error)
	PushFinalized(ctx context.Context, candles []model.Candle) error
}

// Observer is called with candles after they were persisted.
type Observer func(ctx context.Context, finalized []model.Candle)

// Gap is a run of buckets [From, To) left without candles because the
// interval exceeded the fill limit. Timestamps are bucket starts in seconds.
type Gap struct {
	InstrumentID uint64
	Timeframe    int64
	From         int64
	To           int64
}

// Buckets returns the number of skipped candles.
func (g Gap) Buckets() int64 {
	return (g.To - g.From) / g.Timeframe
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithTimeframes(tfs ...int64) Option {
	return func(a *Aggregator) { a.timeframes = tfs }
}

func WithMirror(m Mirror) Option {
	return func(a *Aggregator) { a.mirror = m }
}

func WithObserver(o Observer) Option {
	return func(a *Aggregator) { a.observer = o }
}

// WithVolume sets the synthetic volume draw used for every tick.
func WithVolume(fn func() float64) Option {
	return func(a *Aggregator) { a.volume = fn }
}

// WithMaxGapFill bounds the number of flat candles emitted for one skipped interval.
func WithMaxGapFill(n int) Option {
	return func(a *Aggregator) { a.maxGap = n }
}

// WithGapHandler receives every run of buckets skipped by the fill limit so
// it can be backfilled later.
func WithGapHandler(fn func(Gap)) Option {
	return func(a *Aggregator) { a.onGap = fn }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

type book struct {
	mu      sync.Mutex
	live    map[int64]model.Candle
	last    float64
	hasLast bool
}

// Aggregator keeps one in-progress candle per (instrument, timeframe) and
// finalizes it when a tick lands in a later bucket.
type Aggregator struct {
	store      Store
	mirror     Mirror
	observer   Observer
	onGap      func(Gap)
	metrics    *obs.Metrics
	volume     func() float64
	timeframes []int64
	maxGap     int

	mu    sync.Mutex
	books map[uint64]*book
}

// NewAggregator creates an aggregator writing finalized candles to store.
func NewAggregator(store Store, opts ...Option) (*Aggregator, error) {
	if store == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "candle store")
	}
	a := &Aggregator{
		store:      store,
		timeframes: DefaultTimeframes,
		maxGap:     defaultMaxGapFill,
		books:      make(map[uint64]*book),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.volume == nil {
		a.volume = Volume(random.NewFromTime())
	}
	if len(a.timeframes) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidTimeframe, "no timeframes")
	}
	for _, tf := range a.timeframes {
		if tf <= 0 {
			return nil, errors.Wrapf(exception.ErrInvalidTimeframe, "timeframe %d", tf)
		}
	}
	if a.maxGap < 0 {
		a.maxGap = 0
	}
	return a, nil
}

// Volume returns the default synthetic volume draw: 1000*(1+0.3*N(0,1)), never negative.
func Volume(rng *random.Generator) func() float64 {
	return func() float64 {
		return math.Max(0, 1000*(1+0.3*rng.Gaussian()))
	}
}

// Timeframes returns the configured timeframes.
func (a *Aggregator) Timeframes() []int64 {
	return a.timeframes
}

func (a *Aggregator) book(instrumentID uint64) *book {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.books[instrumentID]
	if !ok {
		b = &book{live: make(map[int64]model.Candle, len(a.timeframes))}
		a.books[instrumentID] = b
	}
	return b
}

// Ingest folds a tick into every timeframe and returns the candles it finalized.
// Persistence failures are logged and never returned.
func (a *Aggregator) Ingest(ctx context.Context, inst model.Instrument, price float64, ts time.Time) ([]model.Candle, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, errors.Wrapf(exception.ErrInvalidPrice, "price %v", price).With("instrument", inst.ID)
	}

	b := a.book(inst.ID)
	b.mu.Lock()
	defer b.mu.Unlock()

	sec := ts.Unix()
	var finalized []model.Candle
	live := make([]model.Candle, 0, len(a.timeframes))
	for _, tf := range a.timeframes {
		bucket := model.BucketStart(sec, tf)
		cur, ok := b.live[tf]
		switch {
		case !ok:
			cur = model.NewCandle(inst.ID, tf, bucket, price, a.volume())
		case cur.Timestamp == bucket:
			cur.Apply(price, a.volume())
		case cur.Timestamp < bucket:
			finalized = append(finalized, cur)
			finalized = a.fillGap(finalized, cur, bucket)
			next := model.NewCandle(inst.ID, tf, bucket, cur.Close, 0)
			next.Apply(price, a.volume())
			cur = next
		default:
			logs.Debugf("candle: stale tick for instrument %d tf %d, bucket %d < live %d", inst.ID, tf, bucket, cur.Timestamp)
			continue
		}
		b.live[tf] = cur
		live = append(live, cur)
	}
	b.last, b.hasLast = price, true

	if len(finalized) != 0 {
		a.persist(ctx, inst, finalized)
	}
	if a.mirror != nil && len(live) != 0 {
		if err := a.mirror.SaveLive(ctx, live); err != nil {
			logs.Warnf("candle: mirror live candles for instrument %d, err: %+v", inst.ID, err)
		}
	}
	return finalized, nil
}

// fillGap appends flat candles for every bucket between prev and bucket.
func (a *Aggregator) fillGap(out []model.Candle, prev model.Candle, bucket int64) []model.Candle {
	tf := prev.Timeframe
	next := prev.Timestamp + tf
	missing := (bucket - next) / tf
	if missing <= 0 {
		return out
	}
	if missing > int64(a.maxGap) {
		gap := Gap{InstrumentID: prev.InstrumentID, Timeframe: tf, From: next, To: bucket - int64(a.maxGap)*tf}
		logs.Warnf("candle: instrument %d tf %d left %d buckets unfilled in [%d, %d), filling the last %d",
			gap.InstrumentID, tf, gap.Buckets(), gap.From, gap.To, a.maxGap)
		if a.onGap != nil {
			a.onGap(gap)
		}
		next = gap.To
	}
	for ; next < bucket; next += tf {
		out = append(out, model.NewCandle(prev.InstrumentID, tf, next, prev.Close, 0))
	}
	return out
}

func (a *Aggregator) persist(ctx context.Context, inst model.Instrument, finalized []model.Candle) {
	if err := a.store.Upsert(ctx, finalized); err != nil {
		a.metrics.IncCandleFailure()
		logs.Warnf("candle: upsert %d candles for %s, err: %+v", len(finalized), inst.Symbol, err)
		return
	}
	a.metrics.AddCandles(len(finalized))
	if a.mirror != nil {
		if err := a.mirror.PushFinalized(ctx, finalized); err != nil {
			logs.Warnf("candle: mirror finalized candles for %s, err: %+v", inst.Symbol, err)
		}
	}
	if a.observer != nil {
		a.observer(ctx, finalized)
	}
}

// CurrentPrice returns the last price ingested for the instrument.
func (a *Aggregator) CurrentPrice(instrumentID uint64) (float64, bool) {
	b := a.book(instrumentID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Live returns the in-progress candle for the instrument and timeframe.
func (a *Aggregator) Live(instrumentID uint64, timeframe int64) (model.Candle, bool) {
	b := a.book(instrumentID)
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.live[timeframe]
	return c, ok
}

// Bootstrap restores in-progress candles after a restart so continuity holds
// across process lifetimes. It prefers the mirrored live candle and falls back
// to the newest durable candle, which is re-finalized idempotently on rollover.
// It returns the most recent close seen, if any.
func (a *Aggregator) Bootstrap(ctx context.Context, inst model.Instrument) (float64, bool, error) {
	b := a.book(inst.ID)
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		lastClose float64
		lastTf    int64
		found     bool
	)
	for _, tf := range a.timeframes {
		if _, ok := b.live[tf]; ok {
			continue
		}
		c, ok, err := a.restore(ctx, inst.ID, tf)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			continue
		}
		b.live[tf] = c
		// The smallest timeframe carries the freshest close.
		if !found || tf < lastTf {
			lastTf, lastClose, found = tf, c.Close, true
		}
	}
	if found && !b.hasLast {
		b.last, b.hasLast = lastClose, true
	}
	return lastClose, found, nil
}

func (a *Aggregator) restore(ctx context.Context, instrumentID uint64, tf int64) (model.Candle, bool, error) {
	if a.mirror != nil {
		c, ok, err := a.mirror.LoadLive(ctx, instrumentID, tf)
		if err != nil {
			logs.Warnf("candle: load mirrored candle %d/%d, err: %+v", instrumentID, tf, err)
		} else if ok {
			return c, true, nil
		}
	}
	rows, err := a.store.Recent(ctx, instrumentID, tf, 1)
	if err != nil {
		return model.Candle{}, false, errors.Wrap(err, "load recent candle").With("instrument", instrumentID).With("timeframe", tf)
	}
	if len(rows) == 0 {
		return model.Candle{}, false, nil
	}
	return rows[0], true, nil
}
