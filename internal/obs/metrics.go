package obs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "otc"

// Metrics collects engine counters. Every counter is exported to prometheus
// and mirrored in atomic values for the periodic stats log.
type Metrics struct {
	ticks            *prometheus.CounterVec
	tickErrors       *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	spot             *prometheus.GaugeVec
	candlesFinalized prometheus.Counter
	candleFailures   prometheus.Counter
	settlements      *prometheus.CounterVec
	enforcements     prometheus.Counter
	relaxations      prometheus.Counter
	queueDrops       prometheus.Counter
	queueClosed      prometheus.Counter

	tickCount       uint64
	errorCount      uint64
	candleCount     uint64
	candleFailCount uint64
	settleCount     uint64
	enforceCount    uint64
	relaxCount      uint64
	queueDropCount  uint64
	queueCloseCount uint64

	tickLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current counter values.
type Snapshot struct {
	Ticks            uint64
	Errors           uint64
	CandlesFinalized uint64
	CandleFailures   uint64
	Settlements      uint64
	Enforcements     uint64
	Relaxations      uint64
	QueueDrops       uint64
	QueueClosed      uint64
	TickLatency      LatencySnapshot
}

// NewMetrics allocates metrics and registers them on reg. A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Instrument ticks processed.",
		}, []string{"symbol"}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Tick failures by stage.",
		}, []string{"stage"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler iteration over all instruments.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		spot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spot_price",
			Help:      "Last committed spot price.",
		}, []string{"symbol"}),
		candlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_finalized_total",
			Help:      "Candles persisted on bucket rollover.",
		}),
		candleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candle_write_failures_total",
			Help:      "Candle upserts that failed and were skipped.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Trades settled by result.",
		}, []string{"result"}),
		enforcements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcements_total",
			Help:      "Ticks where expiring trades were settled by the enforcer.",
		}),
		relaxations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "band_relaxations_total",
			Help:      "Enforcements whose price band had to be relaxed.",
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_drops_total",
			Help:      "Events dropped because the publish queue was full.",
		}),
		queueClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_closed_total",
			Help:      "Publish attempts after the queue was closed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ticks,
			m.tickErrors,
			m.tickDuration,
			m.spot,
			m.candlesFinalized,
			m.candleFailures,
			m.settlements,
			m.enforcements,
			m.relaxations,
			m.queueDrops,
			m.queueClosed,
		)
	}
	return m
}

// ObserveTick records one committed instrument price.
func (m *Metrics) ObserveTick(symbol string, price float64) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tickCount, 1)
	m.ticks.WithLabelValues(symbol).Inc()
	m.spot.WithLabelValues(symbol).Set(price)
}

// IncError records a failure in stage.
func (m *Metrics) IncError(stage string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.errorCount, 1)
	m.tickErrors.WithLabelValues(stage).Inc()
}

// ObserveIteration measures one scheduler iteration.
func (m *Metrics) ObserveIteration(d time.Duration) {
	if m == nil {
		return
	}
	m.tickLatency.Observe(d)
	m.tickDuration.Observe(d.Seconds())
}

// AddCandles records n finalized candles.
func (m *Metrics) AddCandles(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.candleCount, uint64(n))
	m.candlesFinalized.Add(float64(n))
}

// IncCandleFailure records a failed candle upsert.
func (m *Metrics) IncCandleFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.candleFailCount, 1)
	m.candleFailures.Inc()
}

// ObserveSettlement records one settled trade.
func (m *Metrics) ObserveSettlement(result string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.settleCount, 1)
	m.settlements.WithLabelValues(result).Inc()
}

// IncEnforcement records one enforced tick, and whether its band was relaxed.
func (m *Metrics) IncEnforcement(relaxed bool) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.enforceCount, 1)
	m.enforcements.Inc()
	if relaxed {
		atomic.AddUint64(&m.relaxCount, 1)
		m.relaxations.Inc()
	}
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDropCount, 1)
	m.queueDrops.Inc()
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	m.queueClosed.Inc()
	atomic.AddUint64(&m.queueCloseCount, 1)
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Ticks:            atomic.LoadUint64(&m.tickCount),
		Errors:           atomic.LoadUint64(&m.errorCount),
		CandlesFinalized: atomic.LoadUint64(&m.candleCount),
		CandleFailures:   atomic.LoadUint64(&m.candleFailCount),
		Settlements:      atomic.LoadUint64(&m.settleCount),
		Enforcements:     atomic.LoadUint64(&m.enforceCount),
		Relaxations:      atomic.LoadUint64(&m.relaxCount),
		QueueDrops:       atomic.LoadUint64(&m.queueDropCount),
		QueueClosed:      atomic.LoadUint64(&m.queueCloseCount),
		TickLatency:      m.tickLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		cur := atomic.LoadUint64(&l.min)
		if cur != 0 && nanos >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, cur, nanos) {
			break
		}
	}

	for {
		cur := atomic.LoadUint64(&l.max)
		if nanos <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
