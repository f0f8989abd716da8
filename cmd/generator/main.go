package main

import (
	"context"
	stderrors "errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"otcmarket/internal/bus"
	"otcmarket/internal/candle"
	"otcmarket/internal/lock"
	"otcmarket/internal/mdg"
	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/internal/obs"
	"otcmarket/internal/ops"
	"otcmarket/internal/publish"
	"otcmarket/internal/random"
	"otcmarket/internal/scheduler"
	"otcmarket/internal/settle"
	"otcmarket/internal/snapshot"
	"otcmarket/internal/state"
	"otcmarket/internal/storage"
	"otcmarket/internal/storage/memory"
	"otcmarket/pkg/conn"
	"otcmarket/pkg/exception"
)

const (
	exitOK      = 0
	exitLock    = 1
	exitStartup = 2
)

type stores struct {
	instruments func(context.Context) ([]model.Instrument, error)
	controls    func(context.Context) (model.Controls, error)
	candles     candle.Store
	trades      interface {
		settle.TradeStore
		settle.SweepStore
		scheduler.StatsSource
	}
	state  state.Store
	locker lock.Locker
	mirror candle.Mirror
	close  func()
}

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	tickInterval := flag.Duration("tick-interval", 0, "Override the tick interval from system controls")
	maxDuration := flag.Duration("max-duration", 0, "Stop after this long (0 runs until signalled)")
	workers := flag.Int("workers", 0, "Instruments processed concurrently per tick")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address, overrides config")
	profile := flag.Bool("pyroscope", false, "Enable continuous profiling")
	inMemory := flag.Bool("memory", false, "Run against in-memory stores with a demo catalog")
	flag.Parse()

	os.Exit(run(*configPath, *tickInterval, *maxDuration, *workers, *metricsAddr, *profile, *inMemory))
}

func run(configPath string, tickInterval, maxDuration time.Duration, workers int, metricsAddr string, profile, inMemory bool) int {
	cfg, err := ops.Load(configPath)
	if err != nil {
		log.Printf("config load failed: %+v", err)
		return exitStartup
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if profile {
		cfg.Profiling.Enabled = true
	}

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"service": "generator"},
			Logger:          pyroscopeLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Printf("pyroscope start failed: %v", err)
			return exitStartup
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sys.Shutdown():
			stop()
		case <-ctx.Done():
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(registry)
	srv := serveMetrics(cfg.Metrics.Addr, registry)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	var st stores
	if inMemory {
		st = memoryStores(cfg)
	} else {
		st, err = durableStores(ctx, cfg)
		if err != nil {
			log.Printf("store init failed: %+v", err)
			return exitStartup
		}
	}
	defer st.close()

	rng := random.NewFromTime()
	if cfg.Scheduler.Seed != 0 {
		rng = random.NewSeeded(cfg.Scheduler.Seed)
	}

	controls, err := snapshot.New("controls", cfg.ControlsTTL(), st.controls, snapshot.WithFallback(model.DefaultControls()))
	if err != nil {
		log.Printf("controls cache init failed: %+v", err)
		return exitStartup
	}
	catalog, err := snapshot.New("instruments", cfg.CatalogTTL(), st.instruments)
	if err != nil {
		log.Printf("catalog cache init failed: %+v", err)
		return exitStartup
	}

	engine, err := mdg.NewGenerator(cfg.Engine, rng)
	if err != nil {
		log.Printf("engine init failed: %+v", err)
		return exitStartup
	}
	enforcer, err := settle.NewEnforcer(st.trades, rng, cfg.EnforcerConfig())
	if err != nil {
		log.Printf("enforcer init failed: %+v", err)
		return exitStartup
	}
	sweeper, err := settle.NewSweeper(st.trades, scheduler.PriceLookup(catalog, st.state), cfg.SweepConfig())
	if err != nil {
		log.Printf("sweeper init failed: %+v", err)
		return exitStartup
	}

	queue := bus.NewQueue(cfg.Publisher.QueueSize)
	emitter := publish.NewEmitter(queue, publish.NewEventIDs(time.Now()), metrics)
	publishers, err := openPublishers(cfg, metrics)
	if err != nil {
		log.Printf("publisher init failed: %+v", err)
		return exitStartup
	}

	opts := []candle.Option{
		candle.WithTimeframes(cfg.Candles.Timeframes...),
		candle.WithMaxGapFill(cfg.Candles.MaxGapFill),
		candle.WithVolume(candle.Volume(rng)),
		candle.WithObserver(emitter.Candles),
		candle.WithMetrics(metrics),
	}
	if st.mirror != nil {
		opts = append(opts, candle.WithMirror(st.mirror))
	}
	agg, err := candle.NewAggregator(st.candles, opts...)
	if err != nil {
		log.Printf("aggregator init failed: %+v", err)
		return exitStartup
	}

	sched, err := scheduler.New(scheduler.Deps{
		Locker:      st.locker,
		Instruments: catalog,
		Controls:    controls,
		State:       st.state,
		Engine:      engine,
		Enforcer:    enforcer,
		Sweeper:     sweeper,
		Candles:     agg,
		Stats:       st.trades,
		Metrics:     metrics,
		OnSettle:    emitter.Settlements,
	}, cfg.SchedulerConfig(tickInterval, maxDuration, workers))
	if err != nil {
		log.Printf("scheduler init failed: %+v", err)
		return exitStartup
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Drain with a fresh context so events queued before shutdown still go out.
		publish.Pump(context.Background(), queue, metrics, publishers...)
	}()

	logs.Infof("generator started, memory=%v workers=%d", inMemory, cfg.Scheduler.Workers)
	runErr := sched.Run(ctx)

	queue.Close()
	wg.Wait()
	for _, p := range publishers {
		if err := p.Close(); err != nil {
			logs.Warnf("publisher close: %+v", err)
		}
	}

	totals := sched.Totals()
	snap := metrics.Snapshot()
	logs.Infof("generator stopped: ticks=%d failed=%d settled=%d enforced=%d relaxed=%d candles=%d drops=%d",
		totals.Succeeded, totals.Failed, totals.Settled, totals.Enforced, totals.Relaxed, totals.Candles, snap.QueueDrops)

	switch {
	case runErr == nil:
		return exitOK
	case stderrors.Is(runErr, exception.ErrLockHeld), stderrors.Is(runErr, exception.ErrLockLost):
		logs.Errorf("generator lock: %+v", runErr)
		return exitLock
	default:
		logs.Errorf("generator failed: %+v", runErr)
		return exitStartup
	}
}

func durableStores(ctx context.Context, cfg ops.FileConfig) (stores, error) {
	pg, err := conn.New(cfg.PostgresOption())
	if err != nil {
		return stores{}, err
	}
	if err := pg.Ping(ctx); err != nil {
		_ = pg.Close()
		return stores{}, err
	}
	rdb, err := conn.NewRedis(ctx, cfg.RedisOption())
	if err != nil {
		_ = pg.Close()
		return stores{}, err
	}

	db := pg.DB()
	st := stores{
		instruments: storage.NewInstruments(db).Active,
		controls:    storage.NewControls(db).Load,
		candles:     storage.NewCandles(db),
		trades:      storage.NewTrades(db),
		state:       state.NewRedis(rdb, cfg.Redis.KeyPrefix),
		locker:      lock.NewRedis(rdb, cfg.Redis.LockKey, cfg.LockTTL()),
		close: func() {
			_ = rdb.Close()
			_ = pg.Close()
		},
	}
	if !cfg.Candles.DisableMirror {
		st.mirror = candle.NewRedisMirror(rdb, cfg.MirrorConfig())
	}
	return st, nil
}

func memoryStores(cfg ops.FileConfig) stores {
	catalog := memory.NewInstruments(
		model.Instrument{ID: 1, Symbol: "EUR/USD", Active: true, MinPrice: 1.0, MaxPrice: 1.3, Precision: 5, Volatility: enum.VolatilityMid, TrendMode: enum.TrendModeGlobal},
		model.Instrument{ID: 2, Symbol: "GBP/USD", Active: true, MinPrice: 1.1, MaxPrice: 1.5, Precision: 5, Volatility: enum.VolatilityMid, TrendMode: enum.TrendModeGlobal},
		model.Instrument{ID: 3, Symbol: "XAU/USD", Active: true, MinPrice: 1800, MaxPrice: 2800, Precision: 2, Volatility: enum.VolatilityHigh, TrendMode: enum.TrendModeGlobal},
	)
	trades := memory.NewTrades()
	return stores{
		instruments: catalog.Active,
		controls:    memory.NewControls(model.DefaultControls()).Load,
		candles:     memory.NewCandles(),
		trades:      trades,
		state:       state.NewMemory(),
		locker:      lock.NewMemory(nil, cfg.Redis.LockKey, cfg.LockTTL()),
		close:       func() {},
	}
}

func openPublishers(cfg ops.FileConfig, metrics *obs.Metrics) ([]publish.Publisher, error) {
	var out []publish.Publisher
	if len(cfg.Publisher.Kafka.Brokers) > 0 {
		k, err := publish.NewKafka(cfg.Publisher.Kafka, metrics)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if cfg.Publisher.AMQP.URL != "" {
		a, err := publish.NewAMQP(cfg.Publisher.AMQP)
		if err != nil {
			for _, p := range out {
				_ = p.Close()
			}
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		out = append(out, publish.Nop{})
	}
	return out, nil
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if addr == "" {
		return srv
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logs.Errorf("metrics server: %+v", err)
		}
	}()
	return srv
}

type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...any)  { logs.Debugf(format, args...) }
func (pyroscopeLogger) Debugf(format string, args ...any) { logs.Debugf(format, args...) }
func (pyroscopeLogger) Errorf(format string, args ...any) { logs.Errorf(format, args...) }
