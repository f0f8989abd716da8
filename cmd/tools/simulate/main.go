package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"otcmarket/internal/candle"
	"otcmarket/internal/lock"
	"otcmarket/internal/mdg"
	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/internal/obs"
	"otcmarket/internal/ops"
	"otcmarket/internal/random"
	"otcmarket/internal/scheduler"
	"otcmarket/internal/settle"
	"otcmarket/internal/snapshot"
	"otcmarket/internal/state"
	"otcmarket/internal/storage/memory"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config (engine and enforcer sections are used)")
	ticks := flag.Int("ticks", 3600, "Number of simulated one-second ticks")
	target := flag.Float64("target", 30, "Target win percent")
	perTick := flag.Float64("trades-per-tick", 0.5, "Average trades opened per tick")
	expiry := flag.Int("expiry", 60, "Trade duration in ticks")
	seed := flag.Uint64("seed", 1, "Random seed")
	start := flag.String("start", "2024-03-01T09:00:00Z", "Simulated start time (RFC3339)")
	flag.Parse()

	if *ticks <= 0 || *expiry <= 0 {
		log.Fatalf("ticks and expiry must be > 0")
	}
	if *target < 0 || *target > 100 {
		log.Fatalf("target must be in [0, 100]")
	}
	now, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		log.Fatalf("invalid start: %v", err)
	}

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %+v", err)
	}

	insts := []model.Instrument{
		{ID: 1, Symbol: "EUR/USD", Active: true, MinPrice: 1.0, MaxPrice: 1.3, Precision: 5, Volatility: enum.VolatilityMid, TrendMode: enum.TrendModeGlobal},
		{ID: 2, Symbol: "XAU/USD", Active: true, MinPrice: 1800, MaxPrice: 2800, Precision: 2, Volatility: enum.VolatilityHigh, TrendMode: enum.TrendModeGlobal},
	}
	catalog := memory.NewInstruments(insts...)
	ctrl := model.DefaultControls()
	ctrl.TargetWinPercent = *target
	controls := memory.NewControls(ctrl.Sanitize())
	trades := memory.NewTrades()
	candles := memory.NewCandles()
	spots := state.NewMemory()
	metrics := obs.NewMetrics(prometheus.NewRegistry())

	rng := random.NewSeeded(*seed)
	flow := random.NewSeeded(*seed + 1)

	ctrlCache, err := snapshot.New("controls", time.Hour, controls.Load, snapshot.WithFallback(model.DefaultControls()))
	if err != nil {
		log.Fatalf("controls cache: %+v", err)
	}
	instCache, err := snapshot.New("instruments", time.Hour, catalog.Active)
	if err != nil {
		log.Fatalf("catalog cache: %+v", err)
	}
	engine, err := mdg.NewGenerator(cfg.Engine, rng)
	if err != nil {
		log.Fatalf("engine init failed: %+v", err)
	}
	enforcer, err := settle.NewEnforcer(trades, rng, cfg.EnforcerConfig())
	if err != nil {
		log.Fatalf("enforcer init failed: %+v", err)
	}
	agg, err := candle.NewAggregator(candles,
		candle.WithTimeframes(cfg.Candles.Timeframes...),
		candle.WithVolume(candle.Volume(rng)),
		candle.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("aggregator init failed: %+v", err)
	}
	sched, err := scheduler.New(scheduler.Deps{
		Locker:      lock.NewMemory(nil, "", 0),
		Instruments: instCache,
		Controls:    ctrlCache,
		State:       spots,
		Engine:      engine,
		Enforcer:    enforcer,
		Candles:     agg,
		Stats:       trades,
		Metrics:     metrics,
	}, scheduler.Config{Workers: 1, TickInterval: time.Second})
	if err != nil {
		log.Fatalf("scheduler init failed: %+v", err)
	}

	ctx := context.Background()
	for i := 0; i < *ticks; i++ {
		if i > 0 {
			openTrades(ctx, flow, trades, spots, insts, now, *perTick, time.Duration(*expiry)*time.Second)
		}
		rep := sched.Tick(ctx, now)
		if rep.Err != nil {
			log.Fatalf("tick %d failed: %+v", i, rep.Err)
		}
		now = now.Add(time.Second)
	}

	var wins, losses, ties, pending int
	for _, t := range trades.All() {
		switch t.Result {
		case enum.ResultWin:
			wins++
		case enum.ResultLose:
			losses++
		case enum.ResultTie:
			ties++
		default:
			pending++
		}
	}
	decided := wins + losses + ties
	realized := 0.0
	if decided > 0 {
		realized = 100 * float64(wins) / float64(decided)
	}

	totals := sched.Totals()
	fmt.Printf("ticks=%d trades=%d decided=%d pending=%d\n", *ticks, decided+pending, decided, pending)
	fmt.Printf("wins=%d losses=%d ties=%d realized=%.2f%% target=%.2f%%\n", wins, losses, ties, realized, *target)
	fmt.Printf("enforced=%d relaxed=%d capped=%d\n", totals.Enforced, totals.Relaxed, totals.Capped)
	for _, inst := range insts {
		price, _ := agg.CurrentPrice(inst.ID)
		fmt.Printf("%s last=%v", inst.Symbol, inst.Round(price))
		for _, tf := range agg.Timeframes() {
			if n := len(candles.Series(inst.ID, tf)); n > 0 {
				fmt.Printf(" %ds=%d", tf, n)
			}
		}
		fmt.Println()
	}
}

// openTrades places a Poisson-like number of trades at the current spot.
func openTrades(ctx context.Context, rng *random.Generator, trades *memory.Trades, spots state.Store, insts []model.Instrument, now time.Time, rate float64, expiry time.Duration) {
	n := int(math.Floor(rate))
	if rng.Chance(rate - float64(n)) {
		n++
	}
	for range n {
		inst := insts[rng.IntBetween(0, len(insts)-1)]
		spot, ok, err := spots.Get(ctx, inst.ID, state.FieldSpot)
		if err != nil || !ok {
			continue
		}
		dir := enum.DirectionUp
		if rng.Chance(0.5) {
			dir = enum.DirectionDown
		}
		trades.Place(model.Trade{
			UserID:       uint64(rng.IntBetween(1, 50)),
			InstrumentID: inst.ID,
			Direction:    dir,
			Amount:       10,
			PayoutRate:   85,
			EntryPrice:   inst.Round(spot),
			ExpiresAt:    now.Add(expiry),
			CreatedAt:    now,
		})
	}
}
