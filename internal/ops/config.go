package ops

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"

	"otcmarket/internal/candle"
	"otcmarket/internal/mdg"
	"otcmarket/internal/publish"
	"otcmarket/internal/scheduler"
	"otcmarket/internal/settle"
	"otcmarket/internal/state"
	"otcmarket/pkg/conn"
	"otcmarket/pkg/exception"
)

// Environment variables that override the file.
const (
	EnvPostgresDSN  = "OTC_PG_DSN"
	EnvRedisAddr    = "OTC_REDIS_ADDR"
	EnvRedisPass    = "OTC_REDIS_PASSWORD"
	EnvKafkaBrokers = "OTC_KAFKA_BROKERS"
	EnvAMQPURL      = "OTC_AMQP_URL"
	EnvPyroscope    = "OTC_PYROSCOPE_ADDR"
	EnvMetricsAddr  = "OTC_METRICS_ADDR"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Postgres  PostgresConfig  `json:"postgres"`
	Redis     RedisConfig     `json:"redis"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    mdg.Params      `json:"engine"`
	Enforcer  EnforcerConfig  `json:"enforcer"`
	Candles   CandleConfig    `json:"candles"`
	Publisher PublisherConfig `json:"publisher"`
	Metrics   MetricsConfig   `json:"metrics"`
	Profiling ProfilingConfig `json:"profiling"`
}

// PostgresConfig describes the durable store connection.
type PostgresConfig struct {
	DSN          string `json:"dsn"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Database     string `json:"database"`
	SSLMode      string `json:"sslMode"`
	MaxOpenConns int    `json:"maxOpenConns"`
	MaxIdleConns int    `json:"maxIdleConns"`
}

// RedisConfig describes the ephemeral store connection.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	PoolSize  int    `json:"poolSize"`
	KeyPrefix string `json:"keyPrefix"`
	LockKey   string `json:"lockKey"`
}

// SchedulerConfig holds loop timings. Durations are in milliseconds unless
// the name says otherwise.
type SchedulerConfig struct {
	TickIntervalMs   int    `json:"tickIntervalMs"`
	MaxDurationSec   int    `json:"maxDurationSec"`
	Workers          int    `json:"workers"`
	ErrorBackoffMs   int    `json:"errorBackoffMs"`
	StatsIntervalSec int    `json:"statsIntervalSec"`
	StoreTimeoutMs   int    `json:"storeTimeoutMs"`
	SweepIntervalSec int    `json:"sweepIntervalSec"`
	ControlsTTLMs    int    `json:"controlsTtlMs"`
	CatalogTTLMs     int    `json:"catalogTtlMs"`
	LockTTLMs        int    `json:"lockTtlMs"`
	LockRefreshMs    int    `json:"lockRefreshMs"`
	SpotTTLSec       int    `json:"spotTtlSec"`
	EWMATTLSec       int    `json:"ewmaTtlSec"`
	RegimeTTLSec     int    `json:"regimeTtlSec"`
	Seed             uint64 `json:"seed"`
}

// EnforcerConfig tunes settlement.
type EnforcerConfig struct {
	WindowSlackMs          int     `json:"windowSlackMs"`
	NudgeTrueRangeMultiple float64 `json:"nudgeTrueRangeMultiple"`
	FullTargetThreshold    float64 `json:"fullTargetThreshold"`
	JitterTicks            float64 `json:"jitterTicks"`
	SweepGraceSec          int     `json:"sweepGraceSec"`
	SweepLimit             int     `json:"sweepLimit"`
}

// CandleConfig tunes aggregation and the redis candle mirror.
type CandleConfig struct {
	Timeframes    []int64 `json:"timeframes"`
	MaxGapFill    int     `json:"maxGapFill"`
	LiveTTLSec    int     `json:"liveTtlSec"`
	RecentTTLSec  int     `json:"recentTtlSec"`
	RecentKeep    int     `json:"recentKeep"`
	DisableMirror bool    `json:"disableMirror"`
}

// PublisherConfig selects the event sinks. Empty brokers or url disable a sink.
type PublisherConfig struct {
	QueueSize int                 `json:"queueSize"`
	Kafka     publish.KafkaConfig `json:"kafka"`
	AMQP      publish.AMQPConfig  `json:"amqp"`
}

type MetricsConfig struct {
	Addr string `json:"addr"`
}

type ProfilingConfig struct {
	Enabled         bool   `json:"enabled"`
	ServerAddress   string `json:"serverAddress"`
	ApplicationName string `json:"applicationName"`
}

// Default returns the configuration used when no file is given.
func Default() FileConfig {
	return FileConfig{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Scheduler: SchedulerConfig{
			Workers:          8,
			ErrorBackoffMs:   1000,
			StatsIntervalSec: 60,
			StoreTimeoutMs:   2000,
			SweepIntervalSec: 30,
			ControlsTTLMs:    5000,
			CatalogTTLMs:     5000,
			LockTTLMs:        5000,
			LockRefreshMs:    2000,
			SpotTTLSec:       86400,
			EWMATTLSec:       3600,
			RegimeTTLSec:     600,
		},
		Engine: mdg.DefaultParams(),
		Enforcer: EnforcerConfig{
			WindowSlackMs:          1000,
			NudgeTrueRangeMultiple: 0.8,
			FullTargetThreshold:    0.999,
			JitterTicks:            0.3,
			SweepGraceSec:          10,
			SweepLimit:             500,
		},
		Candles: CandleConfig{
			Timeframes:   append([]int64(nil), candle.DefaultTimeframes...),
			MaxGapFill:   2000,
			LiveTTLSec:   3600,
			RecentTTLSec: 86400,
			RecentKeep:   1000,
		},
		Publisher: PublisherConfig{QueueSize: 4096},
		Metrics:   MetricsConfig{Addr: ":9100"},
		Profiling: ProfilingConfig{
			ServerAddress:   "http://localhost:4040",
			ApplicationName: "otc.generator",
		},
	}
}

// Load reads the optional JSON file over the defaults, loads .env when
// present and applies OTC_* environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return FileConfig{}, errors.Wrap(err, "read config").With("path", path)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return FileConfig{}, errors.Wrap(err, "parse config").With("path", path)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return FileConfig{}, errors.Wrap(err, "load .env")
	}
	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func (c *FileConfig) applyEnv(getenv func(string) string) {
	if v := getenv(EnvPostgresDSN); v != "" {
		c.Postgres.DSN = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv(EnvRedisPass); v != "" {
		c.Redis.Password = v
	}
	if v := getenv(EnvKafkaBrokers); v != "" {
		c.Publisher.Kafka.Brokers = splitList(v)
	}
	if v := getenv(EnvAMQPURL); v != "" {
		c.Publisher.AMQP.URL = v
	}
	if v := getenv(EnvPyroscope); v != "" {
		c.Profiling.ServerAddress = v
		c.Profiling.Enabled = true
	}
	if v := getenv(EnvMetricsAddr); v != "" {
		c.Metrics.Addr = v
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings no component can run with.
func (c FileConfig) Validate() error {
	s := c.Scheduler
	if s.Workers < 0 || s.ErrorBackoffMs < 0 || s.StoreTimeoutMs < 0 || s.MaxDurationSec < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "scheduler values must be >= 0")
	}
	if s.LockTTLMs > 0 && s.LockRefreshMs >= s.LockTTLMs {
		return errors.Wrapf(exception.ErrInvalidArgument, "lock refresh %dms must be shorter than lock ttl %dms", s.LockRefreshMs, s.LockTTLMs)
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	for _, tf := range c.Candles.Timeframes {
		if tf <= 0 {
			return errors.Wrapf(exception.ErrInvalidTimeframe, "timeframe %d", tf)
		}
	}
	if c.Enforcer.JitterTicks < 0 || c.Enforcer.JitterTicks >= 0.5 {
		return errors.Wrapf(exception.ErrInvalidArgument, "jitter ticks %v must be in [0, 0.5)", c.Enforcer.JitterTicks)
	}
	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "profiling server address is empty")
	}
	return nil
}

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

// SchedulerConfig resolves the loop settings. A positive tickOverride wins
// over the file.
func (c FileConfig) SchedulerConfig(tickOverride, maxDuration time.Duration, workers int) scheduler.Config {
	s := c.Scheduler
	cfg := scheduler.Config{
		TickInterval:  ms(s.TickIntervalMs),
		MaxDuration:   sec(s.MaxDurationSec),
		ErrorBackoff:  ms(s.ErrorBackoffMs),
		LockRefresh:   ms(s.LockRefreshMs),
		Workers:       s.Workers,
		StatsInterval: sec(s.StatsIntervalSec),
		StoreTimeout:  ms(s.StoreTimeoutMs),
		SweepInterval: sec(s.SweepIntervalSec),
		TTLs:          c.TTLs(),
	}
	if tickOverride > 0 {
		cfg.TickInterval = tickOverride
	}
	if maxDuration > 0 {
		cfg.MaxDuration = maxDuration
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	return cfg
}

func (c FileConfig) TTLs() state.TTLs {
	s := c.Scheduler
	return state.TTLs{Spot: sec(s.SpotTTLSec), EWMA: sec(s.EWMATTLSec), Regime: sec(s.RegimeTTLSec)}
}

func (c FileConfig) ControlsTTL() time.Duration { return ms(c.Scheduler.ControlsTTLMs) }
func (c FileConfig) CatalogTTL() time.Duration  { return ms(c.Scheduler.CatalogTTLMs) }
func (c FileConfig) LockTTL() time.Duration     { return ms(c.Scheduler.LockTTLMs) }

func (c FileConfig) EnforcerConfig() settle.Config {
	e := c.Enforcer
	return settle.Config{
		WindowSlack:            ms(e.WindowSlackMs),
		NudgeTrueRangeMultiple: e.NudgeTrueRangeMultiple,
		FullTargetThreshold:    e.FullTargetThreshold,
		JitterTicks:            e.JitterTicks,
	}
}

func (c FileConfig) SweepConfig() settle.SweepConfig {
	return settle.SweepConfig{Grace: sec(c.Enforcer.SweepGraceSec), Limit: c.Enforcer.SweepLimit}
}

func (c FileConfig) MirrorConfig() candle.MirrorConfig {
	m := c.Candles
	return candle.MirrorConfig{LiveTTL: sec(m.LiveTTLSec), RecentTTL: sec(m.RecentTTLSec), RecentKeep: m.RecentKeep}
}

func (c FileConfig) PostgresOption() conn.Option {
	p := c.Postgres
	return conn.Option{
		ConnString:   p.DSN,
		Host:         p.Host,
		Port:         p.Port,
		User:         p.User,
		Password:     p.Password,
		Database:     p.Database,
		SSLMode:      p.SSLMode,
		MaxOpenConns: p.MaxOpenConns,
		MaxIdleConns: p.MaxIdleConns,
	}
}

func (c FileConfig) RedisOption() conn.RedisOption {
	r := c.Redis
	return conn.RedisOption{Addr: r.Addr, Password: r.Password, DB: r.DB, PoolSize: r.PoolSize}
}
