package settle

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/pkg/exception"
)

// SweepStore is the trade persistence the sweeper needs.
type SweepStore interface {
	// Overdue returns PENDING trades of any instrument with expiry <= before, oldest first.
	Overdue(ctx context.Context, before time.Time, limit int) ([]model.Trade, error)
	ForcedResults(ctx context.Context, tradeIDs []uint64) (map[uint64]enum.Result, error)
	Settle(ctx context.Context, settlements []model.Settlement) error
}

// PriceLookup returns an instrument and its current price.
type PriceLookup func(ctx context.Context, instrumentID uint64) (model.Instrument, float64, bool)

// SweepConfig tunes the overdue sweep.
type SweepConfig struct {
	// Grace is how long past expiry a trade is left to the enforcer.
	Grace time.Duration `json:"grace"`
	Limit int           `json:"limit"`
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{Grace: 10 * time.Second, Limit: 500}
}

// Sweeper settles trades that expired while no enforcer served them, for
// example after downtime, at the current price with no win-rate adjustment.
// Admin-pinned results still apply.
type Sweeper struct {
	store  SweepStore
	lookup PriceLookup
	cfg    SweepConfig
}

func NewSweeper(store SweepStore, lookup PriceLookup, cfg SweepConfig) (*Sweeper, error) {
	if store == nil || lookup == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "sweeper dependencies")
	}
	def := DefaultSweepConfig()
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	return &Sweeper{store: store, lookup: lookup, cfg: cfg}, nil
}

// Sweep settles one batch of overdue trades and returns them.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) ([]model.Settlement, error) {
	trades, err := s.store.Overdue(ctx, now.Add(-s.cfg.Grace), s.cfg.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "load overdue trades")
	}
	if len(trades) == 0 {
		return nil, nil
	}

	ids := make([]uint64, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}
	forced, err := s.store.ForcedResults(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load forced results")
	}

	settlements := make([]model.Settlement, 0, len(trades))
	skipped := 0
	for _, t := range trades {
		inst, price, ok := s.lookup(ctx, t.InstrumentID)
		if !ok {
			skipped++
			continue
		}
		settlements = append(settlements, naturalSettlement(inst, t, forced[t.ID], price, now))
	}
	if skipped > 0 {
		logs.Warnf("sweep: %d overdue trades have no price yet", skipped)
	}
	if len(settlements) == 0 {
		return nil, nil
	}
	if err := s.store.Settle(ctx, settlements); err != nil {
		return nil, errors.Wrap(err, "settle overdue batch").With("trades", len(settlements))
	}
	return settlements, nil
}
