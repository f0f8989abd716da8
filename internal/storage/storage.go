// Package storage implements the durable stores on postgres through gorm.
package storage

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/pkg/exception"
)

// Instruments reads the instrument catalog.
type Instruments struct {
	db *gorm.DB
}

func NewInstruments(db *gorm.DB) *Instruments {
	return &Instruments{db: db}
}

// Active returns every active instrument ordered by ID.
func (s *Instruments) Active(ctx context.Context) ([]model.Instrument, error) {
	var out []model.Instrument
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "query active instruments")
	}
	return out, nil
}

// controlsRow is the flat system_controls row.
type controlsRow struct {
	ID               uint64  `gorm:"column:id;primaryKey"`
	TargetWinPercent float64 `gorm:"column:target_win_percent"`
	TickIntervalMs   int     `gorm:"column:tick_interval_ms"`
	Session1Name     string  `gorm:"column:session1_name"`
	Session1Start    string  `gorm:"column:session1_start"`
	Session1End      string  `gorm:"column:session1_end"`
	Session1Trend    string  `gorm:"column:session1_trend"`
	Session2Name     string  `gorm:"column:session2_name"`
	Session2Start    string  `gorm:"column:session2_start"`
	Session2End      string  `gorm:"column:session2_end"`
	Session2Trend    string  `gorm:"column:session2_trend"`
	Session3Name     string  `gorm:"column:session3_name"`
	Session3Start    string  `gorm:"column:session3_start"`
	Session3End      string  `gorm:"column:session3_end"`
	Session3Trend    string  `gorm:"column:session3_trend"`
	TrendStrength    float64 `gorm:"column:trend_strength"`
	EnforceWinRate   bool    `gorm:"column:enforce_win_rate"`
	Timezone         string  `gorm:"column:timezone"`
}

func (controlsRow) TableName() string {
	return "system_controls"
}

func (r controlsRow) toModel() model.Controls {
	return model.Controls{
		TargetWinPercent: r.TargetWinPercent,
		TickIntervalMs:   r.TickIntervalMs,
		Sessions: [3]model.SessionWindow{
			{Name: r.Session1Name, Start: r.Session1Start, End: r.Session1End, Trend: enum.Trend(r.Session1Trend)},
			{Name: r.Session2Name, Start: r.Session2Start, End: r.Session2End, Trend: enum.Trend(r.Session2Trend)},
			{Name: r.Session3Name, Start: r.Session3Start, End: r.Session3End, Trend: enum.Trend(r.Session3Trend)},
		},
		TrendStrength:  r.TrendStrength,
		EnforceWinRate: r.EnforceWinRate,
		Timezone:       r.Timezone,
	}.Sanitize()
}

// Controls reads the single system controls row.
type Controls struct {
	db *gorm.DB
}

func NewControls(db *gorm.DB) *Controls {
	return &Controls{db: db}
}

// Load returns the sanitized controls. A missing row yields the defaults.
func (s *Controls) Load(ctx context.Context) (model.Controls, error) {
	var row controlsRow
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return model.DefaultControls(), nil
	}
	if err != nil {
		return model.Controls{}, errors.Wrap(err, "query system controls")
	}
	return row.toModel(), nil
}

// Candles persists finalized candles.
type Candles struct {
	db *gorm.DB
}

func NewCandles(db *gorm.DB) *Candles {
	return &Candles{db: db}
}

// Upsert inserts candles, overwriting OHLCV on the (instrument, timeframe, timestamp) key.
func (s *Candles) Upsert(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument_id"}, {Name: "timeframe"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).CreateInBatches(candles, 500).Error
	if err != nil {
		return errors.Wrap(err, "upsert candles").With("count", len(candles))
	}
	return nil
}

// Recent returns up to limit candles, newest first.
func (s *Candles) Recent(ctx context.Context, instrumentID uint64, timeframe int64, limit int) ([]model.Candle, error) {
	var out []model.Candle
	q := s.db.WithContext(ctx).
		Where("instrument_id = ? AND timeframe = ?", instrumentID, timeframe).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "query recent candles").With("instrument", instrumentID).With("timeframe", timeframe)
	}
	return out, nil
}

// Trades reads and settles binary option trades.
type Trades struct {
	db *gorm.DB
}

func NewTrades(db *gorm.DB) *Trades {
	return &Trades{db: db}
}

func (s *Trades) PendingExpiring(ctx context.Context, instrumentID uint64, from, to time.Time) ([]model.Trade, error) {
	var out []model.Trade
	err := s.db.WithContext(ctx).
		Where("instrument_id = ? AND result = ? AND expires_at > ? AND expires_at <= ?", instrumentID, enum.ResultPending, from, to).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "query expiring trades").With("instrument", instrumentID)
	}
	return out, nil
}

func (s *Trades) Overdue(ctx context.Context, before time.Time, limit int) ([]model.Trade, error) {
	var out []model.Trade
	q := s.db.WithContext(ctx).
		Where("result = ? AND expires_at <= ?", enum.ResultPending, before).
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "query overdue trades")
	}
	return out, nil
}

func (s *Trades) DailyStats(ctx context.Context, instrumentID uint64, since time.Time) (model.DailyStats, error) {
	var row struct {
		Wins  int
		Total int
	}
	err := s.db.WithContext(ctx).Model(&model.Trade{}).
		Select("COUNT(*) FILTER (WHERE result = ?) AS wins, COUNT(*) AS total", enum.ResultWin).
		Where("instrument_id = ? AND result IN ? AND settled_at >= ?", instrumentID, []enum.Result{enum.ResultWin, enum.ResultLose}, since).
		Scan(&row).Error
	if err != nil {
		return model.DailyStats{}, errors.Wrap(err, "query daily stats").With("instrument", instrumentID)
	}
	return model.DailyStats{Wins: row.Wins, Total: row.Total}, nil
}

func (s *Trades) ForcedResults(ctx context.Context, tradeIDs []uint64) (map[uint64]enum.Result, error) {
	out := make(map[uint64]enum.Result)
	if len(tradeIDs) == 0 {
		return out, nil
	}
	var rows []model.ForcedResult
	err := s.db.WithContext(ctx).
		Where("trade_id IN ? AND is_applied = ?", tradeIDs, false).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query forced results")
	}
	for _, r := range rows {
		if r.Result == enum.ResultWin || r.Result == enum.ResultLose {
			out[r.TradeID] = r.Result
		}
	}
	return out, nil
}

// Settle writes every settlement in one transaction. A trade that is no longer
// PENDING rolls the whole batch back with exception.ErrAlreadySettled.
func (s *Trades) Settle(ctx context.Context, settlements []model.Settlement) error {
	if len(settlements) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var forced []uint64
		var at time.Time
		for _, st := range settlements {
			res := tx.Model(&model.Trade{}).
				Where("id = ? AND result = ?", st.TradeID, enum.ResultPending).
				Updates(map[string]any{
					"result":        st.Result,
					"closing_price": st.ClosingPrice,
					"payout":        st.Payout,
					"settled_at":    st.SettledAt,
				})
			if res.Error != nil {
				return errors.Wrap(res.Error, "update trade").With("trade", st.TradeID)
			}
			if res.RowsAffected != 1 {
				return errors.Wrapf(exception.ErrAlreadySettled, "trade %d", st.TradeID)
			}
			if st.Forced {
				forced = append(forced, st.TradeID)
				at = st.SettledAt
			}
		}
		return markForcedApplied(tx, forced, at)
	})
}

// MarkForcedApplied flags the overrides of the given trades as consumed.
func (s *Trades) MarkForcedApplied(ctx context.Context, tradeIDs []uint64, at time.Time) error {
	return markForcedApplied(s.db.WithContext(ctx), tradeIDs, at)
}

func markForcedApplied(db *gorm.DB, tradeIDs []uint64, at time.Time) error {
	if len(tradeIDs) == 0 {
		return nil
	}
	err := db.Model(&model.ForcedResult{}).
		Where("trade_id IN ? AND is_applied = ?", tradeIDs, false).
		Updates(map[string]any{"is_applied": true, "applied_at": at}).Error
	if err != nil {
		return errors.Wrap(err, "mark forced results applied")
	}
	return nil
}
