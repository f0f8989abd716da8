package model

import (
	"time"

	"otcmarket/internal/model/enum"
)

// Trade is a binary option placed against an instrument.
type Trade struct {
	ID           uint64         `gorm:"column:id;primaryKey" json:"id"`
	UserID       uint64         `gorm:"column:user_id" json:"userId"`
	InstrumentID uint64         `gorm:"column:instrument_id" json:"instrumentId"`
	Direction    enum.Direction `gorm:"column:direction" json:"direction"`
	Amount       float64        `gorm:"column:amount" json:"amount"`
	PayoutRate   float64        `gorm:"column:payout_rate" json:"payoutRate"`
	EntryPrice   float64        `gorm:"column:entry_price" json:"entryPrice"`
	ExpiresAt    time.Time      `gorm:"column:expires_at" json:"expiresAt"`
	Result       enum.Result    `gorm:"column:result" json:"result"`
	ClosingPrice *float64       `gorm:"column:closing_price" json:"closingPrice,omitempty"`
	Payout       *float64       `gorm:"column:payout" json:"payout,omitempty"`
	SettledAt    *time.Time     `gorm:"column:settled_at" json:"settledAt,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"createdAt"`
}

func (Trade) TableName() string {
	return "trades"
}

// PayoutFor returns the amount credited back to the user for result r.
// A win pays stake plus the payout rate, a tie refunds the stake.
func (t Trade) PayoutFor(r enum.Result) float64 {
	switch r {
	case enum.ResultWin:
		return t.Amount * (1 + t.PayoutRate/100)
	case enum.ResultTie:
		return t.Amount
	default:
		return 0
	}
}

// Settlement is the terminal update written for one trade.
type Settlement struct {
	TradeID      uint64      `json:"tradeId"`
	InstrumentID uint64      `json:"instrumentId"`
	UserID       uint64      `json:"userId"`
	Result       enum.Result `json:"result"`
	ClosingPrice float64     `json:"closingPrice"`
	Payout       float64     `json:"payout"`
	SettledAt    time.Time   `json:"settledAt"`
	Forced       bool        `json:"forced"`
}

// Settle builds the settlement of t at closing price p.
func (t Trade) Settle(r enum.Result, p float64, at time.Time) Settlement {
	return Settlement{
		TradeID:      t.ID,
		InstrumentID: t.InstrumentID,
		UserID:       t.UserID,
		Result:       r,
		ClosingPrice: p,
		Payout:       t.PayoutFor(r),
		SettledAt:    at,
	}
}

// ForcedResult pins the outcome of a trade by admin action.
type ForcedResult struct {
	ID        uint64      `gorm:"column:id;primaryKey" json:"id"`
	TradeID   uint64      `gorm:"column:trade_id" json:"tradeId"`
	Result    enum.Result `gorm:"column:forced_result" json:"result"`
	Reason    string      `gorm:"column:reason" json:"reason"`
	AdminID   uint64      `gorm:"column:admin_id" json:"adminId"`
	Applied   bool        `gorm:"column:is_applied" json:"applied"`
	AppliedAt *time.Time  `gorm:"column:applied_at" json:"appliedAt,omitempty"`
}

func (ForcedResult) TableName() string {
	return "forced_trade_results"
}

// DailyStats counts decided trades of one instrument in the current day.
type DailyStats struct {
	Wins  int
	Total int
}

// WinRate returns wins/total, or fallback when nothing was decided yet.
func (s DailyStats) WinRate(fallback float64) float64 {
	if s.Total <= 0 {
		return fallback
	}
	return float64(s.Wins) / float64(s.Total)
}
