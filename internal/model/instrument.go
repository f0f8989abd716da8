package model

import (
	"math"

	"github.com/shopspring/decimal"

	"otcmarket/internal/model/enum"
)

var defaultAnchors = map[string]float64{
	"XAU/USD": 2000,
	"XAG/USD": 25,
	"EUR/USD": 1.10,
	"GBP/USD": 1.25,
	"USD/JPY": 150,
}

// Instrument is a tradable OTC pair.
type Instrument struct {
	ID          uint64          `gorm:"column:id;primaryKey" json:"id"`
	Symbol      string          `gorm:"column:symbol" json:"symbol"`
	Active      bool            `gorm:"column:is_active" json:"active"`
	MinPrice    float64         `gorm:"column:min_price" json:"minPrice"`
	MaxPrice    float64         `gorm:"column:max_price" json:"maxPrice"`
	Precision   int32           `gorm:"column:precision" json:"precision"`
	Volatility  enum.Volatility `gorm:"column:volatility" json:"volatility"`
	TrendMode   enum.TrendMode  `gorm:"column:trend_mode" json:"trendMode"`
	AnchorPrice float64         `gorm:"column:anchor_price" json:"anchorPrice"`
}

func (Instrument) TableName() string {
	return "otc_instruments"
}

// Tick returns one unit of the display precision.
func (i Instrument) Tick() float64 {
	return math.Pow10(-int(i.Precision))
}

// HalfTick is the tolerance used for settlement comparisons.
func (i Instrument) HalfTick() float64 {
	return i.Tick() / 2
}

// Round rounds half away from zero at the instrument precision.
func (i Instrument) Round(p float64) float64 {
	return decimal.NewFromFloat(p).Round(i.Precision).InexactFloat64()
}

// CeilTick returns the smallest grid price >= p.
func (i Instrument) CeilTick(p float64) float64 {
	return decimal.NewFromFloat(p).RoundCeil(i.Precision).InexactFloat64()
}

// FloorTick returns the largest grid price <= p.
func (i Instrument) FloorTick(p float64) float64 {
	return decimal.NewFromFloat(p).RoundFloor(i.Precision).InexactFloat64()
}

// Clamp limits p to the configured bounds. A zero bound is treated as unset.
func (i Instrument) Clamp(p float64) float64 {
	if i.MinPrice > 0 && p < i.MinPrice {
		p = i.MinPrice
	}
	if i.MaxPrice > 0 && p > i.MaxPrice {
		p = i.MaxPrice
	}
	return p
}

// Anchor returns the price used to seed an instrument without cached state.
func (i Instrument) Anchor() float64 {
	if i.AnchorPrice > 0 {
		return i.AnchorPrice
	}
	if p, ok := defaultAnchors[i.Symbol]; ok {
		return i.Clamp(p)
	}
	if i.MinPrice > 0 && i.MaxPrice > i.MinPrice {
		return i.Round((i.MinPrice + i.MaxPrice) / 2)
	}
	return i.Clamp(1.0)
}
