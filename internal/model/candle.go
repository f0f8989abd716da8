package model

// Candle is one OHLC bucket of an instrument for a timeframe in seconds.
type Candle struct {
	InstrumentID uint64  `gorm:"column:instrument_id;primaryKey" json:"instrumentId"`
	Timeframe    int64   `gorm:"column:timeframe;primaryKey" json:"timeframe"`
	Timestamp    int64   `gorm:"column:timestamp;primaryKey" json:"timestamp"`
	Open         float64 `gorm:"column:open" json:"open"`
	High         float64 `gorm:"column:high" json:"high"`
	Low          float64 `gorm:"column:low" json:"low"`
	Close        float64 `gorm:"column:close" json:"close"`
	Volume       float64 `gorm:"column:volume" json:"volume"`
}

func (Candle) TableName() string {
	return "otc_candles"
}

// BucketStart aligns ts (unix seconds) to the start of its timeframe bucket.
func BucketStart(ts, timeframe int64) int64 {
	if timeframe <= 0 {
		return ts
	}
	b := ts / timeframe * timeframe
	if ts < 0 && ts%timeframe != 0 {
		b -= timeframe
	}
	return b
}

// NewCandle starts a candle whose OHLC all equal price.
func NewCandle(instrumentID uint64, timeframe, bucket int64, price, volume float64) Candle {
	return Candle{
		InstrumentID: instrumentID,
		Timeframe:    timeframe,
		Timestamp:    bucket,
		Open:         price,
		High:         price,
		Low:          price,
		Close:        price,
		Volume:       volume,
	}
}

// Apply folds a tick into the candle.
func (c *Candle) Apply(price, volume float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
}
