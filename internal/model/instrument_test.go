package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"otcmarket/internal/model/enum"
)

func TestInstrumentRounding(t *testing.T) {
	inst := Instrument{Precision: 4, MinPrice: 1, MaxPrice: 2}

	assert.InDelta(t, 0.0001, inst.Tick(), 1e-15)
	assert.Equal(t, 1.5051, inst.Round(1.50505))
	assert.Equal(t, 1.5051, inst.CeilTick(1.50501))
	assert.Equal(t, 1.5050, inst.FloorTick(1.50509))
	assert.Equal(t, 1.0, inst.Clamp(0.5))
	assert.Equal(t, 2.0, inst.Clamp(3))
}

func TestInstrumentAnchor(t *testing.T) {
	assert.Equal(t, 42.0, Instrument{AnchorPrice: 42}.Anchor())
	assert.Equal(t, 2000.0, Instrument{Symbol: "XAU/USD"}.Anchor())
	assert.Equal(t, 1.5, Instrument{Symbol: "ABC/XYZ", MinPrice: 1, MaxPrice: 2, Precision: 4}.Anchor())
	assert.Equal(t, 1.0, Instrument{Symbol: "ABC/XYZ"}.Anchor())
}

func TestTradePayout(t *testing.T) {
	tr := Trade{Amount: 100, PayoutRate: 85}

	assert.InDelta(t, 185.0, tr.PayoutFor(enum.ResultWin), 1e-9)
	assert.Equal(t, 100.0, tr.PayoutFor(enum.ResultTie))
	assert.Equal(t, 0.0, tr.PayoutFor(enum.ResultLose))
}

func TestCandleBucketAndApply(t *testing.T) {
	assert.Equal(t, int64(1700000100), BucketStart(1700000104, 5))
	assert.Equal(t, int64(1699999200), BucketStart(1700000104, 3600))

	c := NewCandle(1, 5, 100, 1.5, 10)
	c.Apply(1.6, 1)
	c.Apply(1.4, 1)
	c.Apply(1.45, 1)
	assert.Equal(t, Candle{InstrumentID: 1, Timeframe: 5, Timestamp: 100, Open: 1.5, High: 1.6, Low: 1.4, Close: 1.45, Volume: 13}, c)
}
