package model

import "otcmarket/internal/model/enum"

// SpotState is the ephemeral per-instrument state carried between ticks.
type SpotState struct {
	Price           float64
	VolEWMA         float64
	TrueRangeEWMA   float64
	Regime          enum.Regime
	RegimeTicksLeft int
	RegimeDir       float64
	Flicker         float64
	RunSign         float64
	RunLength       int
}
