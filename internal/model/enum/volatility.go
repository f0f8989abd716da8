package enum

// Volatility is the instrument volatility tier.
type Volatility string

const (
	VolatilityLow  Volatility = "LOW"
	VolatilityMid  Volatility = "MID"
	VolatilityHigh Volatility = "HIGH"
)

func (v Volatility) IsAvailable() bool {
	return v == VolatilityLow || v == VolatilityMid || v == VolatilityHigh
}

// Multiplier scales the base sigma. Unknown tiers count as MID.
func (v Volatility) Multiplier() float64 {
	switch v {
	case VolatilityLow:
		return 0.5
	case VolatilityHigh:
		return 2.0
	default:
		return 1.0
	}
}
