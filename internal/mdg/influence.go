package mdg

import (
	"math"
	"time"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
)

// TrendInfluence maps a trend and strength (0..10) to a signed bias in
// [-TrendInfluenceMax, +TrendInfluenceMax].
func (p Params) TrendInfluence(trend enum.Trend, strength float64) float64 {
	return trend.Sign() * clamp(strength, 0, 10) / 10 * p.TrendInfluenceMax
}

// RegimeProbabilities returns the chance of IMPULSE, PULLBACK and PAUSE for
// the next regime given the trend influence tau.
func (p Params) RegimeProbabilities(tau float64) (impulse, pullback, pause float64) {
	b := clamp(math.Abs(tau)/p.TrendInfluenceMax, 0, 1)
	impulse = p.ImpulseBase + p.TrendBias*b
	pullback = math.Max(p.MinRegimeProb, p.PullbackBase-p.TrendBias*b)
	pause = math.Max(p.MinRegimeProb, 1-impulse-pullback)
	sum := impulse + pullback + pause
	return impulse / sum, pullback / sum, pause / sum
}

// Cap is the largest allowed per-tick move.
func (p Params) Cap(spot, trueRange float64) float64 {
	return math.Max(spot*p.CapSpotFraction, trueRange*p.CapTrueRangeMultiple)
}

// HourMultiplier returns the time-of-day volatility factor.
func (p Params) HourMultiplier(t time.Time, loc *time.Location) float64 {
	if p.DisableHourProfile {
		return 1
	}
	if loc != nil {
		t = t.In(loc)
	}
	h := t.Hour()
	for _, b := range p.HourProfile {
		if h >= b.From && h < b.To {
			return b.Multiplier
		}
	}
	return p.OffHoursMultiplier
}

// WinRateInfluence returns a soft bias in [-0.5, 0.5] pushing the realized
// win rate of the day toward target (a fraction in [0, 1]).
func WinRateInfluence(target float64, stats model.DailyStats) float64 {
	current := stats.WinRate(target)
	return clamp((target-current)*2, -0.5, 0.5)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
