package mdg

import (
	"github.com/yanun0323/errors"

	"otcmarket/pkg/exception"
)

// Range is an inclusive tick count range.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// HourBand applies a volatility multiplier to hours [From, To) local time.
type HourBand struct {
	From       int     `json:"from"`
	To         int     `json:"to"`
	Multiplier float64 `json:"multiplier"`
}

// Params holds the tuning constants of the step engine.
type Params struct {
	BaseSigma   float64 `json:"baseSigma"`
	VolRatioMin float64 `json:"volRatioMin"`
	VolRatioMax float64 `json:"volRatioMax"`
	EWMAAlpha   float64 `json:"ewmaAlpha"`

	TrendInfluenceMax float64 `json:"trendInfluenceMax"`

	ImpulseBase   float64 `json:"impulseBase"`
	PullbackBase  float64 `json:"pullbackBase"`
	TrendBias     float64 `json:"trendBias"`
	MinRegimeProb float64 `json:"minRegimeProb"`
	ImpulseDwell  Range   `json:"impulseDwell"`
	PullbackDwell Range   `json:"pullbackDwell"`
	PauseDwell    Range   `json:"pauseDwell"`
	ImpulseDrift  float64 `json:"impulseDrift"`
	PullbackDrift float64 `json:"pullbackDrift"`
	PauseDrift    float64 `json:"pauseDrift"`

	FlickerPersistence float64 `json:"flickerPersistence"`
	FlickerWeight      float64 `json:"flickerWeight"`

	RunThreshold int     `json:"runThreshold"`
	FlipBase     float64 `json:"flipBase"`
	FlipPerTick  float64 `json:"flipPerTick"`
	FlipCap      float64 `json:"flipCap"`

	CapSpotFraction      float64 `json:"capSpotFraction"`
	CapTrueRangeMultiple float64 `json:"capTrueRangeMultiple"`

	NudgeScale float64 `json:"nudgeScale"`
	NudgeMax   float64 `json:"nudgeMax"`

	HourProfile        []HourBand `json:"hourProfile"`
	OffHoursMultiplier float64    `json:"offHoursMultiplier"`
	DisableHourProfile bool       `json:"disableHourProfile"`
}

// DefaultParams returns the production tuning.
func DefaultParams() Params {
	return Params{
		BaseSigma:   0.0005,
		VolRatioMin: 0.5,
		VolRatioMax: 2.0,
		EWMAAlpha:   0.15,

		TrendInfluenceMax: 0.3,

		ImpulseBase:   0.45,
		PullbackBase:  0.35,
		TrendBias:     0.25,
		MinRegimeProb: 0.05,
		ImpulseDwell:  Range{Min: 6, Max: 14},
		PullbackDwell: Range{Min: 3, Max: 8},
		PauseDwell:    Range{Min: 2, Max: 6},
		ImpulseDrift:  0.35,
		PullbackDrift: 0.25,
		PauseDrift:    0.05,

		FlickerPersistence: 0.45,
		FlickerWeight:      0.3,

		RunThreshold: 4,
		FlipBase:     0.05,
		FlipPerTick:  0.05,
		FlipCap:      0.25,

		CapSpotFraction:      0.0015,
		CapTrueRangeMultiple: 0.1,

		NudgeScale: 0.0001,
		NudgeMax:   0.5,

		HourProfile: []HourBand{
			{From: 9, To: 17, Multiplier: 1.5},
			{From: 6, To: 9, Multiplier: 1.2},
			{From: 17, To: 21, Multiplier: 1.3},
		},
		OffHoursMultiplier: 0.5,
	}
}

// Validate reports the first unusable value.
func (p Params) Validate() error {
	switch {
	case p.BaseSigma <= 0:
		return errors.Wrap(exception.ErrInvalidParams, "baseSigma must be > 0")
	case p.VolRatioMin <= 0 || p.VolRatioMax < p.VolRatioMin:
		return errors.Wrap(exception.ErrInvalidParams, "volRatio range")
	case p.EWMAAlpha <= 0 || p.EWMAAlpha > 1:
		return errors.Wrap(exception.ErrInvalidParams, "ewmaAlpha must be in (0, 1]")
	case p.TrendInfluenceMax <= 0:
		return errors.Wrap(exception.ErrInvalidParams, "trendInfluenceMax must be > 0")
	case !isProb(p.ImpulseBase) || !isProb(p.PullbackBase) || !isProb(p.TrendBias) || !isProb(p.MinRegimeProb):
		return errors.Wrap(exception.ErrInvalidParams, "regime probabilities must be in [0, 1]")
	case !p.ImpulseDwell.valid() || !p.PullbackDwell.valid() || !p.PauseDwell.valid():
		return errors.Wrap(exception.ErrInvalidParams, "dwell ranges need 1 <= min <= max")
	case p.FlickerPersistence < 0 || p.FlickerPersistence >= 1:
		return errors.Wrap(exception.ErrInvalidParams, "flickerPersistence must be in [0, 1)")
	case p.RunThreshold < 1:
		return errors.Wrap(exception.ErrInvalidParams, "runThreshold must be >= 1")
	case !isProb(p.FlipBase) || !isProb(p.FlipCap) || p.FlipPerTick < 0:
		return errors.Wrap(exception.ErrInvalidParams, "flip probabilities")
	case p.CapSpotFraction <= 0 || p.CapTrueRangeMultiple < 0:
		return errors.Wrap(exception.ErrInvalidParams, "cap")
	case p.NudgeScale < 0 || p.NudgeMax < 0:
		return errors.Wrap(exception.ErrInvalidParams, "nudge")
	case p.OffHoursMultiplier <= 0 && !p.DisableHourProfile:
		return errors.Wrap(exception.ErrInvalidParams, "offHoursMultiplier must be > 0")
	}
	for _, b := range p.HourProfile {
		if b.From < 0 || b.To > 24 || b.From >= b.To || b.Multiplier <= 0 {
			return errors.Wrapf(exception.ErrInvalidParams, "hour band %d-%d", b.From, b.To)
		}
	}
	return nil
}

func (r Range) valid() bool {
	return r.Min >= 1 && r.Max >= r.Min
}

func isProb(v float64) bool {
	return v >= 0 && v <= 1
}
