package mdg

import (
	"math"
	"time"

	"github.com/yanun0323/errors"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
	"otcmarket/internal/random"
	"otcmarket/pkg/exception"
)

// meanAbsNormal is E|Z| for a standard normal Z.
var meanAbsNormal = math.Sqrt(2 / math.Pi)

// Generator computes one bounded price step per instrument per tick.
type Generator struct {
	params Params
	rng    *random.Generator
}

// Input is everything a single step depends on.
type Input struct {
	Instrument model.Instrument
	Spot       float64
	State      model.SpotState
	Controls   model.Controls

	// WinRateInfluence is the soft nudge in [-0.5, 0.5], see WinRateInfluence.
	WinRateInfluence float64
	Now              time.Time
}

// Output is the natural price for this tick and the state to carry forward.
type Output struct {
	Price float64
	Delta float64
	Cap   float64
	Sigma float64
	State model.SpotState
}

// NewGenerator creates a step engine with validated params.
func NewGenerator(params Params, rng *random.Generator) (*Generator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = random.NewFromTime()
	}
	return &Generator{params: params, rng: rng}, nil
}

// Params returns the tuning in use.
func (g *Generator) Params() Params {
	return g.params
}

// Step advances the price of one instrument by one tick.
func (g *Generator) Step(in Input) (Output, error) {
	spot := in.Spot
	if spot <= 0 || math.IsNaN(spot) || math.IsInf(spot, 0) {
		return Output{}, errors.Wrapf(exception.ErrInvalidPrice, "spot %v", spot).With("instrument", in.Instrument.ID)
	}
	p := g.params
	inst := in.Instrument
	st := in.State

	tau := p.TrendInfluence(g.trend(in), in.Controls.TrendStrength)
	st = g.advanceRegime(st, tau)

	sigma := g.sigma(inst, st, in.Now, in.Controls.Location())
	mu := g.drift(st, sigma, tau)

	flicker := -p.FlickerPersistence*st.Flicker + p.FlickerWeight*sigma*spot*g.rng.Gaussian()
	raw := spot*(mu+sigma*g.rng.Gaussian()) + flicker
	raw = g.reverse(st, raw)

	nudge := clamp(in.WinRateInfluence, -p.NudgeMax, p.NudgeMax) * spot * p.NudgeScale
	// A cap under one tick would round every move away.
	limit := math.Max(p.Cap(spot, st.TrueRangeEWMA), inst.Tick())
	delta := clamp(raw+nudge, -limit, limit)

	price := inst.Round(inst.Clamp(spot + delta))
	if move := price - spot; math.Abs(move) > limit+inst.Tick()*1e-9 {
		price = inst.Clamp(inst.Round(price - sign(move)*inst.Tick()))
	}
	realized := price - spot

	st = g.track(st, spot, realized)
	st.Flicker = flicker
	st.Price = price

	return Output{
		Price: price,
		Delta: realized,
		Cap:   limit,
		Sigma: sigma,
		State: st,
	}, nil
}

func (g *Generator) trend(in Input) enum.Trend {
	if t, ok := in.Instrument.TrendMode.Override(); ok {
		return t
	}
	return in.Controls.TrendAt(in.Now)
}

// advanceRegime picks a new regime when the current one ran out and counts one tick down.
func (g *Generator) advanceRegime(st model.SpotState, tau float64) model.SpotState {
	p := g.params
	if st.RegimeTicksLeft <= 0 || !st.Regime.IsAvailable() {
		impulse, pullback, _ := p.RegimeProbabilities(tau)
		u := g.rng.Uniform()
		var dwell Range
		switch {
		case u < impulse:
			st.Regime, dwell = enum.RegimeImpulse, p.ImpulseDwell
		case u < impulse+pullback:
			st.Regime, dwell = enum.RegimePullback, p.PullbackDwell
		default:
			st.Regime, dwell = enum.RegimePause, p.PauseDwell
		}
		st.RegimeTicksLeft = g.rng.IntBetween(dwell.Min, dwell.Max)
		st.RegimeDir = g.rng.Sign()
	}
	if tau != 0 {
		st.RegimeDir = sign(tau)
	}
	st.RegimeTicksLeft--
	return st
}

func (g *Generator) sigma(inst model.Instrument, st model.SpotState, now time.Time, loc *time.Location) float64 {
	p := g.params
	base := p.BaseSigma * inst.Volatility.Multiplier()
	ratio := 1.0
	if st.VolEWMA > 0 {
		ratio = clamp(st.VolEWMA/(base*meanAbsNormal), p.VolRatioMin, p.VolRatioMax)
	}
	return base * p.HourMultiplier(now, loc) * ratio
}

func (g *Generator) drift(st model.SpotState, sigma, tau float64) float64 {
	p := g.params
	boost := 1 + clamp(math.Abs(tau)/p.TrendInfluenceMax, 0, 1)
	switch st.Regime {
	case enum.RegimeImpulse:
		return st.RegimeDir * p.ImpulseDrift * sigma * boost
	case enum.RegimePullback:
		return -st.RegimeDir * p.PullbackDrift * sigma * boost
	default:
		return st.RegimeDir * p.PauseDrift * sigma
	}
}

// reverse flips a step that would extend a long same-direction run.
func (g *Generator) reverse(st model.SpotState, raw float64) float64 {
	p := g.params
	if raw == 0 || sign(raw) != st.RunSign || st.RunLength < p.RunThreshold {
		return raw
	}
	prob := math.Min(p.FlipCap, p.FlipBase+p.FlipPerTick*float64(st.RunLength-p.RunThreshold+1))
	if g.rng.Chance(prob) {
		return -raw
	}
	return raw
}

// track updates the run counter and the EWMA trackers from the realized move.
func (g *Generator) track(st model.SpotState, spot, move float64) model.SpotState {
	if s := sign(move); s != 0 {
		if s == st.RunSign {
			st.RunLength++
		} else {
			st.RunSign = s
			st.RunLength = 1
		}
	}

	alpha := g.params.EWMAAlpha
	abs := math.Abs(move)
	if st.VolEWMA <= 0 {
		st.VolEWMA = abs / spot
	} else {
		st.VolEWMA = alpha*abs/spot + (1-alpha)*st.VolEWMA
	}
	if st.TrueRangeEWMA <= 0 {
		st.TrueRangeEWMA = abs
	} else {
		st.TrueRangeEWMA = alpha*abs + (1-alpha)*st.TrueRangeEWMA
	}
	return st
}
