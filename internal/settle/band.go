package settle

import (
	"math"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
)

// Band is the open interval (Lo, Hi) of closing prices that realizes the
// intended winner and loser sets.
type Band struct {
	Lo      float64
	Hi      float64
	Relaxed bool

	// Dropped lists trades whose constraint was given up during relaxation.
	Dropped map[uint64]struct{}
}

// Contains reports whether p satisfies every kept constraint.
func (b Band) Contains(p float64) bool {
	return p > b.Lo && p < b.Hi
}

// Kept reports whether the trade's constraint survived relaxation.
func (b Band) Kept(tradeID uint64) bool {
	_, dropped := b.Dropped[tradeID]
	return !dropped
}

type constraint struct {
	tradeID uint64
	bound   float64
	winner  bool
}

// splitConstraints sorts trades into lower bounds (price must close above)
// and upper bounds (price must close below).
func splitConstraints(winners, losers []model.Trade, eps float64) (lower, upper []constraint) {
	for _, t := range winners {
		switch t.Direction {
		case enum.DirectionUp:
			lower = append(lower, constraint{tradeID: t.ID, bound: t.EntryPrice + eps, winner: true})
		case enum.DirectionDown:
			upper = append(upper, constraint{tradeID: t.ID, bound: t.EntryPrice - eps, winner: true})
		}
	}
	for _, t := range losers {
		switch t.Direction {
		case enum.DirectionUp:
			upper = append(upper, constraint{tradeID: t.ID, bound: t.EntryPrice - eps})
		case enum.DirectionDown:
			lower = append(lower, constraint{tradeID: t.ID, bound: t.EntryPrice + eps})
		}
	}
	return lower, upper
}

// BuildBand derives the feasible closing band for the given assignment.
//
// The lower bound is the highest entry among UP winners and DOWN losers plus
// half a tick, the upper bound the lowest entry among DOWN winners and UP
// losers minus half a tick. When no grid price fits strictly inside, the side
// holding more winners keeps all of its constraints and the other side drops
// every constraint that conflicts with it.
func BuildBand(inst model.Instrument, winners, losers []model.Trade) Band {
	eps := inst.HalfTick()
	lower, upper := splitConstraints(winners, losers, eps)

	b := Band{Lo: math.Inf(-1), Hi: math.Inf(1)}
	for _, c := range lower {
		b.Lo = math.Max(b.Lo, c.bound)
	}
	for _, c := range upper {
		b.Hi = math.Min(b.Hi, c.bound)
	}
	if _, ok := gridInside(inst, b); ok {
		return b
	}

	b.Relaxed = true
	b.Dropped = make(map[uint64]struct{})
	if countWinners(lower) >= countWinners(upper) {
		anchor := gridAbove(inst, b.Lo)
		b.Hi = math.Inf(1)
		for _, c := range upper {
			if c.bound > anchor {
				b.Hi = math.Min(b.Hi, c.bound)
				continue
			}
			b.Dropped[c.tradeID] = struct{}{}
		}
		return b
	}

	anchor := gridBelow(inst, b.Hi)
	b.Lo = math.Inf(-1)
	for _, c := range lower {
		if c.bound < anchor {
			b.Lo = math.Max(b.Lo, c.bound)
			continue
		}
		b.Dropped[c.tradeID] = struct{}{}
	}
	return b
}

func countWinners(cs []constraint) int {
	n := 0
	for _, c := range cs {
		if c.winner {
			n++
		}
	}
	return n
}

// gridAbove returns the smallest grid price strictly above lo.
func gridAbove(inst model.Instrument, lo float64) float64 {
	p := inst.CeilTick(lo)
	if p <= lo {
		p = inst.Round(p + inst.Tick())
	}
	return p
}

// gridBelow returns the largest grid price strictly below hi.
func gridBelow(inst model.Instrument, hi float64) float64 {
	p := inst.FloorTick(hi)
	if p >= hi {
		p = inst.Round(p - inst.Tick())
	}
	return p
}

// gridInside returns some grid price inside the band, if one exists.
func gridInside(inst model.Instrument, b Band) (float64, bool) {
	switch {
	case math.IsInf(b.Lo, -1) && math.IsInf(b.Hi, 1):
		return 0, true
	case math.IsInf(b.Lo, -1):
		return gridBelow(inst, b.Hi), true
	case math.IsInf(b.Hi, 1):
		return gridAbove(inst, b.Lo), true
	}
	p := gridAbove(inst, b.Lo)
	return p, p < b.Hi
}

// nearestInside returns the grid price inside the band closest to target.
func nearestInside(inst model.Instrument, b Band, target float64) float64 {
	p := inst.Round(target)
	if b.Contains(p) {
		return p
	}
	if !math.IsInf(b.Lo, -1) && p <= b.Lo {
		return gridAbove(inst, b.Lo)
	}
	return gridBelow(inst, b.Hi)
}
