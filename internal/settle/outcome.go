package settle

import (
	"math"

	"otcmarket/internal/model/enum"
)

// Epsilon is the settlement tolerance: half a unit of the display precision.
func Epsilon(precision int32) float64 {
	return math.Pow10(-int(precision)) / 2
}

// OutcomeFor decides a trade from its closing price. Moves within half a tick
// of the entry are a TIE.
func OutcomeFor(dir enum.Direction, entry, closing float64, precision int32) enum.Result {
	eps := Epsilon(precision)
	switch {
	case closing > entry+eps:
		if dir == enum.DirectionUp {
			return enum.ResultWin
		}
		return enum.ResultLose
	case closing < entry-eps:
		if dir == enum.DirectionDown {
			return enum.ResultWin
		}
		return enum.ResultLose
	default:
		return enum.ResultTie
	}
}

// NeededWins returns how many of batch trades must win so the day's win
// count lands on round((total+batch) * target).
func NeededWins(wins, total, batch int, target float64) int {
	if batch <= 0 {
		return 0
	}
	target = math.Min(1, math.Max(0, target))
	need := int(math.Round(float64(total+batch)*target)) - wins
	if need < 0 {
		return 0
	}
	if need > batch {
		return batch
	}
	return need
}

// FlipCost is the signed distance the closing price must move from natural
// for a trade to win. It is negative for trades already winning at natural,
// and lower for trades deeper in the money, so ranking by it keeps winners
// and losers of one direction on opposite sides of a single price.
func FlipCost(dir enum.Direction, entry, natural, eps float64) float64 {
	switch dir {
	case enum.DirectionUp:
		return entry + eps - natural
	case enum.DirectionDown:
		return natural - (entry - eps)
	default:
		return math.Inf(1)
	}
}
