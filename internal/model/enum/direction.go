package enum

// Direction is the side a trade bets on.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

func (d Direction) IsAvailable() bool {
	return d == DirectionUp || d == DirectionDown
}

// Sign returns +1 for UP and -1 for DOWN.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionUp:
		return 1
	case DirectionDown:
		return -1
	default:
		return 0
	}
}
