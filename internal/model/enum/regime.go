package enum

// Regime is the short-lived phase of the price path.
type Regime uint8

const (
	_regime_beg Regime = iota
	RegimeImpulse
	RegimePullback
	RegimePause
	_regime_end
)

func (r Regime) IsAvailable() bool {
	return r > _regime_beg && r < _regime_end
}

func (r Regime) String() string {
	switch r {
	case RegimeImpulse:
		return "IMPULSE"
	case RegimePullback:
		return "PULLBACK"
	case RegimePause:
		return "PAUSE"
	default:
		return "UNKNOWN"
	}
}
