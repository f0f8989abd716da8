package enum

import "strings"

// Trend is the direction bias of a session.
type Trend string

const (
	TrendUp       Trend = "UP"
	TrendDown     Trend = "DOWN"
	TrendSideways Trend = "SIDEWAYS"
)

func (t Trend) IsAvailable() bool {
	return t == TrendUp || t == TrendDown || t == TrendSideways
}

func (t Trend) Sign() float64 {
	switch t {
	case TrendUp:
		return 1
	case TrendDown:
		return -1
	default:
		return 0
	}
}

// ParseTrend accepts any letter case and falls back to SIDEWAYS.
func ParseTrend(s string) Trend {
	t := Trend(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsAvailable() {
		return TrendSideways
	}
	return t
}

// TrendMode is the per-instrument trend setting. GLOBAL follows the session.
type TrendMode string

const (
	TrendModeGlobal   TrendMode = "GLOBAL"
	TrendModeUp       TrendMode = "UP"
	TrendModeDown     TrendMode = "DOWN"
	TrendModeSideways TrendMode = "SIDEWAYS"
)

// Override returns the forced trend, or false when the session trend applies.
func (m TrendMode) Override() (Trend, bool) {
	switch m {
	case TrendModeUp:
		return TrendUp, true
	case TrendModeDown:
		return TrendDown, true
	case TrendModeSideways:
		return TrendSideways, true
	default:
		return "", false
	}
}
