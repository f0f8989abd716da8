package model

import (
	"strconv"
	"strings"
	"time"

	"otcmarket/internal/model/enum"
)

const (
	MinTickInterval     = 100 * time.Millisecond
	MaxTickInterval     = 5000 * time.Millisecond
	DefaultTickInterval = time.Second

	defaultTargetWinPercent = 50
	defaultTrendStrength    = 5
)

// SessionWindow is a time-of-day window with its own trend.
// Start and End use "HH:MM" or "HH:MM:SS"; End may be before Start to wrap midnight.
type SessionWindow struct {
	Name  string     `json:"name"`
	Start string     `json:"start"`
	End   string     `json:"end"`
	Trend enum.Trend `json:"trend"`
}

// Controls is a read-only snapshot of the system-wide engine settings.
type Controls struct {
	TargetWinPercent float64          `json:"targetWinPercent"`
	TickIntervalMs   int              `json:"tickIntervalMs"`
	Sessions         [3]SessionWindow `json:"sessions"`
	TrendStrength    float64          `json:"trendStrength"`
	EnforceWinRate   bool             `json:"enforceWinRate"`
	Timezone         string           `json:"timezone"`

	loc *time.Location
}

func defaultSessions() [3]SessionWindow {
	return [3]SessionWindow{
		{Name: "morning", Start: "09:00", End: "12:00", Trend: enum.TrendSideways},
		{Name: "afternoon", Start: "12:00", End: "17:00", Trend: enum.TrendSideways},
		{Name: "evening", Start: "17:00", End: "21:00", Trend: enum.TrendSideways},
	}
}

// DefaultControls returns the settings used before any admin change.
func DefaultControls() Controls {
	return Controls{
		TargetWinPercent: defaultTargetWinPercent,
		TickIntervalMs:   int(DefaultTickInterval / time.Millisecond),
		Sessions:         defaultSessions(),
		TrendStrength:    defaultTrendStrength,
		EnforceWinRate:   true,
		Timezone:         "UTC",
		loc:              time.UTC,
	}
}

// Sanitize replaces malformed values with safe defaults. It never fails.
func (c Controls) Sanitize() Controls {
	c.TargetWinPercent = clamp(c.TargetWinPercent, 0, 100)
	c.TrendStrength = clamp(c.TrendStrength, 0, 10)
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = int(DefaultTickInterval / time.Millisecond)
	}

	defaults := defaultSessions()
	for i := range c.Sessions {
		s := c.Sessions[i]
		_, okStart := parseClock(s.Start)
		_, okEnd := parseClock(s.End)
		if !okStart || !okEnd {
			s.Start, s.End = defaults[i].Start, defaults[i].End
		}
		if s.Name == "" {
			s.Name = defaults[i].Name
		}
		s.Trend = enum.ParseTrend(string(s.Trend))
		c.Sessions[i] = s
	}

	loc, err := time.LoadLocation(c.Timezone)
	if c.Timezone == "" || err != nil {
		c.Timezone = "UTC"
		loc = time.UTC
	}
	c.loc = loc
	return c
}

// TickInterval returns the configured cadence clamped to [100ms, 5000ms].
func (c Controls) TickInterval() time.Duration {
	return ClampTickInterval(time.Duration(c.TickIntervalMs) * time.Millisecond)
}

// ClampTickInterval limits d to the supported cadence range.
func ClampTickInterval(d time.Duration) time.Duration {
	if d < MinTickInterval {
		return MinTickInterval
	}
	if d > MaxTickInterval {
		return MaxTickInterval
	}
	return d
}

// TargetFraction returns the target win rate in [0, 1].
func (c Controls) TargetFraction() float64 {
	return clamp(c.TargetWinPercent, 0, 100) / 100
}

// Location returns the timezone sessions and daily stats are evaluated in.
func (c Controls) Location() *time.Location {
	if c.loc != nil {
		return c.loc
	}
	return time.UTC
}

// DayStart returns local midnight of the day containing t.
func (c Controls) DayStart(t time.Time) time.Time {
	local := t.In(c.Location())
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.Location())
}

// SessionAt returns the session containing t.
func (c Controls) SessionAt(t time.Time) (SessionWindow, bool) {
	local := t.In(c.Location())
	now := local.Hour()*3600 + local.Minute()*60 + local.Second()
	for _, s := range c.Sessions {
		start, okStart := parseClock(s.Start)
		end, okEnd := parseClock(s.End)
		if !okStart || !okEnd || start == end {
			continue
		}
		if start < end {
			if now >= start && now < end {
				return s, true
			}
			continue
		}
		if now >= start || now < end {
			return s, true
		}
	}
	return SessionWindow{}, false
}

// TrendAt returns the trend of the active session, SIDEWAYS outside sessions.
func (c Controls) TrendAt(t time.Time) enum.Trend {
	s, ok := c.SessionAt(t)
	if !ok {
		return enum.TrendSideways
	}
	return enum.ParseTrend(string(s.Trend))
}

// parseClock returns seconds since midnight.
func parseClock(s string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	limits := []int{24, 60, 60}
	var secs int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v >= limits[i] {
			return 0, false
		}
		switch i {
		case 0:
			secs += v * 3600
		case 1:
			secs += v * 60
		default:
			secs += v
		}
	}
	return secs, true
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
