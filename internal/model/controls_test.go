package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/internal/model/enum"
)

func TestControlsTickIntervalClamp(t *testing.T) {
	c := DefaultControls()

	c.TickIntervalMs = 10
	assert.Equal(t, MinTickInterval, c.TickInterval())

	c.TickIntervalMs = 60_000
	assert.Equal(t, MaxTickInterval, c.TickInterval())

	c.TickIntervalMs = 750
	assert.Equal(t, 750*time.Millisecond, c.TickInterval())
}

func TestControlsSanitize(t *testing.T) {
	c := Controls{
		TargetWinPercent: 140,
		TickIntervalMs:   -5,
		TrendStrength:    -3,
		Timezone:         "Not/AZone",
		Sessions: [3]SessionWindow{
			{Start: "25:00", End: "12:00", Trend: "up"},
			{Start: "12:00", End: "17:00", Trend: "nonsense"},
			{Name: "late", Start: "22:00", End: "02:00", Trend: enum.TrendDown},
		},
	}.Sanitize()

	assert.Equal(t, 100.0, c.TargetWinPercent)
	assert.Equal(t, 1000, c.TickIntervalMs)
	assert.Equal(t, 0.0, c.TrendStrength)
	assert.Equal(t, "UTC", c.Timezone)
	assert.Equal(t, "09:00", c.Sessions[0].Start)
	assert.Equal(t, "morning", c.Sessions[0].Name)
	assert.Equal(t, enum.TrendUp, c.Sessions[0].Trend)
	assert.Equal(t, enum.TrendSideways, c.Sessions[1].Trend)
	assert.Equal(t, "late", c.Sessions[2].Name)
	assert.Equal(t, 1.0, c.TargetFraction())
}

func TestControlsTrendAt(t *testing.T) {
	c := DefaultControls()
	c.Sessions[0].Trend = enum.TrendUp
	c.Sessions[2] = SessionWindow{Name: "night", Start: "22:00", End: "02:00", Trend: enum.TrendDown}
	c = c.Sanitize()

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, enum.TrendUp, c.TrendAt(day.Add(10*time.Hour)))
	assert.Equal(t, enum.TrendSideways, c.TrendAt(day.Add(13*time.Hour)))
	assert.Equal(t, enum.TrendDown, c.TrendAt(day.Add(23*time.Hour)))
	assert.Equal(t, enum.TrendDown, c.TrendAt(day.Add(time.Hour)))
	assert.Equal(t, enum.TrendSideways, c.TrendAt(day.Add(5*time.Hour)))
}

func TestControlsDayStartUsesTimezone(t *testing.T) {
	c := DefaultControls()
	c.Timezone = "Asia/Taipei"
	c = c.Sanitize()
	require.Equal(t, "Asia/Taipei", c.Timezone)

	// 2024-03-01 20:00 UTC is 2024-03-02 04:00 in Taipei.
	now := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	start := c.DayStart(now)
	assert.True(t, start.Equal(time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)), start)
}
