package storage

import (
	"io/fs"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/internal/model/enum"
	"otcmarket/internal/storage/migrations"
)

func TestControlsRowSanitizes(t *testing.T) {
	row := controlsRow{
		ID:               1,
		TargetWinPercent: 140,
		TickIntervalMs:   0,
		Session1Start:    "08:00",
		Session1End:      "11:30",
		Session1Trend:    "UP",
		Session2Start:    "bad",
		Session2End:      "17:00",
		Session2Trend:    "sideways-ish",
		Session3Start:    "22:00",
		Session3End:      "02:00",
		Session3Trend:    "DOWN",
		TrendStrength:    7,
		EnforceWinRate:   true,
		Timezone:         "Nowhere/City",
	}
	c := row.toModel()

	assert.Equal(t, 100.0, c.TargetWinPercent)
	assert.Equal(t, time.Second, c.TickInterval())
	assert.Equal(t, enum.TrendUp, c.Sessions[0].Trend)
	assert.Equal(t, "12:00", c.Sessions[1].Start)
	assert.Equal(t, enum.TrendSideways, c.Sessions[1].Trend)
	assert.Equal(t, "22:00", c.Sessions[2].Start)
	assert.Equal(t, "UTC", c.Timezone)
	assert.Equal(t, "morning", c.Sessions[0].Name)
}

func TestMigrationsAreEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	assert.Len(t, files, 4)

	goose.SetBaseFS(migrations.FS)
	t.Cleanup(func() { goose.SetBaseFS(nil) })
	ms, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	require.NoError(t, err)
	require.Len(t, ms, 4)
	for i, m := range ms {
		assert.Equal(t, int64(i+1), m.Version)
	}
}
