package state

import (
	"context"
	"time"
)

// Field names one per-instrument value in the spot store.
type Field string

const (
	FieldSpot       Field = "spot"
	FieldVolatility Field = "vol"
	FieldTrueRange  Field = "tr"
	FieldRegime     Field = "regime"
	FieldRegimeLeft Field = "regime_left"
	FieldRegimeDir  Field = "regime_dir"
	FieldFlicker    Field = "flicker"
	FieldRunSign    Field = "run_sign"
	FieldRunLength  Field = "run_len"
)

// Fields lists every field persisted for an instrument.
var Fields = []Field{
	FieldSpot,
	FieldVolatility,
	FieldTrueRange,
	FieldRegime,
	FieldRegimeLeft,
	FieldRegimeDir,
	FieldFlicker,
	FieldRunSign,
	FieldRunLength,
}

// Store is keyed ephemeral storage for per-instrument values.
// Writes are last-writer-wins and a zero ttl means no expiry.
type Store interface {
	Get(ctx context.Context, instrumentID uint64, field Field) (float64, bool, error)
	Put(ctx context.Context, instrumentID uint64, field Field, value float64, ttl time.Duration) error
	GetMany(ctx context.Context, instrumentID uint64, fields ...Field) (map[Field]float64, error)
}

// TTLs holds the expiry of each group of fields.
type TTLs struct {
	Spot   time.Duration `json:"spot"`
	EWMA   time.Duration `json:"ewma"`
	Regime time.Duration `json:"regime"`
}

// DefaultTTLs returns the expiry used in production.
func DefaultTTLs() TTLs {
	return TTLs{
		Spot:   24 * time.Hour,
		EWMA:   time.Hour,
		Regime: 10 * time.Minute,
	}
}

func (t TTLs) of(f Field) time.Duration {
	switch f {
	case FieldSpot:
		return t.Spot
	case FieldVolatility, FieldTrueRange:
		return t.EWMA
	default:
		return t.Regime
	}
}
