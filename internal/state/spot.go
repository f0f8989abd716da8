package state

import (
	"context"

	"github.com/yanun0323/errors"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
)

// GetOrSeed returns the cached spot price, seeding it with anchor when absent.
func GetOrSeed(ctx context.Context, s Store, instrumentID uint64, anchor float64, ttls TTLs) (float64, error) {
	price, ok, err := s.Get(ctx, instrumentID, FieldSpot)
	if err != nil {
		return 0, errors.Wrap(err, "get spot").With("instrument", instrumentID)
	}
	if ok && price > 0 {
		return price, nil
	}
	if err := s.Put(ctx, instrumentID, FieldSpot, anchor, ttls.Spot); err != nil {
		return 0, errors.Wrap(err, "seed spot").With("instrument", instrumentID)
	}
	return anchor, nil
}

// LoadSpot reads the whole spot state. Missing fields stay zero.
func LoadSpot(ctx context.Context, s Store, instrumentID uint64) (model.SpotState, error) {
	values, err := s.GetMany(ctx, instrumentID, Fields...)
	if err != nil {
		return model.SpotState{}, errors.Wrap(err, "load spot state").With("instrument", instrumentID)
	}
	st := model.SpotState{
		Price:           values[FieldSpot],
		VolEWMA:         values[FieldVolatility],
		TrueRangeEWMA:   values[FieldTrueRange],
		Regime:          enum.Regime(values[FieldRegime]),
		RegimeTicksLeft: int(values[FieldRegimeLeft]),
		RegimeDir:       values[FieldRegimeDir],
		Flicker:         values[FieldFlicker],
		RunSign:         values[FieldRunSign],
		RunLength:       int(values[FieldRunLength]),
	}
	if !st.Regime.IsAvailable() {
		st.Regime = 0
		st.RegimeTicksLeft = 0
	}
	return st, nil
}

// Batcher is implemented by stores that can write several fields in one round trip.
type Batcher interface {
	PutMany(ctx context.Context, instrumentID uint64, values map[Field]float64, ttls TTLs) error
}

// SaveSpot writes every field of st with its own TTL.
func SaveSpot(ctx context.Context, s Store, instrumentID uint64, st model.SpotState, ttls TTLs) error {
	values := map[Field]float64{
		FieldSpot:       st.Price,
		FieldVolatility: st.VolEWMA,
		FieldTrueRange:  st.TrueRangeEWMA,
		FieldRegime:     float64(st.Regime),
		FieldRegimeLeft: float64(st.RegimeTicksLeft),
		FieldRegimeDir:  st.RegimeDir,
		FieldFlicker:    st.Flicker,
		FieldRunSign:    st.RunSign,
		FieldRunLength:  float64(st.RunLength),
	}
	if b, ok := s.(Batcher); ok {
		if err := b.PutMany(ctx, instrumentID, values, ttls); err != nil {
			return errors.Wrap(err, "save spot state").With("instrument", instrumentID)
		}
		return nil
	}
	for _, f := range Fields {
		if err := s.Put(ctx, instrumentID, f, values[f], ttls.of(f)); err != nil {
			return errors.Wrapf(err, "save %s", f).With("instrument", instrumentID)
		}
	}
	return nil
}
