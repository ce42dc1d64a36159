package calculator

import (
	"errors"
	"fmt"

	"KDJScreener/internal/model"
)

// ErrInsufficientHistory is returned when fewer bars than the RSV window are available.
var ErrInsufficientHistory = errors.New("insufficient history")

// ErrOutOfOrder is returned when a bar does not come after the prior state.
var ErrOutOfOrder = errors.New("bar not after prior state")

// Params are the KDJ window and smoothing lengths.
type Params struct {
	N  int `json:"n"`
	M1 int `json:"m1"`
	M2 int `json:"m2"`
}

// DefaultParams returns the conventional 9/3/3 setting.
func DefaultParams() Params {
	return Params{N: 9, M1: 3, M2: 3}
}

func (p Params) Validate() error {
	if p.N < 1 || p.M1 < 1 || p.M2 < 1 {
		return fmt.Errorf("invalid kdj params %d/%d/%d: all must be >= 1", p.N, p.M1, p.M2)
	}
	return nil
}

// NeutralState is the seed used before the first complete window.
func NeutralState() model.OscillatorState {
	return model.OscillatorState{K: 50, D: 50}
}

// RSV places close within [lowest, highest] on a 0..100 scale. A flat window yields 50.
func RSV(close, highest, lowest float64) float64 {
	if highest == lowest {
		return 50
	}
	return (close - lowest) / (highest - lowest) * 100
}

func step(rsv float64, prior model.OscillatorState, p Params) (k, d, j float64) {
	k = prior.K*float64(p.M1-1)/float64(p.M1) + rsv/float64(p.M1)
	d = prior.D*float64(p.M2-1)/float64(p.M2) + k/float64(p.M2)
	j = 3*k - 2*d
	return k, d, j
}

// Extend computes the record for the last bar of window given the state left
// by the previous bar. window must hold at least p.N bars; only the last p.N
// are used for the RSV.
func Extend(window []model.Bar, prior model.OscillatorState, p Params) (model.OscillatorRecord, model.OscillatorState, error) {
	if err := p.Validate(); err != nil {
		return model.OscillatorRecord{}, prior, err
	}
	if len(window) < p.N {
		return model.OscillatorRecord{}, prior, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, len(window), p.N)
	}
	last := window[len(window)-1]
	if !prior.Date.IsZero() && !last.Date.After(prior.Date) {
		return model.OscillatorRecord{}, prior, fmt.Errorf("%w: %s <= %s", ErrOutOfOrder,
			last.Date.Format(model.DateLayout), prior.Date.Format(model.DateLayout))
	}

	high, low, err := windowRange(window[len(window)-p.N:])
	if err != nil {
		return model.OscillatorRecord{}, prior, err
	}
	k, d, j := step(RSV(last.Close, high, low), prior, p)
	rec := model.OscillatorRecord{Date: last.Date, K: k, D: d, J: j}
	return rec, rec.State(), nil
}

// ComputeFull runs the recurrence over an entire ascending series from the
// neutral seed. The first record belongs to index p.N-1.
func ComputeFull(series []model.Bar, p Params) ([]model.OscillatorRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(series) < p.N {
		return nil, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, len(series), p.N)
	}

	highs, lows := rollingRange(series, p.N)
	state := NeutralState()
	out := make([]model.OscillatorRecord, 0, len(series)-p.N+1)
	for i := p.N - 1; i < len(series); i++ {
		k, d, j := step(RSV(series[i].Close, highs[i], lows[i]), state, p)
		rec := model.OscillatorRecord{Date: series[i].Date, K: k, D: d, J: j}
		out = append(out, rec)
		state = rec.State()
	}
	return out, nil
}

// ExtendSeries appends fresh bars to a series whose last computed state is
// prior. history holds the stored bars preceding fresh (at least p.N-1 of
// them) so every new bar has a full window. Fresh bars dated on or before
// prior.Date are skipped.
func ExtendSeries(history, fresh []model.Bar, prior model.OscillatorState, p Params) ([]model.OscillatorRecord, model.OscillatorState, error) {
	if err := p.Validate(); err != nil {
		return nil, prior, err
	}
	combined := make([]model.Bar, 0, len(history)+len(fresh))
	combined = append(combined, history...)
	combined = append(combined, fresh...)

	state := prior
	var out []model.OscillatorRecord
	for i := len(history); i < len(combined); i++ {
		if !state.Date.IsZero() && !combined[i].Date.After(state.Date) {
			continue
		}
		start := i - p.N + 1
		if start < 0 {
			return out, state, fmt.Errorf("%w: bar %s has %d bars of window, need %d", ErrInsufficientHistory,
				combined[i].Date.Format(model.DateLayout), i+1, p.N)
		}
		rec, next, err := Extend(combined[start:i+1], state, p)
		if err != nil {
			return out, state, err
		}
		out = append(out, rec)
		state = next
	}
	return out, state, nil
}
