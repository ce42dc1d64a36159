package calculator

import (
	"errors"
	"math"
	"testing"
	"time"

	"KDJScreener/internal/model"
)

func day(i int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

func makeBars(closes []float64) []model.Bar {
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		bars[i] = model.Bar{Date: day(i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
	}
	return bars
}

func wave(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + 10*math.Sin(float64(i)/3) + float64(i%7)
	}
	return out
}

func TestRSV(t *testing.T) {
	tests := []struct {
		name              string
		close, high, low  float64
		want              float64
	}{
		{"flat window", 10, 10, 10, 50},
		{"at high", 12, 12, 8, 100},
		{"at low", 8, 12, 8, 0},
		{"mid", 10, 12, 8, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RSV(tt.close, tt.high, tt.low); got != tt.want {
				t.Errorf("RSV = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeFullFlatSeries(t *testing.T) {
	bars := make([]model.Bar, 20)
	for i := range bars {
		bars[i] = model.Bar{Date: day(i), Open: 100, High: 100, Low: 100, Close: 100}
	}
	recs, err := ComputeFull(bars, DefaultParams())
	if err != nil {
		t.Fatalf("ComputeFull: %v", err)
	}
	if len(recs) != 12 {
		t.Fatalf("len = %d, want 12", len(recs))
	}
	for _, r := range recs {
		if r.K != 50 || r.D != 50 || r.J != 50 {
			t.Fatalf("record %s = %+v, want K=D=J=50", r.Date.Format(model.DateLayout), r)
		}
	}
}

func TestComputeFullFirstRecord(t *testing.T) {
	// Closes rise by one per bar, so the last close sits 1 below the window high.
	closes := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	recs, err := ComputeFull(makeBars(closes), DefaultParams())
	if err != nil {
		t.Fatalf("ComputeFull: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1", len(recs))
	}
	rsv := RSV(9, 10, 0)
	k := 50*2.0/3 + rsv/3
	d := 50*2.0/3 + k/3
	j := 3*k - 2*d
	r := recs[0]
	if !r.Date.Equal(day(8)) {
		t.Errorf("first record date = %v, want %v", r.Date, day(8))
	}
	if r.K != k || r.D != d || r.J != j {
		t.Errorf("record = %+v, want K=%v D=%v J=%v", r, k, d, j)
	}
}

func TestComputeFullInsufficientHistory(t *testing.T) {
	_, err := ComputeFull(makeBars(wave(8)), DefaultParams())
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("err = %v, want ErrInsufficientHistory", err)
	}
}

func TestExtendInsufficientHistory(t *testing.T) {
	_, _, err := Extend(makeBars(wave(5)), NeutralState(), DefaultParams())
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("err = %v, want ErrInsufficientHistory", err)
	}
}

func TestExtendOutOfOrder(t *testing.T) {
	bars := makeBars(wave(9))
	prior := model.OscillatorState{K: 50, D: 50, Date: bars[8].Date}
	_, _, err := Extend(bars, prior, DefaultParams())
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestInvalidParams(t *testing.T) {
	if _, err := ComputeFull(makeBars(wave(20)), Params{N: 0, M1: 3, M2: 3}); err == nil {
		t.Fatal("expected error for N=0")
	}
}

// Extending a prefix bar by bar must reproduce the full computation exactly.
func TestIncrementalMatchesFull(t *testing.T) {
	params := []Params{DefaultParams(), {N: 1, M1: 3, M2: 3}, {N: 5, M1: 2, M2: 4}, {N: 14, M1: 1, M2: 1}}
	bars := makeBars(wave(80))
	for _, p := range params {
		full, err := ComputeFull(bars, p)
		if err != nil {
			t.Fatalf("%+v ComputeFull: %v", p, err)
		}
		for split := p.N; split < len(bars); split += 7 {
			head, err := ComputeFull(bars[:split], p)
			if err != nil {
				t.Fatalf("%+v head: %v", p, err)
			}
			prior := head[len(head)-1].State()
			tail, state, err := ExtendSeries(bars[split-p.N+1:split], bars[split:], prior, p)
			if err != nil {
				t.Fatalf("%+v ExtendSeries at %d: %v", p, split, err)
			}
			got := append(head, tail...)
			if len(got) != len(full) {
				t.Fatalf("%+v split %d: len %d, want %d", p, split, len(got), len(full))
			}
			for i := range full {
				if got[i] != full[i] {
					t.Fatalf("%+v split %d: record %d = %+v, want %+v", p, split, i, got[i], full[i])
				}
			}
			if state != full[len(full)-1].State() {
				t.Errorf("%+v split %d: final state %+v", p, split, state)
			}
		}
	}
}

func TestExtendSeriesSkipsProcessedBars(t *testing.T) {
	bars := makeBars(wave(30))
	p := DefaultParams()
	full, err := ComputeFull(bars, p)
	if err != nil {
		t.Fatalf("ComputeFull: %v", err)
	}
	prior := full[len(full)-1].State()
	recs, state, err := ExtendSeries(bars[:21], bars[21:], prior, p)
	if err != nil {
		t.Fatalf("ExtendSeries: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records for already processed bars", len(recs))
	}
	if state != prior {
		t.Errorf("state changed: %+v", state)
	}
}

func TestExtendSeriesShortHistory(t *testing.T) {
	bars := makeBars(wave(12))
	p := DefaultParams()
	_, _, err := ExtendSeries(bars[8:10], bars[10:], model.OscillatorState{K: 50, D: 50, Date: bars[9].Date}, p)
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("err = %v, want ErrInsufficientHistory", err)
	}
}

func TestComputeFullBounded(t *testing.T) {
	recs, err := ComputeFull(makeBars(wave(200)), DefaultParams())
	if err != nil {
		t.Fatalf("ComputeFull: %v", err)
	}
	for _, r := range recs {
		if r.K < 0 || r.K > 100 || r.D < 0 || r.D > 100 {
			t.Fatalf("K/D out of [0,100]: %+v", r)
		}
		if math.Abs(r.J-(3*r.K-2*r.D)) > 1e-12 {
			t.Fatalf("J != 3K-2D: %+v", r)
		}
	}
}
