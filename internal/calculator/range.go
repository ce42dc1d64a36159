package calculator

import (
	"errors"
	"math"

	"github.com/markcheno/go-talib"

	"KDJScreener/internal/model"
)

// windowRange scans bars and returns the highest high and the lowest low.
func windowRange(bars []model.Bar) (high, low float64, err error) {
	if len(bars) == 0 {
		return 0, 0, errors.New("no bars provided")
	}
	high = math.Inf(-1)
	low = math.Inf(1)
	for i := range bars {
		if bars[i].High > high {
			high = bars[i].High
		}
		if bars[i].Low < low {
			low = bars[i].Low
		}
	}
	return high, low, nil
}

// rollingRange returns, for every index i >= n-1, the highest high and lowest
// low of bars[i-n+1:i+1]. Entries before n-1 are left zero.
func rollingRange(bars []model.Bar, n int) (highs, lows []float64) {
	if n >= 2 {
		h := make([]float64, len(bars))
		l := make([]float64, len(bars))
		for i := range bars {
			h[i] = bars[i].High
			l[i] = bars[i].Low
		}
		return talib.Max(h, n), talib.Min(l, n)
	}
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	for i := range bars {
		highs[i] = bars[i].High
		lows[i] = bars[i].Low
	}
	return highs, lows
}
