package collector

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"time"

	"KDJScreener/internal/model"
)

// MockSource returns deterministic synthetic bars for development and testing.
// Bars, when set, are served as-is (filtered to the range) for every symbol.
type MockSource struct {
	BasePrice float64
	Bars      map[string][]model.Bar
	Mapper    MarketMapper
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) FetchBars(ctx context.Context, _ *http.Client, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Mapper != nil {
		if _, err := m.Mapper(symbol); err != nil {
			return nil, err
		}
	}
	var daily []model.Bar
	if fixed, ok := m.Bars[symbol]; ok {
		daily = fixed
	} else if m.Bars != nil {
		return nil, fmt.Errorf("mock: %s: %w", symbol, ErrNotFound)
	} else {
		daily = generateMockBars(m.basePrice(symbol), r)
	}

	var bars []model.Bar
	for _, b := range daily {
		if b.Date.Before(r.From) || b.Date.After(r.To) {
			continue
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("mock: %s %s: %w", symbol, r, ErrEmpty)
	}
	return Aggregate(bars, tf), nil
}

func (m *MockSource) basePrice(symbol string) float64 {
	if m.BasePrice > 0 {
		return m.BasePrice
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 10 + float64(h.Sum32()%1000)/10
}

// generateMockBars produces one bar per weekday in r following a slow sine wave.
func generateMockBars(basePrice float64, r model.DateRange) []model.Bar {
	var bars []model.Bar
	for d := model.Day(r.From); !d.After(r.To); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		x := float64(d.Unix()/86400) / 20
		p := basePrice * (1 + 0.1*math.Sin(x))
		bars = append(bars, model.Bar{
			Date:   d,
			Open:   p * 0.999,
			High:   p * 1.005,
			Low:    p * 0.995,
			Close:  p,
			Volume: 1000000,
		})
	}
	return bars
}
