package collector

import (
	"context"
	"net/http"
	"time"

	"KDJScreener/internal/model"
)

// ResamplingSource serves weekly and monthly bars by aggregating the daily
// bars of an underlying source.
type ResamplingSource struct {
	Daily Source
}

func (s *ResamplingSource) Name() string { return s.Daily.Name() + "+resample" }

func (s *ResamplingSource) FetchBars(ctx context.Context, client *http.Client, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	if tf == model.Daily {
		return s.Daily.FetchBars(ctx, client, symbol, tf, r)
	}
	// Widen the range to whole periods so the edge bars aggregate complete data.
	wide := model.DateRange{From: periodStart(tf, r.From), To: r.To}
	daily, err := s.Daily.FetchBars(ctx, client, symbol, model.Daily, wide)
	if err != nil {
		return nil, err
	}
	return Aggregate(daily, tf), nil
}

func periodStart(tf model.Timeframe, t time.Time) time.Time {
	t = model.Day(t)
	switch tf {
	case model.Weekly:
		wd := int(t.Weekday()+6) % 7 // Monday = 0
		return t.AddDate(0, 0, -wd)
	case model.Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Aggregate folds ascending daily bars into one bar per period of tf. Each
// aggregated bar is dated by the last trading day of its period.
func Aggregate(daily []model.Bar, tf model.Timeframe) []model.Bar {
	if len(daily) == 0 || tf == model.Daily {
		return daily
	}
	var out []model.Bar
	var cur model.Bar
	var key int
	started := false

	for _, d := range daily {
		k := tf.PeriodKey(d.Date)
		if !started || k != key {
			if started {
				out = append(out, cur)
			}
			cur = d
			key = k
			started = true
			continue
		}
		if d.High > cur.High {
			cur.High = d.High
		}
		if d.Low < cur.Low {
			cur.Low = d.Low
		}
		cur.Close = d.Close
		cur.Volume += d.Volume
		cur.Date = d.Date
	}
	if started {
		out = append(out, cur)
	}
	return out
}
