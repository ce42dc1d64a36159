package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the calendar date format used for bars on the wire and in storage.
const DateLayout = "2006-01-02"

// Bar represents a single candlestick for one symbol and timeframe.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Stock is one entry of the symbol universe.
type Stock struct {
	Code string `json:"code" yaml:"code"`
	Name string `json:"name" yaml:"name"`
}

// Timeframe is the bar aggregation period.
type Timeframe string

const (
	Daily   Timeframe = "daily"
	Weekly  Timeframe = "weekly"
	Monthly Timeframe = "monthly"
)

// Timeframes lists every supported timeframe in ascending period length.
var Timeframes = []Timeframe{Daily, Weekly, Monthly}

// ParseTimeframe converts a config string into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToLower(strings.TrimSpace(s))); tf {
	case Daily, Weekly, Monthly:
		return tf, nil
	default:
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
}

// PeriodKey identifies the trading period t falls in: the calendar day,
// the ISO week or the month depending on the timeframe.
func (tf Timeframe) PeriodKey(t time.Time) int {
	switch tf {
	case Weekly:
		y, w := t.ISOWeek()
		return y*100 + w
	case Monthly:
		return t.Year()*100 + int(t.Month())
	default:
		return t.Year()*10000 + int(t.Month())*100 + t.Day()
	}
}

// LastSession returns the last weekday of the period containing t.
// Exchange holidays are not known here.
func (tf Timeframe) LastSession(t time.Time) time.Time {
	d := Day(t)
	switch tf {
	case Weekly:
		monday0 := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, 4-monday0)
	case Monthly:
		d = time.Date(d.Year(), d.Month()+1, 0, 0, 0, 0, 0, time.UTC)
		for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, -1)
		}
		return d
	default:
		return d
	}
}

// DefaultLookback is how far back a cold-start fetch reaches.
func (tf Timeframe) DefaultLookback() (years int) {
	switch tf {
	case Weekly:
		return 3
	case Monthly:
		return 5
	default:
		return 1
	}
}

// DateRange is an inclusive calendar range.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) String() string {
	return r.From.Format(DateLayout) + ".." + r.To.Format(DateLayout)
}

// Day truncates t to a UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a DateLayout string into a UTC calendar date.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// NormalizeSeries sorts bars by date and drops duplicate dates, keeping the
// last occurrence of each date.
func NormalizeSeries(bars []Bar) []Bar {
	if len(bars) == 0 {
		return bars
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	n := 0
	for i := range out {
		if n > 0 && out[n-1].Date.Equal(out[i].Date) {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}
