package model

import "time"

// OscillatorState is the recurrence memory needed to extend a KDJ series by
// one bar. Date is the last bar it accounts for.
type OscillatorState struct {
	K    float64   `json:"k"`
	D    float64   `json:"d"`
	Date time.Time `json:"date"`
}

// OscillatorRecord holds the KDJ values computed for one bar.
type OscillatorRecord struct {
	Date time.Time `json:"date"`
	K    float64   `json:"k"`
	D    float64   `json:"d"`
	J    float64   `json:"j"`
}

// State returns the recurrence state left after this record.
func (r OscillatorRecord) State() OscillatorState {
	return OscillatorState{K: r.K, D: r.D, Date: r.Date}
}

// LatestJ is one row of a latest-J scan over a timeframe.
type LatestJ struct {
	Symbol string
	Name   string
	J      float64
	Date   time.Time
}

// SelectionRecord is one ranked symbol produced by the selector.
type SelectionRecord struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Timeframe Timeframe `json:"timeframe"`
	J         float64   `json:"j"`
	Date      time.Time `json:"date"`
}
