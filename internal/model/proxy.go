package model

import "time"

// ProxyRecord tracks the outcome statistics of one egress. An empty Address
// is the direct connection.
type ProxyRecord struct {
	Address             string    `json:"address"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	Active              bool      `json:"active"`
	LastUsed            time.Time `json:"last_used,omitempty"`
}

// Direct reports whether the record is the direct connection.
func (r ProxyRecord) Direct() bool { return r.Address == "" }

// SuccessRate returns success/(success+failure), 0 when the record was never used.
func (r ProxyRecord) SuccessRate() float64 {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(total)
}
