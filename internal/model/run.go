package model

import "time"

// SymbolOutcome identifies one processed (symbol, timeframe) pair.
type SymbolOutcome struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Records   int       `json:"records"`
}

// SymbolFailure records why a (symbol, timeframe) pair could not be processed.
type SymbolFailure struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// RunSummary describes the outcome of one pipeline run.
type RunSummary struct {
	RunID           string          `json:"run_id"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	Succeeded       []SymbolOutcome `json:"succeeded"`
	Skipped         []SymbolOutcome `json:"skipped"`
	Failed          []SymbolFailure `json:"failed"`
	StoreErrors     int             `json:"store_errors"`
	Degraded        bool            `json:"degraded"`
	DegradedReasons []string        `json:"degraded_reasons,omitempty"`
	ProxyDegraded   bool            `json:"proxy_degraded"`
	Proxies         []ProxyRecord   `json:"proxies"`
}
