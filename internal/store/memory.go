package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"KDJScreener/internal/model"
)

// MemoryStore keeps everything in process memory. It is used for tests and
// for cache.path ":memory:".
type MemoryStore struct {
	mu     sync.RWMutex
	names  map[string]string
	bars   map[string]map[time.Time]model.Bar
	osc    map[string]map[time.Time]model.OscillatorRecord
	runs   []model.RunSummary
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		names: make(map[string]string),
		bars:  make(map[string]map[time.Time]model.Bar),
		osc:   make(map[string]map[time.Time]model.OscillatorRecord),
	}
}

func (m *MemoryStore) check(op string) error {
	if m.closed {
		return &StoreError{Kind: IOFailure, Op: op, Err: errClosed}
	}
	return nil
}

func (m *MemoryStore) UpsertStocks(ctx context.Context, stocks []model.Stock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert stocks"); err != nil {
		return err
	}
	for _, s := range stocks {
		if s.Name != "" || m.names[s.Code] == "" {
			m.names[s.Code] = s.Name
		}
	}
	return nil
}

func (m *MemoryStore) UpsertBars(ctx context.Context, symbol string, tf model.Timeframe, bars []model.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert bars"); err != nil {
		return err
	}
	k := key(symbol, tf)
	if m.bars[k] == nil {
		m.bars[k] = make(map[time.Time]model.Bar)
	}
	for _, b := range bars {
		b.Date = model.Day(b.Date)
		m.bars[k][b.Date] = b
	}
	return nil
}

func (m *MemoryStore) sortedBars(symbol string, tf model.Timeframe) []model.Bar {
	src := m.bars[key(symbol, tf)]
	out := make([]model.Bar, 0, len(src))
	for _, b := range src {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (m *MemoryStore) Bars(ctx context.Context, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("bars"); err != nil {
		return nil, err
	}
	var out []model.Bar
	for _, b := range m.sortedBars(symbol, tf) {
		if !b.Date.Before(r.From) && !b.Date.After(r.To) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryStore) TailBars(ctx context.Context, symbol string, tf model.Timeframe, through time.Time, n int) ([]model.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("tail bars"); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	var upto []model.Bar
	for _, b := range m.sortedBars(symbol, tf) {
		if !b.Date.After(through) {
			upto = append(upto, b)
		}
	}
	if len(upto) > n {
		upto = upto[len(upto)-n:]
	}
	return upto, nil
}

func (m *MemoryStore) AppendOscillator(ctx context.Context, symbol string, tf model.Timeframe, recs []model.OscillatorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("append oscillator"); err != nil {
		return err
	}
	if err := checkFinite(recs); err != nil {
		return err
	}
	k := key(symbol, tf)
	if m.osc[k] == nil {
		m.osc[k] = make(map[time.Time]model.OscillatorRecord)
	}
	for _, r := range recs {
		r.Date = model.Day(r.Date)
		m.osc[k][r.Date] = r
	}
	return nil
}

func latest(recs map[time.Time]model.OscillatorRecord) (model.OscillatorRecord, bool) {
	var (
		best model.OscillatorRecord
		ok   bool
	)
	for d, r := range recs {
		if !ok || d.After(best.Date) {
			best, ok = r, true
		}
	}
	return best, ok
}

func (m *MemoryStore) LatestRecord(ctx context.Context, symbol string, tf model.Timeframe) (model.OscillatorRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("latest record"); err != nil {
		return model.OscillatorRecord{}, false, err
	}
	rec, ok := latest(m.osc[key(symbol, tf)])
	return rec, ok, nil
}

func (m *MemoryStore) LatestState(ctx context.Context, symbol string, tf model.Timeframe) (model.OscillatorState, bool, error) {
	rec, ok, err := m.LatestRecord(ctx, symbol, tf)
	if err != nil || !ok {
		return model.OscillatorState{}, ok, err
	}
	return rec.State(), true, nil
}

func (m *MemoryStore) ScanLatestJ(ctx context.Context, tf model.Timeframe) ([]model.LatestJ, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("scan latest j"); err != nil {
		return nil, err
	}
	suffix := "|" + string(tf)
	var out []model.LatestJ
	for k, recs := range m.osc {
		if len(k) <= len(suffix) || k[len(k)-len(suffix):] != suffix {
			continue
		}
		rec, ok := latest(recs)
		if !ok {
			continue
		}
		symbol := k[:len(k)-len(suffix)]
		out = append(out, model.LatestJ{Symbol: symbol, Name: m.names[symbol], J: rec.J, Date: rec.Date})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStore) RecordRun(ctx context.Context, summary model.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("record run"); err != nil {
		return err
	}
	for i := range m.runs {
		if m.runs[i].RunID == summary.RunID {
			m.runs[i] = summary
			return nil
		}
	}
	m.runs = append(m.runs, summary)
	return nil
}

func (m *MemoryStore) LastRun(ctx context.Context) (*model.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("last run"); err != nil {
		return nil, err
	}
	var last *model.RunSummary
	for i := range m.runs {
		if last == nil || m.runs[i].StartedAt.After(last.StartedAt) {
			last = &m.runs[i]
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
