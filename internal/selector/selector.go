package selector

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
)

// Scanner is the read side of the store the selector needs.
type Scanner interface {
	ScanLatestJ(ctx context.Context, tf model.Timeframe) ([]model.LatestJ, error)
}

// Selector ranks symbols by their latest J value.
type Selector struct {
	store Scanner
	log   *logrus.Entry
}

func New(store Scanner) *Selector {
	return &Selector{store: store, log: logger.WithComponent("selector")}
}

// SelectLowest returns the topN symbols with the lowest latest J for tf,
// ascending by J with ties broken by symbol. Rows with a non-finite J rank
// after every finite one.
func (s *Selector) SelectLowest(ctx context.Context, tf model.Timeframe, topN int) ([]model.SelectionRecord, error) {
	if topN <= 0 {
		return []model.SelectionRecord{}, nil
	}
	rows, err := s.store.ScanLatestJ(ctx, tf)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", tf, err)
	}

	out := make([]model.SelectionRecord, 0, len(rows))
	for _, r := range rows {
		if !finite(r.J) {
			s.log.WithFields(logrus.Fields{"symbol": r.Symbol, "timeframe": tf}).Warnf("non-finite J %v ranked last", r.J)
		}
		out = append(out, model.SelectionRecord{Symbol: r.Symbol, Name: r.Name, Timeframe: tf, J: r.J, Date: r.Date})
	}
	sort.Slice(out, func(i, j int) bool {
		fi, fj := finite(out[i].J), finite(out[j].J)
		switch {
		case fi != fj:
			return fi
		case fi && out[i].J != out[j].J:
			return out[i].J < out[j].J
		}
		return out[i].Symbol < out[j].Symbol
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SelectAll runs SelectLowest for every timeframe.
func (s *Selector) SelectAll(ctx context.Context, tfs []model.Timeframe, topN int) (map[model.Timeframe][]model.SelectionRecord, error) {
	out := make(map[model.Timeframe][]model.SelectionRecord, len(tfs))
	for _, tf := range tfs {
		recs, err := s.SelectLowest(ctx, tf, topN)
		if err != nil {
			return out, err
		}
		out[tf] = recs
	}
	return out, nil
}
