package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"KDJScreener/internal/calculator"
	"KDJScreener/internal/collector"
	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
	"KDJScreener/internal/proxy"
	"KDJScreener/internal/selector"
	"KDJScreener/internal/store"
)

// KindInsufficientHistory marks pairs with fewer bars than the RSV window.
const KindInsufficientHistory = "insufficient_history"

// Options configure a Pipeline.
type Options struct {
	Timeframes          []model.Timeframe
	TopN                int
	Params              calculator.Params
	Deadline            time.Duration
	StoreErrorThreshold int
	// Location is the exchange clock used to decide which periods are closed.
	Location *time.Location
	// MarketClose is the session end as an offset from midnight on the
	// Location clock; zero means 15:00.
	MarketClose time.Duration
	Now         func() time.Time
}

// Result is what one run produces.
type Result struct {
	Selections map[model.Timeframe][]model.SelectionRecord
	Summary    model.RunSummary
}

// Pipeline fetches, computes, stores and ranks the universe.
type Pipeline struct {
	fetcher  *collector.ResilientFetcher
	store    store.Store
	pool     *proxy.Pool
	selector *selector.Selector
	opts     Options
	log      *logrus.Entry
}

// New creates a pipeline.
func New(fetcher *collector.ResilientFetcher, st store.Store, pool *proxy.Pool, opts Options) *Pipeline {
	if len(opts.Timeframes) == 0 {
		opts.Timeframes = []model.Timeframe{model.Weekly}
	}
	if opts.Params == (calculator.Params{}) {
		opts.Params = calculator.DefaultParams()
	}
	if opts.Location == nil {
		opts.Location = time.FixedZone("CST", 8*3600)
	}
	if opts.MarketClose <= 0 {
		opts.MarketClose = 15 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		fetcher:  fetcher,
		store:    st,
		pool:     pool,
		selector: selector.New(st),
		opts:     opts,
		log:      logger.WithComponent("pipeline"),
	}
}

// plan is the per-pair context gathered before fetching.
type plan struct {
	state    model.OscillatorState
	hasState bool
	rng      model.DateRange
}

// run accumulates the outcome of one Run.
type run struct {
	mu      sync.Mutex
	summary model.RunSummary
}

func (r *run) succeed(symbol string, tf model.Timeframe, records int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Succeeded = append(r.summary.Succeeded, model.SymbolOutcome{Symbol: symbol, Timeframe: tf, Records: records})
}

func (r *run) skip(symbol string, tf model.Timeframe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Skipped = append(r.summary.Skipped, model.SymbolOutcome{Symbol: symbol, Timeframe: tf})
}

func (r *run) fail(symbol string, tf model.Timeframe, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := "unknown"
	var se *store.StoreError
	switch {
	case errors.As(err, &se):
		kind = string(se.Kind)
		if se.Kind != store.InvalidData {
			r.summary.StoreErrors++
		}
	case errors.Is(err, calculator.ErrInsufficientHistory):
		kind = KindInsufficientHistory
	case collector.KindOf(err) != "":
		kind = string(collector.KindOf(err))
	}
	r.summary.Failed = append(r.summary.Failed, model.SymbolFailure{Symbol: symbol, Timeframe: tf, Kind: kind, Message: err.Error()})
}

func (r *run) storeError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.StoreErrors++
}

// Run processes every (symbol, timeframe) pair of universe and ranks the
// result. Per-pair failures are recorded in the summary; the returned error
// is reserved for unusable options.
func (p *Pipeline) Run(ctx context.Context, universe []model.Stock) (*Result, error) {
	if err := p.opts.Params.Validate(); err != nil {
		return nil, err
	}

	now := p.opts.Now()
	today, closedThrough := p.sessionClock(now)
	r := &run{summary: model.RunSummary{RunID: uuid.NewString(), StartedAt: now}}
	log := p.log.WithField("run_id", r.summary.RunID)
	log.WithFields(logrus.Fields{"symbols": len(universe), "timeframes": p.opts.Timeframes}).Info("run started")

	runCtx := ctx
	if p.opts.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.opts.Deadline)
		defer cancel()
	}
	// Store writes and the final read must not be cut short by the deadline
	// once a pair's data has been fetched.
	storeCtx := context.WithoutCancel(runCtx)

	if err := p.store.UpsertStocks(storeCtx, universe); err != nil {
		log.WithError(err).Warn("saving stock names failed")
		r.storeError()
	}

	plans := make(map[string]plan, len(universe)*len(p.opts.Timeframes))
	var reqs []collector.Request
	for _, stock := range universe {
		for _, tf := range p.opts.Timeframes {
			pl, err := p.plan(storeCtx, stock.Code, tf, today)
			if err != nil {
				r.fail(stock.Code, tf, err)
				continue
			}
			plans[pairKey(stock.Code, tf)] = pl
			reqs = append(reqs, collector.Request{Symbol: stock.Code, Timeframe: tf, Range: pl.rng})
		}
	}

	p.fetcher.FetchBatch(runCtx, reqs, func(res collector.Result) {
		pl := plans[pairKey(res.Symbol, res.Timeframe)]
		if res.Err != nil {
			r.fail(res.Symbol, res.Timeframe, res.Err)
			return
		}
		n, err := p.process(storeCtx, res.Symbol, res.Timeframe, pl, res.Bars, today, closedThrough)
		switch {
		case err != nil:
			r.fail(res.Symbol, res.Timeframe, err)
		case n == 0:
			r.skip(res.Symbol, res.Timeframe)
		default:
			r.succeed(res.Symbol, res.Timeframe, n)
		}
	})

	selections, err := p.selector.SelectAll(storeCtx, p.opts.Timeframes, p.opts.TopN)
	if err != nil {
		log.WithError(err).Error("selection failed")
		r.storeError()
		r.summary.DegradedReasons = append(r.summary.DegradedReasons, "selection failed: "+err.Error())
	}

	s := r.summary
	s.FinishedAt = p.opts.Now()
	if p.pool != nil {
		s.ProxyDegraded = p.pool.Degraded()
		s.Proxies = p.pool.Snapshot()
	}
	if s.ProxyDegraded {
		s.DegradedReasons = append(s.DegradedReasons, "no active proxy, requests went direct")
	}
	if p.opts.StoreErrorThreshold > 0 && s.StoreErrors >= p.opts.StoreErrorThreshold {
		s.DegradedReasons = append(s.DegradedReasons, fmt.Sprintf("%d store errors", s.StoreErrors))
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.DegradedReasons = append(s.DegradedReasons, "run deadline exceeded")
	}
	s.Degraded = len(s.DegradedReasons) > 0
	sortSummary(&s)

	if err := p.store.RecordRun(storeCtx, s); err != nil {
		log.WithError(err).Warn("recording run summary failed")
	}

	log.WithFields(logrus.Fields{
		"succeeded":    len(s.Succeeded),
		"skipped":      len(s.Skipped),
		"failed":       len(s.Failed),
		"store_errors": s.StoreErrors,
		"degraded":     s.Degraded,
		"elapsed":      s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond),
	}).Info("run finished")

	if selections == nil {
		selections = map[model.Timeframe][]model.SelectionRecord{}
	}
	return &Result{Selections: selections, Summary: s}, nil
}

func pairKey(symbol string, tf model.Timeframe) string {
	return symbol + "|" + string(tf)
}

// plan decides the fetch range for a pair. With a stored state the range
// starts at the state's own date so a valid symbol never yields an empty
// payload; otherwise it covers the timeframe's default lookback.
func (p *Pipeline) plan(ctx context.Context, symbol string, tf model.Timeframe, today time.Time) (plan, error) {
	state, ok, err := p.store.LatestState(ctx, symbol, tf)
	if err != nil {
		return plan{}, err
	}
	if ok {
		return plan{state: state, hasState: true, rng: model.DateRange{From: state.Date, To: today}}, nil
	}
	return plan{rng: model.DateRange{From: today.AddDate(-tf.DefaultLookback(), 0, 0), To: today}}, nil
}

// sessionClock returns today's date on the exchange clock and the latest
// date whose session has ended: today once the market has closed, otherwise
// the day before.
func (p *Pipeline) sessionClock(now time.Time) (today, closedThrough time.Time) {
	local := now.In(p.opts.Location)
	today = model.Day(local)
	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	if sinceMidnight >= p.opts.MarketClose {
		return today, today
	}
	return today, today.AddDate(0, 0, -1)
}

// closedOnly drops bars of the period containing today unless that period's
// last session ended on or before closedThrough.
func closedOnly(bars []model.Bar, tf model.Timeframe, today, closedThrough time.Time) []model.Bar {
	current := tf.PeriodKey(today)
	currentClosed := !tf.LastSession(today).After(closedThrough)
	out := bars[:0:0]
	for _, b := range bars {
		k := tf.PeriodKey(b.Date)
		if k < current || (k == current && currentClosed) {
			out = append(out, b)
		}
	}
	return out
}

// process stores fetched bars and the records they produce. It returns the
// number of new oscillator records.
func (p *Pipeline) process(ctx context.Context, symbol string, tf model.Timeframe, pl plan, fetched []model.Bar, today, closedThrough time.Time) (int, error) {
	log := p.log.WithFields(logrus.Fields{"symbol": symbol, "timeframe": tf})
	bars := closedOnly(model.NormalizeSeries(fetched), tf, today, closedThrough)
	if err := p.store.UpsertBars(ctx, symbol, tf, bars); err != nil {
		return 0, err
	}

	var recs []model.OscillatorRecord
	if pl.hasState {
		var fresh []model.Bar
		for _, b := range bars {
			if b.Date.After(pl.state.Date) {
				fresh = append(fresh, b)
			}
		}
		if len(fresh) == 0 {
			log.Debug("no new closed bars")
			return 0, nil
		}
		history, err := p.store.TailBars(ctx, symbol, tf, pl.state.Date, p.opts.Params.N-1)
		if err != nil {
			return 0, err
		}
		recs, _, err = calculator.ExtendSeries(history, fresh, pl.state, p.opts.Params)
		if err != nil {
			return 0, err
		}
	} else {
		series, err := p.store.Bars(ctx, symbol, tf, pl.rng)
		if err != nil {
			return 0, err
		}
		recs, err = calculator.ComputeFull(series, p.opts.Params)
		if err != nil {
			return 0, err
		}
	}

	if err := p.store.AppendOscillator(ctx, symbol, tf, recs); err != nil {
		return 0, err
	}
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		log.WithFields(logrus.Fields{"records": len(recs), "j": last.J, "date": last.Date.Format(model.DateLayout)}).Debug("oscillator updated")
	}
	return len(recs), nil
}

func sortSummary(s *model.RunSummary) {
	byPair := func(a, b string, ta, tb model.Timeframe) bool {
		if a != b {
			return a < b
		}
		return ta < tb
	}
	sort.Slice(s.Succeeded, func(i, j int) bool {
		return byPair(s.Succeeded[i].Symbol, s.Succeeded[j].Symbol, s.Succeeded[i].Timeframe, s.Succeeded[j].Timeframe)
	})
	sort.Slice(s.Skipped, func(i, j int) bool {
		return byPair(s.Skipped[i].Symbol, s.Skipped[j].Symbol, s.Skipped[i].Timeframe, s.Skipped[j].Timeframe)
	})
	sort.Slice(s.Failed, func(i, j int) bool {
		return byPair(s.Failed[i].Symbol, s.Failed[j].Symbol, s.Failed[i].Timeframe, s.Failed[j].Timeframe)
	})
}
