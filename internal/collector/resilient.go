package collector

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
	"KDJScreener/internal/proxy"
)

// Options configure a ResilientFetcher.
type Options struct {
	// MaxAttempts bounds the attempts per request, the first one included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MinRequestDelay and MaxRequestDelay bound the random pause taken
	// before every attempt.
	MinRequestDelay time.Duration
	MaxRequestDelay time.Duration
	// Limiter is shared by all workers; nil means unlimited.
	Limiter    *rate.Limiter
	Timeout    time.Duration
	BatchSize  int
	MaxWorkers int
	Rand       *rand.Rand
}

// ResilientFetcher wraps a Source with egress selection, pacing and retries.
type ResilientFetcher struct {
	source Source
	pool   *proxy.Pool
	opts   Options
	log    *logrus.Entry

	clientsMu sync.Mutex
	clients   map[string]*http.Client

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewResilientFetcher creates a fetcher drawing egresses from pool.
func NewResilientFetcher(source Source, pool *proxy.Pool, opts Options) *ResilientFetcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 20
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.MaxRequestDelay < opts.MinRequestDelay {
		opts.MaxRequestDelay = opts.MinRequestDelay
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ResilientFetcher{
		source:  source,
		pool:    pool,
		opts:    opts,
		log:     logger.WithComponent("fetcher"),
		clients: make(map[string]*http.Client),
		rnd:     rnd,
	}
}

// Source returns the wrapped source.
func (f *ResilientFetcher) Source() Source { return f.source }

// Fetch retrieves the bars of symbol for r, retrying transient failures with
// exponential backoff. Every error returned is a *FetchError.
func (f *ResilientFetcher) Fetch(ctx context.Context, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	log := f.log.WithFields(logrus.Fields{"symbol": symbol, "timeframe": tf})

	var (
		bars     []model.Bar
		lastErr  error
		lastKind Kind
		attempt  int
	)
	state := Pending
	for {
		switch state {
		case Pending, Retrying:
			attempt++
			state = Attempting

		case Attempting:
			var err error
			bars, err = f.attempt(ctx, symbol, tf, r)
			if err == nil {
				state = Succeeded
				continue
			}
			kind, retry := classify(err)
			lastErr, lastKind = err, kind
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &FetchError{Kind: KindNetwork, Symbol: symbol, Timeframe: tf, Attempts: attempt, Err: ctxErr}
			}
			if !retry {
				return nil, &FetchError{Kind: kind, Symbol: symbol, Timeframe: tf, Attempts: attempt, Err: err}
			}
			if attempt >= f.opts.MaxAttempts {
				state = Exhausted
				continue
			}
			wait := Backoff(attempt, f.opts.BaseDelay, f.opts.MaxDelay)
			log.WithFields(logrus.Fields{"attempt": attempt, "kind": kind, "wait": wait}).Debugf("fetch failed, retrying: %v", err)
			if err := sleep(ctx, wait); err != nil {
				return nil, &FetchError{Kind: KindNetwork, Symbol: symbol, Timeframe: tf, Attempts: attempt, Err: err}
			}
			state = Retrying

		case Succeeded:
			if attempt > 1 {
				log.WithField("attempt", attempt).Debug("fetch succeeded after retry")
			}
			return bars, nil

		case Exhausted:
			log.WithFields(logrus.Fields{"attempts": attempt, "kind": lastKind}).Warnf("fetch gave up: %v", lastErr)
			return nil, &FetchError{Kind: lastKind, Symbol: symbol, Timeframe: tf, Attempts: attempt, Err: lastErr}
		}
	}
}

// attempt performs one paced request through one egress and reports the
// outcome to the pool.
func (f *ResilientFetcher) attempt(ctx context.Context, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	if err := sleep(ctx, f.requestDelay()); err != nil {
		return nil, err
	}
	if f.opts.Limiter != nil {
		if err := f.opts.Limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Wait fails early when the deadline cannot be met.
			return nil, context.DeadlineExceeded
		}
	}

	choice := f.pool.Select()
	client, err := f.client(choice.Address)
	if err != nil {
		f.pool.Report(choice, false)
		return nil, err
	}
	bars, err := f.source.FetchBars(ctx, client, symbol, tf, r)
	if err == nil && len(bars) == 0 {
		err = ErrEmpty
	}
	healthy := egressHealthy(err) && ctx.Err() == nil
	f.pool.Report(choice, healthy)
	if !healthy {
		f.log.WithFields(logrus.Fields{"symbol": symbol, "timeframe": tf, "proxy": choice.String()}).Debugf("attempt failed: %v", err)
	}
	return bars, err
}

func (f *ResilientFetcher) requestDelay() time.Duration {
	lo, hi := f.opts.MinRequestDelay, f.opts.MaxRequestDelay
	if hi <= lo {
		return lo
	}
	f.rndMu.Lock()
	defer f.rndMu.Unlock()
	return lo + time.Duration(f.rnd.Int63n(int64(hi-lo)+1))
}

// client returns the cached HTTP client for an egress address.
func (f *ResilientFetcher) client(addr string) (*http.Client, error) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	if c, ok := f.clients[addr]; ok {
		return c, nil
	}
	c, err := proxy.NewClient(addr, f.opts.Timeout)
	if err != nil {
		return nil, err
	}
	f.clients[addr] = c
	return c, nil
}

// Request names one (symbol, timeframe, range) fetch.
type Request struct {
	Symbol    string
	Timeframe model.Timeframe
	Range     model.DateRange
}

// Result is the outcome of one Request.
type Result struct {
	Request
	Bars []model.Bar
	Err  error
}

// FetchBatch fetches reqs in groups of BatchSize with at most MaxWorkers in
// flight and calls handle for every request from the worker that fetched it.
// Requests not started before ctx is done are handed to handle with a network
// FetchError wrapping ctx.Err().
func (f *ResilientFetcher) FetchBatch(ctx context.Context, reqs []Request, handle func(Result)) {
	for start := 0; start < len(reqs); start += f.opts.BatchSize {
		end := start + f.opts.BatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		batch := reqs[start:end]

		var g errgroup.Group
		g.SetLimit(f.opts.MaxWorkers)
		for _, req := range batch {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					handle(Result{Request: req, Err: &FetchError{Kind: KindNetwork, Symbol: req.Symbol, Timeframe: req.Timeframe, Err: err}})
					return nil
				}
				bars, err := f.Fetch(ctx, req.Symbol, req.Timeframe, req.Range)
				handle(Result{Request: req, Bars: bars, Err: err})
				return nil
			})
		}
		_ = g.Wait()

		f.log.WithFields(logrus.Fields{"done": end, "total": len(reqs)}).Debug("batch finished")
	}
}
