package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
	"KDJScreener/internal/proxy"
)

func init() { logger.Discard() }

func date(s string) time.Time {
	d, err := model.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBackoff(t *testing.T) {
	base, max := 5*time.Second, time.Minute
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{60, time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, base, max); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := Backoff(3, time.Second, 0); got != 4*time.Second {
		t.Errorf("uncapped Backoff(3) = %v, want 4s", got)
	}
}

func TestDefaultMarketMapper(t *testing.T) {
	tests := []struct {
		code    string
		want    Exchange
		wantErr bool
	}{
		{"600519", Shanghai, false},
		{"000001", Shenzhen, false},
		{"300750", Shenzhen, false},
		{"60051", "", true},
		{"60a519", "", true},
		{"900901", "", true},
	}
	for _, tt := range tests {
		got, err := DefaultMarketMapper(tt.code)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidSymbol) {
				t.Errorf("%s: err = %v, want ErrInvalidSymbol", tt.code, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s: got %v, %v; want %v", tt.code, got, err, tt.want)
		}
	}
}

const eastMoneyOK = `{"rc":0,"data":{"code":"600519","name":"贵州茅台","klines":[
"2024-01-03,1700.00,1710.50,1720.00,1690.10,20000,0",
"2024-01-02,1715.00,1685.01,1718.19,1678.10,32155,0"]}}`

func TestEastMoneySource(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.URL.Path != "/api/qt/stock/kline/get" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("secid") {
		case "1.600519":
			fmt.Fprint(w, eastMoneyOK)
		case "0.000404":
			fmt.Fprint(w, `{"rc":0,"data":{"code":"000404","klines":["2024-01-02,abc,1,1,1,1"]}}`)
		default:
			fmt.Fprint(w, `{"rc":0,"data":null}`)
		}
	}))
	defer srv.Close()

	src := NewEastMoneySource(srv.URL)
	rng := model.DateRange{From: date("2024-01-01"), To: date("2024-01-31")}

	bars, err := src.FetchBars(context.Background(), srv.Client(), "600519", model.Weekly, rng)
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	for _, want := range []string{"klt=102", "fqt=2", "beg=20240101", "end=20240131"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
	if len(bars) != 2 || !bars[0].Date.Equal(date("2024-01-02")) {
		t.Fatalf("bars not sorted ascending: %+v", bars)
	}
	b := bars[0]
	if b.Open != 1715 || b.Close != 1685.01 || b.High != 1718.19 || b.Low != 1678.10 || b.Volume != 32155 {
		t.Errorf("bar = %+v", b)
	}

	if _, err := src.FetchBars(context.Background(), srv.Client(), "000001", model.Daily, rng); !errors.Is(err, ErrNotFound) {
		t.Errorf("null data err = %v, want ErrNotFound", err)
	}
	if _, err := src.FetchBars(context.Background(), srv.Client(), "000404", model.Daily, rng); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad kline err = %v, want ErrMalformed", err)
	}
	if _, err := src.FetchBars(context.Background(), srv.Client(), "12345", model.Daily, rng); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("short code err = %v, want ErrInvalidSymbol", err)
	}
}

func TestYahooSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v8/finance/chart/600519.SS":
			// 2024-01-02 09:30 and 2024-01-03 09:30 China time; the middle bar is null.
			fmt.Fprint(w, `{"chart":{"result":[{"timestamp":[1704159000,1704200000,1704245400],
			"indicators":{"quote":[{"open":[10,null,11],"high":[12,null,13],"low":[9,null,10],"close":[11,null,12],"volume":[100,null,200]}]}}],"error":null}}`)
		default:
			fmt.Fprint(w, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`)
		}
	}))
	defer srv.Close()

	src := NewYahooSource(srv.URL)
	rng := model.DateRange{From: date("2024-01-01"), To: date("2024-01-05")}
	bars, err := src.FetchBars(context.Background(), srv.Client(), "600519", model.Daily, rng)
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("len = %d, want 2 (null bar skipped)", len(bars))
	}
	if !bars[0].Date.Equal(date("2024-01-02")) || !bars[1].Date.Equal(date("2024-01-03")) {
		t.Errorf("dates = %v, %v", bars[0].Date, bars[1].Date)
	}
	if _, err := src.FetchBars(context.Background(), srv.Client(), "000001", model.Daily, rng); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAggregate(t *testing.T) {
	daily := []model.Bar{
		{Date: date("2024-01-29"), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1},
		{Date: date("2024-01-31"), Open: 10.5, High: 13, Low: 10, Close: 12, Volume: 2},
		{Date: date("2024-02-01"), Open: 12, High: 12.5, Low: 8, Close: 9, Volume: 3},
		{Date: date("2024-02-05"), Open: 9, High: 10, Low: 8.5, Close: 9.5, Volume: 4},
	}

	weekly := Aggregate(daily, model.Weekly)
	if len(weekly) != 2 {
		t.Fatalf("weekly len = %d, want 2", len(weekly))
	}
	w := weekly[0]
	if !w.Date.Equal(date("2024-02-01")) || w.Open != 10 || w.High != 13 || w.Low != 8 || w.Close != 9 || w.Volume != 6 {
		t.Errorf("week 1 = %+v", w)
	}

	monthly := Aggregate(daily, model.Monthly)
	if len(monthly) != 2 {
		t.Fatalf("monthly len = %d, want 2", len(monthly))
	}
	if m := monthly[0]; !m.Date.Equal(date("2024-01-31")) || m.High != 13 || m.Close != 12 || m.Volume != 3 {
		t.Errorf("january = %+v", m)
	}
	if m := monthly[1]; !m.Date.Equal(date("2024-02-05")) || m.Open != 12 || m.Low != 8 || m.Volume != 7 {
		t.Errorf("february = %+v", m)
	}
}

func TestResamplingSourceWidensRange(t *testing.T) {
	mock := &MockSource{BasePrice: 100}
	src := &ResamplingSource{Daily: mock}
	bars, err := src.FetchBars(context.Background(), nil, "600519", model.Weekly,
		model.DateRange{From: date("2024-01-10"), To: date("2024-01-19")})
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("len = %d, want 2", len(bars))
	}
	if !bars[0].Date.Equal(date("2024-01-12")) || bars[0].Volume != 5*1000000 {
		t.Errorf("first week = %+v, want full week ending 2024-01-12", bars[0])
	}
}

// flakySource fails the first n calls with err, then serves the mock.
type flakySource struct {
	mu    sync.Mutex
	calls int
	fail  int
	err   error
	inner Source
}

func (s *flakySource) Name() string { return "flaky" }

func (s *flakySource) FetchBars(ctx context.Context, c *http.Client, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n <= s.fail {
		return nil, s.err
	}
	return s.inner.FetchBars(ctx, c, symbol, tf, r)
}

func newTestFetcher(src Source, pool *proxy.Pool) *ResilientFetcher {
	if pool == nil {
		pool = proxy.NewPool(nil, proxy.Options{FailThreshold: 3})
	}
	return NewResilientFetcher(src, pool, Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		BatchSize:   3,
		MaxWorkers:  2,
	})
}

var janRange = model.DateRange{From: date("2024-01-01"), To: date("2024-01-31")}

func TestFetchRetriesTransientErrors(t *testing.T) {
	src := &flakySource{fail: 2, err: errors.New("connection reset"), inner: &MockSource{BasePrice: 50}}
	pool := proxy.NewPool(nil, proxy.Options{FailThreshold: 3})
	f := newTestFetcher(src, pool)

	bars, err := f.Fetch(context.Background(), "600519", model.Daily, janRange)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(bars) == 0 || src.calls != 3 {
		t.Errorf("bars = %d, calls = %d; want bars and 3 calls", len(bars), src.calls)
	}
	direct := pool.Snapshot()[0]
	if direct.FailureCount != 2 || direct.SuccessCount != 1 || direct.ConsecutiveFailures != 0 {
		t.Errorf("direct record = %+v", direct)
	}
}

func TestFetchExhausted(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"network", errors.New("timeout"), KindNetwork},
		{"rate limited", fmt.Errorf("status 429: %w", ErrRateLimited), KindRateLimited},
		{"malformed", fmt.Errorf("decode: %w", ErrMalformed), KindMalformed},
		{"empty", fmt.Errorf("no rows: %w", ErrEmpty), KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &flakySource{fail: 100, err: tt.err}
			_, err := newTestFetcher(src, nil).Fetch(context.Background(), "600519", model.Daily, janRange)
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FetchError", err)
			}
			if fe.Kind != tt.want || fe.Attempts != 3 || src.calls != 3 {
				t.Errorf("kind = %s attempts = %d calls = %d; want %s, 3, 3", fe.Kind, fe.Attempts, src.calls, tt.want)
			}
		})
	}
}

func TestFetchNotFoundIsTerminal(t *testing.T) {
	src := &flakySource{fail: 100, err: fmt.Errorf("x: %w", ErrNotFound)}
	pool := proxy.NewPool(nil, proxy.Options{})
	_, err := newTestFetcher(src, pool).Fetch(context.Background(), "600519", model.Daily, janRange)
	if KindOf(err) != KindNotFound || src.calls != 1 {
		t.Fatalf("err = %v, calls = %d; want not_found after 1 call", err, src.calls)
	}
	if direct := pool.Snapshot()[0]; direct.SuccessCount != 1 {
		t.Errorf("not-found answer should count as egress success: %+v", direct)
	}
}

func TestFetchMalformedCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream called for malformed code")
	}))
	defer srv.Close()
	_, err := newTestFetcher(NewEastMoneySource(srv.URL), nil).Fetch(context.Background(), "ABC", model.Daily, janRange)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindNotFound || fe.Attempts != 1 {
		t.Fatalf("err = %v, want not_found after 1 attempt", err)
	}
}

func TestFetchContextCanceled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	pool := proxy.NewPool(nil, proxy.Options{})
	f := newTestFetcher(NewEastMoneySource(srv.URL), pool)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := f.Fetch(ctx, "600519", model.Daily, janRange)
	if KindOf(err) != KindNetwork || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want network wrapping context.Canceled", err)
	}
	if direct := pool.Snapshot()[0]; direct.FailureCount != 1 {
		t.Errorf("canceled attempt not reported as failure: %+v", direct)
	}
}

func TestFetchRotatesProxies(t *testing.T) {
	var proxied atomic.Int32
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		fmt.Fprint(w, eastMoneyOK)
	}))
	defer proxySrv.Close()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, eastMoneyOK)
	}))
	defer upstream.Close()

	pool := proxy.NewPool([]string{proxySrv.URL}, proxy.Options{Strategy: proxy.RoundRobin, FailThreshold: 3})
	f := newTestFetcher(NewEastMoneySource(upstream.URL), pool)
	for i := 0; i < 4; i++ {
		if _, err := f.Fetch(context.Background(), "600519", model.Daily, janRange); err != nil {
			t.Fatalf("Fetch %d: %v", i, err)
		}
	}
	if proxied.Load() != 2 {
		t.Errorf("proxied requests = %d, want 2 of 4", proxied.Load())
	}
}

func TestFetchBatch(t *testing.T) {
	f := newTestFetcher(&MockSource{BasePrice: 20}, nil)
	var reqs []Request
	for _, code := range []string{"600000", "600001", "600002", "000001", "300001", "BAD"} {
		reqs = append(reqs, Request{Symbol: code, Timeframe: model.Daily, Range: janRange})
	}
	f.source.(*MockSource).Mapper = DefaultMarketMapper

	var mu sync.Mutex
	got := map[string]error{}
	f.FetchBatch(context.Background(), reqs, func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		got[r.Symbol] = r.Err
	})
	if len(got) != len(reqs) {
		t.Fatalf("handled %d results, want %d", len(got), len(reqs))
	}
	for sym, err := range got {
		if sym == "BAD" {
			if KindOf(err) != KindNotFound {
				t.Errorf("BAD: err = %v, want not_found", err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", sym, err)
		}
	}
}

func TestFetchBatchCanceled(t *testing.T) {
	f := newTestFetcher(&MockSource{BasePrice: 20}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var count atomic.Int32
	f.FetchBatch(ctx, []Request{{Symbol: "600000", Timeframe: model.Daily, Range: janRange}, {Symbol: "600001", Timeframe: model.Daily, Range: janRange}}, func(r Result) {
		count.Add(1)
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("%s: err = %v, want context.Canceled", r.Symbol, r.Err)
		}
	})
	if count.Load() != 2 {
		t.Errorf("handled %d, want 2", count.Load())
	}
}
