package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"KDJScreener/internal/model"
)

const defaultYahooURL = "https://query1.finance.yahoo.com"

// chinaTime is the exchange clock used to turn bar timestamps into trading dates.
var chinaTime = time.FixedZone("CST", 8*3600)

// YahooSource implements Source using the Yahoo Finance chart API.
type YahooSource struct {
	BaseURL string
	Mapper  MarketMapper
}

// NewYahooSource creates a source; an empty baseURL selects the public endpoint.
func NewYahooSource(baseURL string) *YahooSource {
	if baseURL == "" {
		baseURL = defaultYahooURL
	}
	return &YahooSource{BaseURL: strings.TrimRight(baseURL, "/"), Mapper: DefaultMarketMapper}
}

func (s *YahooSource) Name() string { return "yahoo" }

func (s *YahooSource) ticker(code string) (string, error) {
	mapper := s.Mapper
	if mapper == nil {
		mapper = DefaultMarketMapper
	}
	ex, err := mapper(code)
	if err != nil {
		return "", err
	}
	if ex == Shanghai {
		return code + ".SS", nil
	}
	return code + ".SZ", nil
}

// chartResponse mirrors the parts of the v8 chart payload used here. Quote
// series hold null for sessions without trades.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []quoteSeries `json:"quote"`
	} `json:"indicators"`
}

type quoteSeries struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*float64 `json:"volume"`
}

// bar returns the i-th session, or false when any price is null.
func (q quoteSeries) bar(i int, date time.Time) (model.Bar, bool) {
	o, h, l, c := q.Open[i], q.High[i], q.Low[i], q.Close[i]
	if o == nil || h == nil || l == nil || c == nil {
		return model.Bar{}, false
	}
	b := model.Bar{Date: date, Open: *o, High: *h, Low: *l, Close: *c}
	if v := q.Volume[i]; v != nil {
		b.Volume = *v
	}
	return b, true
}

func yahooInterval(tf model.Timeframe) string {
	switch tf {
	case model.Weekly:
		return "1wk"
	case model.Monthly:
		return "1mo"
	default:
		return "1d"
	}
}

func (s *YahooSource) FetchBars(ctx context.Context, client *http.Client, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	ticker, err := s.ticker(symbol)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("interval", yahooInterval(tf))
	q.Set("period1", strconv.FormatInt(r.From.Unix(), 10))
	q.Set("period2", strconv.FormatInt(r.To.AddDate(0, 0, 1).Unix(), 10))
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", s.BaseURL, url.PathEscape(ticker), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("yahoo %s: reading body: %w", ticker, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("yahoo", resp.StatusCode, payload)
	}

	var parsed chartResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("yahoo decode: %v: %w", err, ErrMalformed)
	}
	if e := parsed.Chart.Error; e != nil {
		if strings.EqualFold(e.Code, "Not Found") {
			return nil, fmt.Errorf("yahoo %s: %s: %w", ticker, e.Description, ErrNotFound)
		}
		return nil, fmt.Errorf("yahoo %s: %s: %s", ticker, e.Code, e.Description)
	}
	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Timestamp) == 0 {
		return nil, fmt.Errorf("yahoo %s %s: %w", ticker, r, ErrEmpty)
	}

	res := parsed.Chart.Result[0]
	if len(res.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo %s: no quote block: %w", ticker, ErrMalformed)
	}
	series := res.Indicators.Quote[0]
	n := len(res.Timestamp)
	for _, col := range [][]*float64{series.Open, series.High, series.Low, series.Close, series.Volume} {
		if len(col) < n {
			return nil, fmt.Errorf("yahoo %s: quote arrays shorter than timestamps: %w", ticker, ErrMalformed)
		}
	}

	bars := make([]model.Bar, 0, n)
	for i, ts := range res.Timestamp {
		if b, ok := series.bar(i, model.Day(time.Unix(ts, 0).In(chinaTime))); ok {
			bars = append(bars, b)
		}
	}
	return model.NormalizeSeries(bars), nil
}
