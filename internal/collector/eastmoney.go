package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"KDJScreener/internal/model"
)

const defaultEastMoneyURL = "https://push2his.eastmoney.com"

// EastMoneySource reads forward-adjusted A-share klines from the EastMoney
// history API.
type EastMoneySource struct {
	BaseURL string
	Mapper  MarketMapper
}

// NewEastMoneySource creates a source; an empty baseURL selects the public endpoint.
func NewEastMoneySource(baseURL string) *EastMoneySource {
	if baseURL == "" {
		baseURL = defaultEastMoneyURL
	}
	return &EastMoneySource{BaseURL: strings.TrimRight(baseURL, "/"), Mapper: DefaultMarketMapper}
}

func (s *EastMoneySource) Name() string { return "eastmoney" }

// eastMoneyKline is the response shape of /api/qt/stock/kline/get.
type eastMoneyKline struct {
	RC   int `json:"rc"`
	Data *struct {
		Code   string   `json:"code"`
		Name   string   `json:"name"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// backAdjusted selects hfq prices: corporate actions scale later prices and
// leave already published bars unchanged, so stored history keeps one basis.
const backAdjusted = "2"

func eastMoneyPeriod(tf model.Timeframe) string {
	switch tf {
	case model.Weekly:
		return "102"
	case model.Monthly:
		return "103"
	default:
		return "101"
	}
}

func (s *EastMoneySource) secID(code string) (string, error) {
	mapper := s.Mapper
	if mapper == nil {
		mapper = DefaultMarketMapper
	}
	ex, err := mapper(code)
	if err != nil {
		return "", err
	}
	if ex == Shanghai {
		return "1." + code, nil
	}
	return "0." + code, nil
}

func (s *EastMoneySource) FetchBars(ctx context.Context, client *http.Client, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	secid, err := s.secID(symbol)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("secid", secid)
	q.Set("fields1", "f1,f2,f3,f4,f5,f6")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57")
	q.Set("klt", eastMoneyPeriod(tf))
	q.Set("fqt", backAdjusted)
	q.Set("beg", r.From.Format("20060102"))
	q.Set("end", r.To.Format("20060102"))
	endpoint := s.BaseURL + "/api/qt/stock/kline/get?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://quote.eastmoney.com/")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eastmoney fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("eastmoney read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("eastmoney", resp.StatusCode, body)
	}

	var payload eastMoneyKline
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("eastmoney decode: %v: %w", err, ErrMalformed)
	}
	if payload.Data == nil {
		return nil, fmt.Errorf("eastmoney: secid %s: %w", secid, ErrNotFound)
	}
	if len(payload.Data.Klines) == 0 {
		return nil, fmt.Errorf("eastmoney: %s %s: %w", symbol, r, ErrEmpty)
	}

	bars := make([]model.Bar, 0, len(payload.Data.Klines))
	for _, line := range payload.Data.Klines {
		bar, err := parseEastMoneyKline(line)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return model.NormalizeSeries(bars), nil
}

// parseEastMoneyKline decodes "date,open,close,high,low,volume,amount".
func parseEastMoneyKline(line string) (model.Bar, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 6 {
		return model.Bar{}, fmt.Errorf("eastmoney kline %q: %d fields: %w", line, len(fields), ErrMalformed)
	}
	date, err := model.ParseDay(fields[0])
	if err != nil {
		return model.Bar{}, fmt.Errorf("eastmoney kline date %q: %w", fields[0], ErrMalformed)
	}
	nums := make([]float64, 5)
	for i, f := range fields[1:6] {
		d, err := decimal.NewFromString(strings.TrimSpace(f))
		if err != nil {
			return model.Bar{}, fmt.Errorf("eastmoney kline %q field %d: %w", line, i+1, ErrMalformed)
		}
		nums[i], _ = d.Float64()
	}
	return model.Bar{
		Date:   date,
		Open:   nums[0],
		Close:  nums[1],
		High:   nums[2],
		Low:    nums[3],
		Volume: nums[4],
	}, nil
}
