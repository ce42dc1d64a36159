package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"KDJScreener/internal/model"
)

// userAgent is sent by every source; both vendors reject Go's default agent.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Source fetches raw bars for one symbol from one upstream vendor. The client
// carries the egress chosen by the caller.
type Source interface {
	Name() string
	FetchBars(ctx context.Context, client *http.Client, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error)
}

// Exchange identifies the listing venue of an A-share code.
type Exchange string

const (
	Shanghai Exchange = "SH"
	Shenzhen Exchange = "SZ"
)

// MarketMapper resolves a 6-digit code to its exchange.
type MarketMapper func(code string) (Exchange, error)

// DefaultMarketMapper applies the prefix rule: 6xxxxx trades in Shanghai,
// 0xxxxx and 3xxxxx in Shenzhen.
func DefaultMarketMapper(code string) (Exchange, error) {
	if len(code) != 6 {
		return "", fmt.Errorf("%w: %q is not a 6-digit code", ErrInvalidSymbol, code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: %q is not a 6-digit code", ErrInvalidSymbol, code)
		}
	}
	switch code[0] {
	case '6':
		return Shanghai, nil
	case '0', '3':
		return Shenzhen, nil
	default:
		return "", fmt.Errorf("%w: no exchange for prefix %q", ErrInvalidSymbol, code[:1])
	}
}

// Upstream failure classes. Sources wrap these so the fetcher can decide
// whether to retry.
var (
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrNotFound      = errors.New("symbol not found upstream")
	ErrEmpty         = errors.New("empty payload")
	ErrRateLimited   = errors.New("rate limited")
	ErrMalformed     = errors.New("malformed payload")
)

// statusError maps a non-200 HTTP status onto the failure classes.
func statusError(source string, code int, body []byte) error {
	if len(body) > 200 {
		body = body[:200]
	}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %w", source, code, ErrRateLimited)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: status %d: %w", source, code, ErrNotFound)
	default:
		return fmt.Errorf("%s: status %d, body: %s", source, code, string(body))
	}
}
