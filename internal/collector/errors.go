package collector

import (
	"context"
	"errors"
	"fmt"

	"KDJScreener/internal/model"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindRateLimited Kind = "rate_limited"
	KindNotFound    Kind = "not_found"
	KindMalformed   Kind = "malformed"
)

// FetchError is returned by ResilientFetcher once a request is given up.
type FetchError struct {
	Kind      Kind
	Symbol    string
	Timeframe model.Timeframe
	Attempts  int
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %s after %d attempt(s): %v", e.Symbol, e.Timeframe, e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the kind of a *FetchError in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// classify maps a source error to its kind and whether another attempt may help.
func classify(err error) (kind Kind, retry bool) {
	switch {
	case errors.Is(err, ErrInvalidSymbol), errors.Is(err, ErrNotFound):
		return KindNotFound, false
	case errors.Is(err, ErrEmpty):
		return KindNotFound, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork, false
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited, true
	case errors.Is(err, ErrMalformed):
		return KindMalformed, true
	default:
		return KindNetwork, true
	}
}

// egressHealthy reports whether an outcome says the egress itself worked.
func egressHealthy(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmpty) || errors.Is(err, ErrInvalidSymbol)
}
