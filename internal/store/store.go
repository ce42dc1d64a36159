package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"KDJScreener/internal/model"
)

// Store persists bars, oscillator records and run summaries per (symbol, timeframe).
// Writes for the same key are serialized; different keys may be written concurrently.
type Store interface {
	UpsertStocks(ctx context.Context, stocks []model.Stock) error
	UpsertBars(ctx context.Context, symbol string, tf model.Timeframe, bars []model.Bar) error
	// Bars returns the stored bars within r in ascending order.
	Bars(ctx context.Context, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error)
	// TailBars returns up to n of the latest bars dated on or before through, ascending.
	TailBars(ctx context.Context, symbol string, tf model.Timeframe, through time.Time, n int) ([]model.Bar, error)
	AppendOscillator(ctx context.Context, symbol string, tf model.Timeframe, recs []model.OscillatorRecord) error
	// LatestState returns the state after the newest record; ok is false when none exists.
	LatestState(ctx context.Context, symbol string, tf model.Timeframe) (state model.OscillatorState, ok bool, err error)
	LatestRecord(ctx context.Context, symbol string, tf model.Timeframe) (rec model.OscillatorRecord, ok bool, err error)
	// ScanLatestJ returns one row per symbol holding its newest J for tf,
	// read from a single consistent snapshot.
	ScanLatestJ(ctx context.Context, tf model.Timeframe) ([]model.LatestJ, error)
	RecordRun(ctx context.Context, summary model.RunSummary) error
	// LastRun returns the most recent run summary, or nil when none was recorded.
	LastRun(ctx context.Context) (*model.RunSummary, error)
	Close() error
}

var errClosed = errors.New("store closed")

// ErrNonFinite rejects oscillator values that are NaN or infinite.
var ErrNonFinite = errors.New("non-finite oscillator value")

// ErrorKind classifies a StoreError.
type ErrorKind string

const (
	IOFailure   ErrorKind = "io_failure"
	Corruption  ErrorKind = "corruption"
	InvalidData ErrorKind = "invalid_data"
)

// StoreError wraps a persistence failure.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// wrap converts err into a *StoreError, detecting corruption from SQLite
// result codes. A nil err stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	kind := IOFailure
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			kind = Corruption
		}
	}
	return &StoreError{Kind: kind, Op: op, Err: err}
}

func corrupt(op string, format string, args ...any) error {
	return &StoreError{Kind: Corruption, Op: op, Err: fmt.Errorf(format, args...)}
}

// checkFinite refuses records that could not be ranked.
func checkFinite(recs []model.OscillatorRecord) error {
	for _, r := range recs {
		for _, v := range [...]float64{r.K, r.D, r.J} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &StoreError{Kind: InvalidData, Op: "append oscillator",
					Err: fmt.Errorf("%s: %w", r.Date.Format(model.DateLayout), ErrNonFinite)}
			}
		}
	}
	return nil
}

func key(symbol string, tf model.Timeframe) string {
	return symbol + "|" + string(tf)
}

// IsMemoryPath reports whether path selects the in-memory store.
func IsMemoryPath(path string) bool {
	return path == "" || strings.EqualFold(path, ":memory:")
}

// Open returns a SQLiteStore for path, or a MemoryStore for ":memory:".
func Open(path string) (Store, error) {
	if IsMemoryPath(path) {
		return NewMemoryStore(), nil
	}
	return OpenSQLite(path)
}
