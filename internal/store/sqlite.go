package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
)

// runTimeLayout is fixed-width so started_at sorts chronologically as text.
const runTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists screener data to a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	locks sync.Map // key(symbol, tf) -> *sync.Mutex
	log   *logrus.Entry
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap("open", fmt.Errorf("create cache dir: %w", err))
		}
	}

	// WAL lets the selector read while workers write; busy_timeout absorbs
	// writer contention between keys.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrap("open", err)
	}

	s := &SQLiteStore{db: db, path: path, log: logger.WithComponent("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, wrap("migrate", err)
	}

	s.log.WithField("path", path).Info("sqlite store opened")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stocks (
			symbol TEXT PRIMARY KEY,
			name   TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS bars (
			symbol    TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			date      TEXT NOT NULL,
			open      REAL NOT NULL,
			high      REAL NOT NULL,
			low       REAL NOT NULL,
			close     REAL NOT NULL,
			volume    REAL NOT NULL,
			PRIMARY KEY (symbol, timeframe, date)
		)`,

		`CREATE TABLE IF NOT EXISTS oscillator (
			symbol    TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			date      TEXT NOT NULL,
			k         REAL NOT NULL,
			d         REAL NOT NULL,
			j         REAL NOT NULL,
			PRIMARY KEY (symbol, timeframe, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oscillator_tf_date ON oscillator(timeframe, symbol, date)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			summary     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) lock(symbol string, tf model.Timeframe) func() {
	v, _ := s.locks.LoadOrStore(key(symbol, tf), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// inTx runs fn inside one transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// readTx runs fn inside a read-only transaction. It begins deferred, so
// readers never take the write lock _txlock=immediate gives writers.
func (s *SQLiteStore) readTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

func (s *SQLiteStore) UpsertStocks(ctx context.Context, stocks []model.Stock) error {
	if len(stocks) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO stocks (symbol, name) VALUES (?, ?)
			ON CONFLICT(symbol) DO UPDATE SET name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE stocks.name END`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, st := range stocks {
			if _, err := stmt.ExecContext(ctx, st.Code, st.Name); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("upsert stocks", err)
}

func (s *SQLiteStore) UpsertBars(ctx context.Context, symbol string, tf model.Timeframe, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	defer s.lock(symbol, tf)()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO bars (symbol, timeframe, date, open, high, low, close, volume)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(symbol, timeframe, date) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, symbol, string(tf), b.Date.Format(model.DateLayout),
				b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("upsert bars", err)
}

func scanBars(op string, rows *sql.Rows) ([]model.Bar, error) {
	defer rows.Close()
	var out []model.Bar
	for rows.Next() {
		var (
			ds string
			b  model.Bar
		)
		if err := rows.Scan(&ds, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, wrap(op, err)
		}
		d, err := model.ParseDay(ds)
		if err != nil {
			return nil, corrupt(op, "bar date %q: %v", ds, err)
		}
		b.Date = d
		out = append(out, b)
	}
	return out, wrap(op, rows.Err())
}

func (s *SQLiteStore) Bars(ctx context.Context, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, open, high, low, close, volume FROM bars
		WHERE symbol = ? AND timeframe = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		symbol, string(tf), r.From.Format(model.DateLayout), r.To.Format(model.DateLayout))
	if err != nil {
		return nil, wrap("bars", err)
	}
	return scanBars("bars", rows)
}

func (s *SQLiteStore) TailBars(ctx context.Context, symbol string, tf model.Timeframe, through time.Time, n int) ([]model.Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT date, open, high, low, close, volume FROM (
			SELECT * FROM bars WHERE symbol = ? AND timeframe = ? AND date <= ?
			ORDER BY date DESC LIMIT ?
		) ORDER BY date ASC`,
		symbol, string(tf), through.Format(model.DateLayout), n)
	if err != nil {
		return nil, wrap("tail bars", err)
	}
	return scanBars("tail bars", rows)
}

func (s *SQLiteStore) AppendOscillator(ctx context.Context, symbol string, tf model.Timeframe, recs []model.OscillatorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if err := checkFinite(recs); err != nil {
		return err
	}
	defer s.lock(symbol, tf)()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO oscillator (symbol, timeframe, date, k, d, j)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(symbol, timeframe, date) DO UPDATE SET k = excluded.k, d = excluded.d, j = excluded.j`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range recs {
			if _, err := stmt.ExecContext(ctx, symbol, string(tf), r.Date.Format(model.DateLayout), r.K, r.D, r.J); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("append oscillator", err)
}

func (s *SQLiteStore) LatestRecord(ctx context.Context, symbol string, tf model.Timeframe) (model.OscillatorRecord, bool, error) {
	var (
		rec model.OscillatorRecord
		ds  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT date, k, d, j FROM oscillator
		WHERE symbol = ? AND timeframe = ? ORDER BY date DESC LIMIT 1`,
		symbol, string(tf)).Scan(&ds, &rec.K, &rec.D, &rec.J)
	if err == sql.ErrNoRows {
		return model.OscillatorRecord{}, false, nil
	}
	if err != nil {
		return model.OscillatorRecord{}, false, wrap("latest record", err)
	}
	d, err := model.ParseDay(ds)
	if err != nil {
		return model.OscillatorRecord{}, false, corrupt("latest record", "date %q: %v", ds, err)
	}
	rec.Date = d
	return rec, true, nil
}

func (s *SQLiteStore) LatestState(ctx context.Context, symbol string, tf model.Timeframe) (model.OscillatorState, bool, error) {
	rec, ok, err := s.LatestRecord(ctx, symbol, tf)
	if err != nil || !ok {
		return model.OscillatorState{}, ok, err
	}
	return rec.State(), true, nil
}

func (s *SQLiteStore) ScanLatestJ(ctx context.Context, tf model.Timeframe) ([]model.LatestJ, error) {
	var out []model.LatestJ
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT o.symbol, COALESCE(st.name, ''), o.j, o.date
			FROM oscillator o
			JOIN (SELECT symbol, MAX(date) AS date FROM oscillator WHERE timeframe = ? GROUP BY symbol) latest
				ON o.symbol = latest.symbol AND o.date = latest.date
			LEFT JOIN stocks st ON st.symbol = o.symbol
			WHERE o.timeframe = ?
			ORDER BY o.symbol`, string(tf), string(tf))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				row model.LatestJ
				ds  string
			)
			if err := rows.Scan(&row.Symbol, &row.Name, &row.J, &ds); err != nil {
				return err
			}
			d, err := model.ParseDay(ds)
			if err != nil {
				return corrupt("scan latest j", "date %q for %s: %v", ds, row.Symbol, err)
			}
			row.Date = d
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrap("scan latest j", err)
	}
	return out, nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, summary model.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return wrap("record run", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (id, started_at, finished_at, summary) VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET finished_at = excluded.finished_at, summary = excluded.summary`,
		summary.RunID, summary.StartedAt.UTC().Format(runTimeLayout),
		summary.FinishedAt.UTC().Format(runTimeLayout), string(data))
	return wrap("record run", err)
}

func (s *SQLiteStore) LastRun(ctx context.Context) (*model.RunSummary, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("last run", err)
	}
	var summary model.RunSummary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return nil, corrupt("last run", "decode summary: %v", err)
	}
	return &summary, nil
}

func (s *SQLiteStore) Close() error {
	s.log.Info("closing sqlite store")
	return s.db.Close()
}
