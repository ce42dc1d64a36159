package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"KDJScreener/internal/model"
)

// Config holds all application configuration.
type Config struct {
	DataSource struct {
		Name              string        `yaml:"name"`
		BaseURL           string        `yaml:"base_url"`
		Timeout           time.Duration `yaml:"timeout"`
		ResampleFromDaily bool          `yaml:"resample_from_daily"`
	} `yaml:"data_source"`
	Fetcher struct {
		UseProxy           bool          `yaml:"use_proxy"`
		ProxyList          []string      `yaml:"proxy_list"`
		ProxyFile          string        `yaml:"proxy_file"`
		ProxyStrategy      string        `yaml:"proxy_strategy"`
		ProxyFailThreshold int           `yaml:"proxy_fail_threshold"`
		ProxyStateFile     string        `yaml:"proxy_state_file"`
		ProxyCheckURL      string        `yaml:"proxy_check_url"`
		ProxyCheckCron     string        `yaml:"proxy_check_cron"`
		MaxWorkers         int           `yaml:"max_workers"`
		BatchSize          int           `yaml:"batch_size"`
		RequestDelay       []float64     `yaml:"request_delay"`
		MaxRetries         int           `yaml:"max_retries"`
		RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
		RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
		RequestsPerSecond  float64       `yaml:"requests_per_second"`
	} `yaml:"fetcher"`
	Cache struct {
		CacheDir string `yaml:"cache_dir"`
		Path     string `yaml:"path"`
	} `yaml:"cache"`
	Indicator struct {
		KdjN  int `yaml:"kdj_n"`
		KdjM1 int `yaml:"kdj_m1"`
		KdjM2 int `yaml:"kdj_m2"`
	} `yaml:"indicator"`
	Selection struct {
		TopN       int      `yaml:"top_n"`
		Timeframe  string   `yaml:"timeframe"`
		Timeframes []string `yaml:"timeframes"`
	} `yaml:"selection"`
	Stocks       []model.Stock `yaml:"stocks"`
	UniverseFile string        `yaml:"universe_file"`
	Schedule     struct {
		RunCron    string `yaml:"run_cron"`
		RunOnStart bool   `yaml:"run_on_start"`
		// MarketClose is the session end on the exchange clock, "HH:MM".
		MarketClose string `yaml:"market_close"`
	} `yaml:"schedule"`
	Run struct {
		Deadline            time.Duration `yaml:"deadline"`
		StoreErrorThreshold int           `yaml:"store_error_threshold"`
	} `yaml:"run"`
	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		Output     string `yaml:"output"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
	API struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"api"`
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides, then fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env next to the working directory; existing variables are not overwritten.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("USE_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USE_PROXY: %w", err)
		}
		c.Fetcher.UseProxy = b
	}
	if v := os.Getenv("PROXY_FILE"); v != "" {
		c.Fetcher.ProxyFile = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		c.Cache.CacheDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("TOP_N"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TOP_N: %w", err)
		}
		c.Selection.TopN = n
	}
	// TIMEFRAME narrows the run to one timeframe, replacing any list.
	if v := os.Getenv("TIMEFRAME"); v != "" {
		c.Selection.Timeframe = v
		c.Selection.Timeframes = nil
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv("RUN_CRON"); v != "" {
		c.Schedule.RunCron = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataSource.Name == "" {
		c.DataSource.Name = "eastmoney"
	}
	if c.DataSource.Timeout == 0 {
		c.DataSource.Timeout = 30 * time.Second
	}
	if c.Fetcher.ProxyStrategy == "" {
		c.Fetcher.ProxyStrategy = "round_robin"
	}
	if c.Fetcher.ProxyFailThreshold == 0 {
		c.Fetcher.ProxyFailThreshold = 3
	}
	if c.Fetcher.ProxyCheckURL == "" {
		c.Fetcher.ProxyCheckURL = "https://www.baidu.com"
	}
	if c.Fetcher.MaxWorkers == 0 {
		c.Fetcher.MaxWorkers = 10
	}
	if c.Fetcher.BatchSize == 0 {
		c.Fetcher.BatchSize = 20
	}
	if len(c.Fetcher.RequestDelay) == 0 {
		c.Fetcher.RequestDelay = []float64{1, 3}
	}
	if c.Fetcher.MaxRetries == 0 {
		c.Fetcher.MaxRetries = 3
	}
	if c.Fetcher.RetryBaseDelay == 0 {
		c.Fetcher.RetryBaseDelay = 5 * time.Second
	}
	if c.Fetcher.RetryMaxDelay == 0 {
		c.Fetcher.RetryMaxDelay = time.Minute
	}
	if c.Fetcher.RequestsPerSecond == 0 {
		c.Fetcher.RequestsPerSecond = 5
	}
	if c.Cache.CacheDir == "" {
		c.Cache.CacheDir = "data"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(c.Cache.CacheDir, "kdj_screener.db")
	}
	if c.Fetcher.ProxyStateFile == "" {
		c.Fetcher.ProxyStateFile = filepath.Join(c.Cache.CacheDir, "proxy_state.json")
	}
	if c.Indicator.KdjN == 0 {
		c.Indicator.KdjN = 9
	}
	if c.Indicator.KdjM1 == 0 {
		c.Indicator.KdjM1 = 3
	}
	if c.Indicator.KdjM2 == 0 {
		c.Indicator.KdjM2 = 3
	}
	if c.Selection.TopN == 0 {
		c.Selection.TopN = 20
	}
	if c.Selection.Timeframe == "" {
		c.Selection.Timeframe = string(model.Weekly)
	}
	if c.Schedule.RunCron == "" {
		c.Schedule.RunCron = "0 30 15 * * 1-5"
	}
	if c.Schedule.MarketClose == "" {
		c.Schedule.MarketClose = "15:00"
	}
	if c.Run.Deadline == 0 {
		c.Run.Deadline = 30 * time.Minute
	}
	if c.Run.StoreErrorThreshold == 0 {
		c.Run.StoreErrorThreshold = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
}

// Timeframes returns the timeframes a run should compute and rank:
// selection.timeframes when set, otherwise selection.timeframe alone.
func (c *Config) Timeframes() ([]model.Timeframe, error) {
	names := c.Selection.Timeframes
	if len(names) == 0 {
		names = []string{c.Selection.Timeframe}
	}
	seen := make(map[model.Timeframe]bool, len(names))
	out := make([]model.Timeframe, 0, len(names))
	for _, name := range names {
		tf, err := model.ParseTimeframe(name)
		if err != nil {
			return nil, err
		}
		if seen[tf] {
			continue
		}
		seen[tf] = true
		out = append(out, tf)
	}
	return out, nil
}

// MarketClose returns schedule.market_close as an offset from midnight.
func (c *Config) MarketClose() (time.Duration, error) {
	t, err := time.Parse("15:04", c.Schedule.MarketClose)
	if err != nil {
		return 0, fmt.Errorf("schedule.market_close %q: want HH:MM", c.Schedule.MarketClose)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// RequestDelayRange returns request_delay as a duration interval.
func (c *Config) RequestDelayRange() (min, max time.Duration) {
	d := c.Fetcher.RequestDelay
	toDur := func(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
	switch len(d) {
	case 0:
		return 0, 0
	case 1:
		return toDur(d[0]), toDur(d[0])
	default:
		return toDur(d[0]), toDur(d[1])
	}
}

// Validate checks that all fields hold usable values.
func (c *Config) Validate() error {
	var errs []error
	if c.Indicator.KdjN < 1 || c.Indicator.KdjM1 < 1 || c.Indicator.KdjM2 < 1 {
		errs = append(errs, fmt.Errorf("indicator: kdj_n, kdj_m1 and kdj_m2 must be >= 1"))
	}
	if c.Selection.TopN < 0 {
		errs = append(errs, fmt.Errorf("selection.top_n must not be negative"))
	}
	if _, err := c.Timeframes(); err != nil {
		errs = append(errs, fmt.Errorf("selection: %w", err))
	}
	if c.Fetcher.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("fetcher.max_workers must be positive"))
	}
	if c.Fetcher.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("fetcher.batch_size must be positive"))
	}
	if c.Fetcher.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("fetcher.max_retries must be positive"))
	}
	if c.Fetcher.RetryMaxDelay < c.Fetcher.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("fetcher.retry_max_delay must be >= retry_base_delay"))
	}
	if len(c.Fetcher.RequestDelay) > 2 {
		errs = append(errs, fmt.Errorf("fetcher.request_delay takes [min, max]"))
	} else if lo, hi := c.RequestDelayRange(); lo < 0 || hi < lo {
		errs = append(errs, fmt.Errorf("fetcher.request_delay must satisfy 0 <= min <= max"))
	}
	if c.Fetcher.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("fetcher.requests_per_second must not be negative"))
	}
	switch c.Fetcher.ProxyStrategy {
	case "round_robin", "random", "weighted":
	default:
		errs = append(errs, fmt.Errorf("fetcher.proxy_strategy %q is not one of round_robin, random, weighted", c.Fetcher.ProxyStrategy))
	}
	switch c.DataSource.Name {
	case "eastmoney", "yahoo", "mock":
	default:
		errs = append(errs, fmt.Errorf("data_source.name %q is not one of eastmoney, yahoo, mock", c.DataSource.Name))
	}
	if _, err := c.MarketClose(); err != nil {
		errs = append(errs, err)
	}
	if c.Run.Deadline <= 0 {
		errs = append(errs, fmt.Errorf("run.deadline must be positive"))
	}
	if len(c.Stocks) == 0 && c.UniverseFile == "" {
		errs = append(errs, fmt.Errorf("either stocks or universe_file is required"))
	}
	return errors.Join(errs...)
}

// Universe returns the configured symbol list: the stocks section followed by
// universe_file entries, de-duplicated by code.
func (c *Config) Universe() ([]model.Stock, error) {
	out := make([]model.Stock, 0, len(c.Stocks))
	seen := make(map[string]bool)
	add := func(s model.Stock) {
		s.Code = strings.TrimSpace(s.Code)
		s.Name = strings.TrimSpace(s.Name)
		if s.Code == "" || seen[s.Code] {
			return
		}
		seen[s.Code] = true
		out = append(out, s)
	}
	for _, s := range c.Stocks {
		add(s)
	}
	if c.UniverseFile != "" {
		stocks, err := LoadUniverseFile(c.UniverseFile)
		if err != nil {
			return nil, err
		}
		for _, s := range stocks {
			add(s)
		}
	}
	return out, nil
}
