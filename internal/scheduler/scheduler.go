package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
	"KDJScreener/internal/notifier"
	"KDJScreener/internal/pipeline"
	"KDJScreener/internal/proxy"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("run already in progress")

// Runner executes one screening run.
type Runner interface {
	Run(ctx context.Context, universe []model.Stock) (*pipeline.Result, error)
}

// Scheduler manages cron tasks and guarantees runs never overlap.
type Scheduler struct {
	Cron     *cron.Cron
	Runner   Runner
	Universe func() ([]model.Stock, error)
	Handler  notifier.Handler
	Checker  *proxy.Checker
	Pool     *proxy.Pool
	// ProxyFile, when set, is re-read before every run and new addresses
	// join the pool.
	ProxyFile string
	// ProxyStateFile, when set, receives the pool statistics after every
	// run and proxy check.
	ProxyStateFile string
	Ctx            context.Context

	mu      sync.Mutex
	running bool
	last    *pipeline.Result
	log     *logrus.Entry
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, runner Runner, universe func() ([]model.Stock, error), handler notifier.Handler) *Scheduler {
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds()),
		Runner:   runner,
		Universe: universe,
		Handler:  handler,
		Ctx:      ctx,
		log:      logger.WithComponent("scheduler"),
	}
}

// RegisterAll registers the screening run and, when a checker is set, the
// proxy health check.
func (s *Scheduler) RegisterAll(runCron, checkCron string) error {
	if _, err := s.Cron.AddFunc(runCron, s.runTask); err != nil {
		return fmt.Errorf("register run task: %w", err)
	}
	if s.Checker != nil && checkCron != "" {
		if _, err := s.Cron.AddFunc(checkCron, s.CheckProxiesNow); err != nil {
			return fmt.Errorf("register proxy check: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runTask() {
	if _, err := s.RunNow(); err != nil {
		s.log.WithError(err).Error("scheduled run failed")
	}
}

// RunNow executes a run immediately (manual trigger / run_on_start).
func (s *Scheduler) RunNow() (*pipeline.Result, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return s.run()
}

// TriggerAsync starts a run in the background.
func (s *Scheduler) TriggerAsync() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()
		if _, err := s.run(); err != nil {
			s.log.WithError(err).Error("triggered run failed")
		}
	}()
	return nil
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Last returns the result of the most recent run of this process.
func (s *Scheduler) Last() *pipeline.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) run() (*pipeline.Result, error) {
	s.log.Info("running screening task")
	universe, err := s.Universe()
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}
	s.refreshProxies()
	res, err := s.Runner.Run(s.Ctx, universe)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	s.saveProxyState()
	if s.Handler != nil {
		s.Handler(s.Ctx, res.Selections, res.Summary)
	}
	return res, nil
}

// CheckProxiesNow tests every proxy once, then writes the pool back to the
// proxy file and the state file.
func (s *Scheduler) CheckProxiesNow() {
	if s.Checker == nil {
		return
	}
	s.refreshProxies()
	s.Checker.Check(s.Ctx)
	s.saveProxyFile()
	s.saveProxyState()
}

// saveProxyFile rewrites the proxy file with every known address. Failed
// proxies stay listed so a later check can reinstate them.
func (s *Scheduler) saveProxyFile() {
	if s.ProxyFile == "" || s.Pool == nil {
		return
	}
	if err := proxy.SaveFile(s.ProxyFile, s.Pool.Addresses()); err != nil {
		s.log.WithError(err).Warn("saving proxy file failed")
	}
}

func (s *Scheduler) refreshProxies() {
	if s.ProxyFile == "" || s.Pool == nil {
		return
	}
	addrs, err := proxy.LoadFile(s.ProxyFile)
	if err != nil {
		s.log.WithError(err).Warn("reloading proxy file failed")
		return
	}
	s.Pool.Refresh(addrs)
}

func (s *Scheduler) saveProxyState() {
	if s.ProxyStateFile == "" || s.Pool == nil {
		return
	}
	if err := proxy.SaveState(s.ProxyStateFile, s.Pool); err != nil {
		s.log.WithError(err).Warn("saving proxy state failed")
	}
}
