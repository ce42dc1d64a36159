package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"KDJScreener/internal/logger"
)

// CheckReport summarizes one health check pass.
type CheckReport struct {
	Checked    int `json:"checked"`
	Healthy    int `json:"healthy"`
	Reinstated int `json:"reinstated"`
}

// Checker tests every configured proxy against a test URL. A proxy answering
// 200 is reinstated; any other outcome counts as a failure in the pool.
type Checker struct {
	Pool    *Pool
	URL     string
	Timeout time.Duration
	Workers int
}

// Check runs one pass over all proxies.
func (c *Checker) Check(ctx context.Context) CheckReport {
	log := logger.WithComponent("proxy-check")
	addrs := c.Pool.Addresses()
	wasActive := make(map[string]bool, len(addrs))
	for _, r := range c.Pool.Snapshot() {
		wasActive[r.Address] = r.Active
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	workers := c.Workers
	if workers <= 0 {
		workers = 5
	}

	results := make([]bool, len(addrs))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, addr := range addrs {
		g.Go(func() error {
			results[i] = c.reachable(ctx, addr, timeout)
			return nil
		})
	}
	_ = g.Wait()

	report := CheckReport{Checked: len(addrs)}
	for i, addr := range addrs {
		ok := results[i]
		if !ok {
			c.Pool.Report(Choice{Address: addr}, false)
			log.WithField("proxy", addr).Debug("proxy check failed")
			continue
		}
		report.Healthy++
		if !wasActive[addr] {
			report.Reinstated++
		}
		_ = c.Pool.Reinstate(addr)
		c.Pool.Report(Choice{Address: addr}, true)
	}
	log.WithFields(logrus.Fields{
		"checked":    report.Checked,
		"healthy":    report.Healthy,
		"reinstated": report.Reinstated,
	}).Info("proxy check finished")
	return report
}

func (c *Checker) reachable(ctx context.Context, addr string, timeout time.Duration) bool {
	client, err := NewClient(addr, timeout)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
