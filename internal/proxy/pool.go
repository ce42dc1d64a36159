package proxy

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
)

// Strategy selects how Select spreads requests across active records.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	Weighted   Strategy = "weighted"
)

// ErrUnknownProxy is returned for addresses the pool has never seen.
var ErrUnknownProxy = errors.New("unknown proxy")

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case RoundRobin, Random, Weighted:
		return st, nil
	case "":
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("unknown proxy strategy %q", s)
	}
}

// Options configure a Pool.
type Options struct {
	Strategy Strategy
	// FailThreshold is the number of consecutive failures a proxy may
	// accumulate; one more demotes it.
	FailThreshold int
	Rand          *rand.Rand
	Now           func() time.Time
}

// Choice is the egress handed out by Select. The zero Choice is the direct connection.
type Choice struct {
	Address string
}

// Direct reports whether the choice is the direct connection.
func (c Choice) Direct() bool { return c.Address == "" }

func (c Choice) String() string {
	if c.Direct() {
		return "direct"
	}
	return c.Address
}

// Pool tracks egress endpoints and their outcome statistics. Record 0 is the
// direct connection; it is never demoted.
type Pool struct {
	mu       sync.Mutex
	records  []*model.ProxyRecord
	index    map[string]int
	opts     Options
	rnd      *rand.Rand
	cursor   int
	degraded bool
	log      *logrus.Entry
}

// NewPool creates a pool holding the direct connection plus one active record
// per distinct address.
func NewPool(addrs []string, opts Options) *Pool {
	if opts.Strategy == "" {
		opts.Strategy = RoundRobin
	}
	if opts.FailThreshold < 0 {
		opts.FailThreshold = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &Pool{
		records: []*model.ProxyRecord{{Active: true}},
		index:   map[string]int{"": 0},
		opts:    opts,
		rnd:     rnd,
		log:     logger.WithComponent("proxy"),
	}
	p.addLocked(addrs)
	return p
}

func (p *Pool) addLocked(addrs []string) int {
	added := 0
	for _, a := range addrs {
		a = Normalize(a)
		if a == "" {
			continue
		}
		if _, ok := p.index[a]; ok {
			continue
		}
		p.index[a] = len(p.records)
		p.records = append(p.records, &model.ProxyRecord{Address: a, Active: true})
		added++
	}
	return added
}

// Select returns the next egress according to the strategy. When proxies are
// configured but none is active the direct connection is returned and the
// pool reports Degraded.
func (p *Pool) Select() Choice {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := make([]int, 0, len(p.records))
	for i, r := range p.records {
		if r.Active {
			active = append(active, i)
		}
	}

	p.updateDegradedLocked(len(active))
	if p.degraded {
		return p.useLocked(0)
	}

	var idx int
	switch p.opts.Strategy {
	case Random:
		idx = active[p.rnd.Intn(len(active))]
	case Weighted:
		idx = p.weightedLocked(active)
	default:
		for {
			idx = p.cursor % len(p.records)
			p.cursor = idx + 1
			if p.records[idx].Active {
				break
			}
		}
	}
	return p.useLocked(idx)
}

func (p *Pool) useLocked(idx int) Choice {
	r := p.records[idx]
	r.LastUsed = p.opts.Now()
	return Choice{Address: r.Address}
}

// weight is the Laplace-smoothed success rate, so unused records start at 0.5.
func weight(r *model.ProxyRecord) float64 {
	return float64(r.SuccessCount+1) / float64(r.SuccessCount+r.FailureCount+2)
}

func (p *Pool) weightedLocked(active []int) int {
	total := 0.0
	for _, i := range active {
		total += weight(p.records[i])
	}
	x := p.rnd.Float64() * total
	for _, i := range active {
		x -= weight(p.records[i])
		if x < 0 {
			return i
		}
	}
	return active[len(active)-1]
}

// updateDegradedLocked logs once per transition into or out of degraded mode.
func (p *Pool) updateDegradedLocked(activeCount int) {
	// The direct record is always active, so activeCount == 1 means no proxy is.
	now := len(p.records) > 1 && activeCount == 1
	if now == p.degraded {
		return
	}
	p.degraded = now
	if now {
		p.log.WithField("proxies", len(p.records)-1).Warn("no active proxy left, falling back to direct connection")
	} else {
		p.log.Info("proxy available again, leaving degraded mode")
	}
}

// Report records the outcome of a request made through c.
func (p *Pool) Report(c Choice, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[c.Address]
	if !ok {
		return
	}
	r := p.records[i]
	if success {
		r.SuccessCount++
		r.ConsecutiveFailures = 0
		return
	}
	r.FailureCount++
	r.ConsecutiveFailures++
	if i != 0 && r.Active && r.ConsecutiveFailures > int64(p.opts.FailThreshold) {
		r.Active = false
		p.log.WithFields(logrus.Fields{
			"proxy":                r.Address,
			"consecutive_failures": r.ConsecutiveFailures,
			"success_rate":         r.SuccessRate(),
		}).Warn("proxy demoted")
	}
}

// Refresh adds addresses the pool does not know yet as active records and
// returns how many were added.
func (p *Pool) Refresh(addrs []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.addLocked(addrs)
	if n > 0 {
		p.log.WithField("added", n).Info("proxy list refreshed")
	}
	return n
}

// Reinstate re-activates a demoted record and clears its failure streak.
func (p *Pool) Reinstate(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[Normalize(addr)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, addr)
	}
	r := p.records[i]
	if !r.Active {
		p.log.WithField("proxy", r.Address).Info("proxy reinstated")
	}
	r.Active = true
	r.ConsecutiveFailures = 0
	return nil
}

// Restore overlays persisted counters onto records with matching addresses.
// Records absent from the pool are ignored; the direct record stays active.
func (p *Pool) Restore(saved []model.ProxyRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range saved {
		i, ok := p.index[Normalize(s.Address)]
		if !ok {
			continue
		}
		r := p.records[i]
		r.SuccessCount = s.SuccessCount
		r.FailureCount = s.FailureCount
		r.ConsecutiveFailures = s.ConsecutiveFailures
		r.LastUsed = s.LastUsed
		r.Active = s.Active || i == 0
	}
}

// Snapshot returns a copy of all records sorted by address; the direct
// record sorts first.
func (p *Pool) Snapshot() []model.ProxyRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ProxyRecord, len(p.records))
	for i, r := range p.records {
		out[i] = *r
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Degraded reports whether proxies are configured but none is active.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.records) == 1 {
		return false
	}
	for _, r := range p.records[1:] {
		if r.Active {
			return false
		}
	}
	return true
}

// Addresses returns every configured proxy address, excluding direct.
func (p *Pool) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.records)-1)
	for _, r := range p.records[1:] {
		out = append(out, r.Address)
	}
	return out
}
