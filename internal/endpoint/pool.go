package endpoint

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"near-forwarder/config"
	"near-forwarder/internal/metrics"
)

// Endpoint is one upstream RPC node. Immutable after construction.
type Endpoint struct {
	Name       string
	URL        string
	Weight     int
	MaxRetries int
}

// Pool manages the endpoint registry with weighted random selection and
// failure tracking. Selection is weighted-random rather than round-robin on
// purpose: concurrent callers converge to the configured distribution without
// sharing a cursor, and rapid calls don't burst against a single node.
type Pool struct {
	mutex     sync.RWMutex
	endpoints []*Endpoint

	failures *FailureTracker

	rngMutex sync.Mutex
	rng      *rand.Rand
}

// NewPool creates a pool from configuration, using the system clock for ban
// expiry and a time-seeded RNG for selection.
func NewPool(cfg *config.Config) *Pool {
	return NewPoolWith(endpointsFromConfig(cfg), NewFailureTracker(cfg.RPC.Settings.FailureReset, SystemClock), rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewPoolWith wires explicit collaborators; tests use it to inject a fake
// clock and a seeded RNG.
func NewPoolWith(endpoints []*Endpoint, failures *FailureTracker, rng *rand.Rand) *Pool {
	return &Pool{
		endpoints: endpoints,
		failures:  failures,
		rng:       rng,
	}
}

func endpointsFromConfig(cfg *config.Config) []*Endpoint {
	endpoints := make([]*Endpoint, 0, len(cfg.RPC.Endpoints))
	for _, ep := range cfg.RPC.Endpoints {
		endpoints = append(endpoints, &Endpoint{
			Name:       ep.Name,
			URL:        ep.URL,
			Weight:     ep.Weight,
			MaxRetries: ep.MaxRetries,
		})
	}
	return endpoints
}

// UpdateConfig replaces the registry snapshot. In-flight calls keep the
// endpoints they already selected; bans carry over by URL.
func (p *Pool) UpdateConfig(cfg *config.Config) {
	endpoints := endpointsFromConfig(cfg)

	p.mutex.Lock()
	p.endpoints = endpoints
	p.mutex.Unlock()

	slog.Info(fmt.Sprintf("🔄 [端点池] 配置已更新，当前端点数: %d", len(endpoints)))
}

// Endpoints returns the current registry snapshot.
func (p *Pool) Endpoints() []*Endpoint {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	return endpoints
}

// Failures exposes the tracker for callers that classify errors themselves.
func (p *Pool) Failures() *FailureTracker {
	return p.failures
}

// MarkFailed quarantines an endpoint after a rate limit signal.
func (p *Pool) MarkFailed(url string) {
	p.failures.MarkFailed(url)
}

// Available returns the subset of the registry that is not currently banned.
func (p *Pool) Available() []*Endpoint {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	available := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if !p.failures.IsFailed(ep.URL) {
			available = append(available, ep)
		}
	}
	return available
}

// NextEndpoint selects an available endpoint by weighted random choice. If
// every endpoint is banned simultaneously (correlated outage), all bans are
// cleared and selection retries against the full registry, so the pool can
// never wedge itself permanently. Returns nil only for an empty registry.
func (p *Pool) NextEndpoint() *Endpoint {
	available := p.Available()
	if len(available) == 0 {
		slog.Warn("⚠️ [端点池] 所有端点均被封禁，执行全局重置")
		p.failures.ResetAll()
		metrics.PoolResetsTotal.Inc()
		available = p.Endpoints()
	}
	if len(available) == 0 {
		return nil
	}
	return p.selectWeighted(available)
}

// selectWeighted draws r uniformly from [0, Σweight) and walks the list
// accumulating weights. An all-zero weight set degrades to a uniform pick.
func (p *Pool) selectWeighted(endpoints []*Endpoint) *Endpoint {
	total := 0
	for _, ep := range endpoints {
		total += ep.Weight
	}

	p.rngMutex.Lock()
	defer p.rngMutex.Unlock()

	if total == 0 {
		return endpoints[p.rng.Intn(len(endpoints))]
	}

	r := p.rng.Intn(total)
	for _, ep := range endpoints {
		if r < ep.Weight {
			return ep
		}
		r -= ep.Weight
	}
	return endpoints[len(endpoints)-1]
}
