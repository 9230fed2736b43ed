package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/crm-chat-gateway/internal/metrics"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// Component states.
const (
	statusUnknown  = "unknown"
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDisabled = "disabled"
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// HealthChecker probes the upstream provider and the shared cache in the
// background and serves the latest results.
type HealthChecker struct {
	providerName string
	provider     Probe
	cache        Probe
	prom         *metrics.Registry
	log          *slog.Logger
	interval     time.Duration

	providerStatus componentStatus
	cacheStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker runs a first probe synchronously, then starts the
// background loop. A nil cache probe means the cache is in-process or off and
// always reported as disabled.
func NewHealthChecker(ctx context.Context, providerName string, provider, cache Probe, prom *metrics.Registry, log *slog.Logger) *HealthChecker {
	if log == nil {
		log = slog.Default()
	}
	hc := &HealthChecker{
		providerName: providerName,
		provider:     provider,
		cache:        cache,
		prom:         prom,
		log:          log,
		interval:     healthProbeInterval,
		startTime:    time.Now(),
		done:         make(chan struct{}),
	}

	hc.probe(ctx)

	hc.wg.Add(1)
	go hc.run(ctx)

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	prov := hc.providerStatus.get()
	cache := hc.cacheStatus.get()

	overall := statusOK
	if prov != statusOK || (cache != statusOK && cache != statusDisabled) {
		overall = statusDegraded
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     map[string]string{hc.providerName: prov},
		Cache:         cache,
	}
}

// Ready reports whether the gateway can serve traffic. A degraded provider
// does not make it unready: Chat answers with failure results on its own. A
// shared cache that is down does, because replicas would diverge.
func (hc *HealthChecker) Ready() bool {
	c := hc.cacheStatus.get()
	return c == statusOK || c == statusDisabled
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run(ctx context.Context) {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe(ctx)
		case <-hc.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.provider == nil {
			hc.providerStatus.set(statusUnknown)
			return
		}
		if err := hc.provider(ctx); err != nil {
			hc.providerStatus.set(statusDegraded)
			hc.prom.SetProviderHealth(hc.providerName, false)
			hc.log.Warn("provider_unhealthy",
				slog.String("provider", hc.providerName),
				slog.String("error", err.Error()),
			)
			return
		}
		hc.providerStatus.set(statusOK)
		hc.prom.SetProviderHealth(hc.providerName, true)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cache == nil {
			hc.cacheStatus.set(statusDisabled)
			return
		}
		if err := hc.cache(ctx); err != nil {
			hc.cacheStatus.set(statusDegraded)
			return
		}
		hc.cacheStatus.set(statusOK)
	}()

	wg.Wait()
}
