package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHealthInterval is how often service health is re-probed.
const DefaultHealthInterval = 30 * time.Second

// StatusChange describes one observed health transition.
type StatusChange struct {
	Name    string
	Healthy bool
	Err     error
}

// HealthChecker refreshes the registry's healthy flags on an interval,
// independently of request handling. Routing only ever reads the latest
// snapshot; a slow probe never blocks a routing decision.
type HealthChecker struct {
	registry *Registry
	interval time.Duration
	onChange func(StatusChange)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HealthCheckerOption configures the checker.
type HealthCheckerOption func(*HealthChecker)

// WithInterval overrides the probe interval.
func WithInterval(d time.Duration) HealthCheckerOption {
	return func(h *HealthChecker) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithOnChange registers a callback invoked for every health transition.
// The callback runs on the checker goroutine and must not block.
func WithOnChange(fn func(StatusChange)) HealthCheckerOption {
	return func(h *HealthChecker) {
		h.onChange = fn
	}
}

// NewHealthChecker creates a checker bound to a registry.
func NewHealthChecker(registry *Registry, opts ...HealthCheckerOption) *HealthChecker {
	h := &HealthChecker{
		registry: registry,
		interval: DefaultHealthInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs an immediate refresh, then refreshes on the interval until
// Stop is called.
func (h *HealthChecker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		h.Refresh(ctx)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop and waits for in-flight probes.
func (h *HealthChecker) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Refresh probes every registered service in parallel and records the
// results. Probes share a deadline slightly under the interval so a hung
// backend cannot stack refreshes.
func (h *HealthChecker) Refresh(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, h.interval*9/10)
	defer cancel()

	names := h.registry.Names()
	var wg sync.WaitGroup
	for _, name := range names {
		adapter, ok := h.registry.Adapter(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, adapter Adapter) {
			defer wg.Done()

			err := adapter.HealthCheck(probeCtx)
			healthy := err == nil
			if changed := h.registry.setHealthy(name, healthy); changed {
				if healthy {
					log.Info().Str("service", name).Msg("service became healthy")
				} else {
					log.Warn().Str("service", name).Err(err).Msg("service became unhealthy")
				}
				if h.onChange != nil {
					h.onChange(StatusChange{Name: name, Healthy: healthy, Err: err})
				}
			}
		}(name, adapter)
	}
	wg.Wait()
}
