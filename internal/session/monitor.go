package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// failureThreshold is how many consecutive failed health checks the
// monitor tolerates before handing off to recovery.
const failureThreshold = 3

// Monitor watches client health on a fixed interval and triggers the
// recovery heuristic once failures pile up. At most one monitor runs per
// process; Start on a running monitor is a no-op.
type Monitor struct {
	factory  *Factory
	recovery *Recovery
	interval time.Duration

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	failures  int
	lastCheck time.Time
}

// NewMonitor builds a monitor over the factory. Non-positive intervals
// fall back to 30 seconds.
func NewMonitor(factory *Factory, recovery *Recovery, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{factory: factory, recovery: recovery, interval: interval}
}

// Start launches the check loop. Safe to call repeatedly.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	go m.loop(ctx)
}

// Stop halts the loop and resets the failure counter.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
	m.failures = 0
}

// FailureCount reports consecutive failed checks.
func (m *Monitor) FailureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Check runs one health probe immediately. Probes closer together than
// half the interval are skipped so manual checks cannot stampede.
func (m *Monitor) Check(ctx context.Context) {
	m.mu.Lock()
	now := time.Now()
	if now.Sub(m.lastCheck) < m.interval/2 {
		m.mu.Unlock()
		return
	}
	m.lastCheck = now
	m.mu.Unlock()

	client, err := m.factory.Client(ctx)
	if err == nil {
		err = client.HealthCheck(ctx)
	}

	m.mu.Lock()
	if err == nil {
		if m.failures > 0 {
			log.Printf("client health restored after %d failed checks", m.failures)
		}
		m.failures = 0
		m.mu.Unlock()
		return
	}
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	log.Printf("client health check failed (%d/%d): %v", failures, failureThreshold, err)
	if failures < failureThreshold || m.recovery == nil {
		return
	}

	res := m.recovery.Attempt(ctx)
	if res.Success {
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
		return
	}
	log.Printf("automatic session recovery failed: %s (%s)", res.Action, res.Message)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
