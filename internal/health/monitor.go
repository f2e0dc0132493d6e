package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ResyncFunc reloads one component's remote-derived state.
type ResyncFunc func(ctx context.Context) error

// Monitor is the single place reconnection-driven refresh lives. It observes
// session connection transitions and, on every transition to connected
// (first connect included), runs each registered resync exactly once.
// Individual components must not re-fetch on reconnect themselves; that is
// how duplicate concurrent fetches happen.
type Monitor struct {
	mu      sync.Mutex
	resyncs []namedResync
	resyncN int // transitions handled, for tests and logging
	log     *zap.Logger
	timeout time.Duration
}

type namedResync struct {
	name string
	fn   ResyncFunc
}

func NewMonitor(log *zap.Logger) *Monitor {
	return &Monitor{log: log, timeout: 30 * time.Second}
}

// Register adds a resync step. Call before Bind; registration order is
// execution order.
func (m *Monitor) Register(name string, fn ResyncFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resyncs = append(m.resyncs, namedResync{name: name, fn: fn})
}

// ConnectionObserver is the slice of the session the monitor needs.
type ConnectionObserver interface {
	OnConnectionChange(fn func(connected bool)) func()
}

// Bind starts observing. Returns the unsubscribe func.
func (m *Monitor) Bind(obs ConnectionObserver) func() {
	return obs.OnConnectionChange(func(connected bool) {
		if !connected {
			return
		}
		go m.resyncAll()
	})
}

func (m *Monitor) resyncAll() {
	m.mu.Lock()
	steps := make([]namedResync, len(m.resyncs))
	copy(steps, m.resyncs)
	m.resyncN++
	n := m.resyncN
	m.mu.Unlock()

	m.log.Info("connection up, resyncing", zap.Int("cycle", n), zap.Int("steps", len(steps)))
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			// passive refresh failure: log only, keep going
			m.log.Warn("resync step failed", zap.String("step", step.name), zap.Error(err))
		}
	}
}

// Cycles reports how many resync passes have run.
func (m *Monitor) Cycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resyncN
}
