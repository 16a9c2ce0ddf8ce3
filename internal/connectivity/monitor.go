// Package connectivity tracks reachability of the client system. One
// probe loop owns the state; everything else either reads it or
// subscribes to transition events. State is level-based: the agent is
// Online exactly when the latest probe succeeded.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/metergrid/syncagent/internal/scanloop"
	"github.com/metergrid/syncagent/internal/telemetry"
)

var logger = log.WithField("component", "connectivity")

// Prober answers whether the client system is reachable, normally the
// REST client's health ping.
type Prober interface {
	Ping(ctx context.Context) error
}

// EventType labels a state transition.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event is one state transition delivered to subscribers.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Connected           bool      `json:"connected"`
	LastCheckAt         time.Time `json:"last_check_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Prober       Prober
	Interval     time.Duration
	ProbeTimeout time.Duration
	Metrics      *telemetry.Metrics
}

// Monitor runs the jittered probe loop and fans transitions out to
// subscribers.
type Monitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	metrics      *telemetry.Metrics

	online atomic.Bool

	mu     sync.Mutex // serializes probe outcomes, guards status
	status Status

	subMu sync.RWMutex
	subs  map[string]chan Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor builds a stopped monitor in the Offline state.
func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		prober:       cfg.Prober,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		metrics:      cfg.Metrics,
		subs:         make(map[string]chan Event),
		stopCh:       make(chan struct{}),
	}
	if m.interval <= 0 {
		m.interval = time.Minute
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = 10 * time.Second
	}
	if m.metrics == nil {
		m.metrics = telemetry.New()
	}
	return m
}

// Start launches the probe loop. The first probe fires immediately so a
// freshly booted agent leaves the cold Offline state as soon as the link
// allows.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the loop, waits for an in-flight probe and closes every
// subscriber channel.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.subMu.Lock()
	for name, ch := range m.subs {
		close(ch)
		delete(m.subs, name)
	}
	m.subMu.Unlock()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.check(context.Background())

	// Jitter the cadence ±10% around the configured interval.
	scanloop.Run(m.stopCh, m.interval-m.interval/10, m.interval/5, func() {
		m.check(context.Background())
	})
}

// Connected reports the current state.
func (m *Monitor) Connected() bool {
	return m.online.Load()
}

// ForceCheck probes immediately and returns the resulting state plus the
// probe error, if any.
func (m *Monitor) ForceCheck(ctx context.Context) (bool, error) {
	err := m.check(ctx)
	return m.online.Load(), err
}

// Status returns a copy of the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.Connected = m.online.Load()
	return s
}

// Subscribe registers a named transition feed with the given buffer.
// When the buffer is full the oldest pending event is dropped so the
// newest transition always lands. Re-subscribing under the same name
// closes the previous channel. Stop closes all feeds.
func (m *Monitor) Subscribe(name string, buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	m.subMu.Lock()
	if old, ok := m.subs[name]; ok {
		close(old)
	}
	m.subs[name] = ch
	m.subMu.Unlock()
	return ch
}

// check runs one probe and applies its outcome. Outcomes are serialized
// under mu so overlapping probes cannot publish transitions out of order.
func (m *Monitor) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Ping(pctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	was := m.online.Load()
	m.status.LastCheckAt = now
	if err != nil {
		m.status.LastError = err.Error()
		m.status.ConsecutiveFailures++
		m.online.Store(false)
		m.metrics.ConnectivityUp.Set(0)
	} else {
		m.status.LastError = ""
		m.status.ConsecutiveFailures = 0
		m.status.LastSuccessAt = now
		m.online.Store(true)
		m.metrics.ConnectivityUp.Set(1)
	}

	if is := m.online.Load(); is != was {
		ev := Event{Type: EventConnected, At: now}
		if !is {
			ev.Type = EventDisconnected
		}
		logger.WithField("connected", is).Info("connectivity state changed")
		m.publish(ev)
	}
	return err
}

// publish never blocks: full subscriber buffers shed their oldest event.
func (m *Monitor) publish(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
