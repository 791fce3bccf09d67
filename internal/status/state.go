package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/clock"
	"github.com/matheus3301/msync/internal/config"
	"github.com/matheus3301/msync/internal/metrics"
)

// State is the liveness of the realtime connection.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

// ConnectionStatus is a read-only snapshot of the machine.
type ConnectionStatus struct {
	State           State     `json:"state"`
	Attempts        int       `json:"reconnectAttempts"`
	LastConnectedAt time.Time `json:"lastConnectedAt"`
}

// StatusChange is the payload for connection.status_changed events.
// From equals To when only the attempt counter moved.
type StatusChange struct {
	From     State
	To       State
	Attempts int
}

// Prober performs one connection handshake or liveness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config tunes retry timing.
type Config struct {
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxAttempts      int
	ProbeTimeout     time.Duration
	ProbeMinInterval time.Duration
	StabilizeDelay   time.Duration
}

// ConfigFrom converts the [connection] config section.
func ConfigFrom(c config.ConnectionConfig) Config {
	return Config{
		BackoffBase:      c.BackoffBase.Duration,
		BackoffCap:       c.BackoffCap.Duration,
		MaxAttempts:      c.MaxAttempts,
		ProbeTimeout:     c.ProbeTimeout.Duration,
		ProbeMinInterval: c.ProbeMinInterval.Duration,
		StabilizeDelay:   c.StabilizeDelay.Duration,
	}
}

// Machine owns the connection status. Only the machine decides whether and
// when to retry; the transport just reports drops and answers probes.
type Machine struct {
	cfg    Config
	prober Prober
	bus    *bus.Bus
	clk    clock.Clock
	logger *zap.Logger

	mu              sync.Mutex
	current         State
	attempts        int
	lastConnectedAt time.Time
	online          bool
	probing         bool
	lastProbe       time.Time
	timer           clock.Timer
	gen             uint64
	closed          bool
	backoff         *backoff.ExponentialBackOff
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(cfg Config, prober Prober, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.BackoffCap,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	return &Machine{
		cfg:     cfg,
		prober:  prober,
		bus:     b,
		clk:     clk,
		logger:  logger,
		current: Disconnected,
		backoff: bo,
	}
}

// Current returns a snapshot of the connection status.
func (m *Machine) Current() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionStatus{State: m.current, Attempts: m.attempts, LastConnectedAt: m.lastConnectedAt}
}

// SetOnline feeds the network-layer signal. Going offline forces
// Disconnected immediately; coming online from Disconnected probes after the
// stabilization delay.
func (m *Machine) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.online = online
	if !online {
		m.cancelLocked()
		m.attempts = 0
		if m.current != Disconnected {
			m.transitionLocked(Disconnected)
		} else {
			m.publishLocked(Disconnected, Disconnected)
		}
		return
	}
	if m.current != Disconnected || m.timer != nil {
		return
	}
	gen := m.gen
	m.timer = m.clk.AfterFunc(m.cfg.StabilizeDelay, func() {
		m.mu.Lock()
		if m.gen != gen || m.closed || m.current != Disconnected {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		_ = m.transitionLocked(Connecting)
		m.mu.Unlock()
		m.run(context.Background(), gen)
	})
}

// Online reports the last network-layer signal.
func (m *Machine) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Probe is an explicit trigger. From Disconnected it starts a fresh
// connection cycle. It returns false when skipped because another probe is
// in flight or one ran less than the minimum interval ago.
func (m *Machine) Probe(ctx context.Context) bool {
	m.mu.Lock()
	if m.closed || m.probing {
		m.mu.Unlock()
		return false
	}
	if !m.lastProbe.IsZero() && m.clk.Now().Sub(m.lastProbe) < m.cfg.ProbeMinInterval {
		m.mu.Unlock()
		return false
	}
	m.cancelLocked()
	if m.current == Disconnected {
		_ = m.transitionLocked(Connecting)
	}
	gen := m.gen
	m.mu.Unlock()
	return m.run(ctx, gen)
}

// ConnectionLost is called by the transport after a non-clean closure.
func (m *Machine) ConnectionLost(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.current != Connected {
		return
	}
	m.logger.Warn("connection lost", zap.Error(err))
	m.cancelLocked()
	m.failLocked(err)
}

// Shutdown cancels pending timers. Later signals are ignored.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.closed = true
}

// run executes one probe if none is in flight and applies the result,
// unless the machine moved on (offline, shutdown) while it ran.
func (m *Machine) run(ctx context.Context, gen uint64) bool {
	m.mu.Lock()
	if m.probing || m.gen != gen || m.closed {
		m.mu.Unlock()
		return false
	}
	m.probing = true
	m.lastProbe = m.clk.Now()
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Probe(pctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.probing = false
	if m.gen != gen || m.closed {
		return true
	}
	if err == nil {
		m.succeedLocked()
	} else {
		m.logger.Debug("probe failed", zap.String("state", string(m.current)), zap.Error(err))
		m.failLocked(err)
	}
	return true
}

func (m *Machine) succeedLocked() {
	m.attempts = 0
	m.lastConnectedAt = m.clk.Now()
	m.backoff.Reset()
	if m.current != Connected {
		_ = m.transitionLocked(Connected)
	}
}

func (m *Machine) failLocked(err error) {
	next := m.attempts + 1
	if next > m.cfg.MaxAttempts {
		m.logger.Warn("connection attempts exhausted", zap.Int("attempt", m.attempts), zap.Error(err))
		m.attempts = 0
		m.backoff.Reset()
		_ = m.transitionLocked(Disconnected)
		return
	}
	m.attempts = next

	var delay time.Duration
	switch m.current {
	case Connecting:
		// Never connected in this cycle: there is nothing to back off from.
		delay = m.cfg.ProbeMinInterval
		m.publishLocked(Connecting, Connecting)
	case Connected:
		delay = m.backoff.NextBackOff()
		_ = m.transitionLocked(Reconnecting)
	case Reconnecting:
		delay = m.backoff.NextBackOff()
		m.publishLocked(Reconnecting, Reconnecting)
	default:
		return
	}
	m.armRetryLocked(delay)
}

func (m *Machine) armRetryLocked(delay time.Duration) {
	gen := m.gen
	m.logger.Debug("retry scheduled", zap.Duration("delay", delay), zap.Int("attempt", m.attempts))
	m.timer = m.clk.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.mu.Unlock()
		m.run(context.Background(), gen)
	})
}

// cancelLocked stops the armed timer and invalidates in-flight probes.
func (m *Machine) cancelLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) transitionLocked(to State) error {
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.logger.Info("connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("attempt", m.attempts))
	m.publishLocked(from, to)
	return nil
}

func (m *Machine) publishLocked(from, to State) {
	metrics.SetConnection(string(to), m.attempts)
	m.bus.Publish(bus.NewEvent(bus.KindConnectionChanged, StatusChange{
		From:     from,
		To:       to,
		Attempts: m.attempts,
	}))
}
