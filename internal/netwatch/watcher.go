// Package netwatch turns backend reachability into the online/offline
// signal the connection state machine consumes.
package netwatch

import (
	"context"
	"fmt"
	"net"
	"net/url"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msync/internal/clock"
	"github.com/matheus3301/msync/internal/config"
)

// Signal receives network edges.
type Signal interface {
	SetOnline(online bool)
}

// DialFunc opens a connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config tunes the watcher.
type Config struct {
	Target      string
	Interval    time.Duration
	DialTimeout time.Duration
}

// ConfigFrom builds a Config that watches the host of baseURL.
func ConfigFrom(baseURL string, c config.NetwatchConfig) (Config, error) {
	target, err := TargetFromURL(baseURL)
	if err != nil {
		return Config{}, err
	}
	return Config{Target: target, Interval: c.Interval.Duration, DialTimeout: c.DialTimeout.Duration}, nil
}

// TargetFromURL returns host:port for a URL, filling in the scheme's port.
func TargetFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
}

// Watcher periodically dials the target and reports edges.
type Watcher struct {
	cfg    Config
	signal Signal
	dial   DialFunc
	clk    clock.Clock
	logger *zap.Logger

	mu      stdsync.Mutex
	known   bool
	online  bool
	held    bool
	timer   clock.Timer
	ctx     context.Context
	stopped bool
}

// New creates a watcher. dial may be nil to use a net.Dialer.
func New(cfg Config, signal Signal, dial DialFunc, clk clock.Clock, logger *zap.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{cfg: cfg, signal: signal, dial: dial, clk: clk, logger: logger}
}

// Start checks once right away and then every interval.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.stopped = false
	w.mu.Unlock()
	go w.tick()
}

// Stop cancels the next check.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Check dials once and signals if reachability changed.
func (w *Watcher) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()
	conn, err := w.dial(ctx, "tcp", w.cfg.Target)
	up := err == nil
	if up {
		_ = conn.Close()
	}

	w.mu.Lock()
	if w.held {
		w.mu.Unlock()
		return up
	}
	changed := !w.known || w.online != up
	w.known = true
	w.online = up
	w.mu.Unlock()

	if changed {
		if up {
			w.logger.Info("network reachable", zap.String("target", w.cfg.Target))
		} else {
			w.logger.Warn("network unreachable", zap.String("target", w.cfg.Target), zap.Error(err))
		}
		w.signal.SetOnline(up)
	}
	return up
}

// Set forces the signal and holds it until Release.
func (w *Watcher) Set(online bool) {
	w.mu.Lock()
	w.held = true
	w.known = true
	w.online = online
	w.mu.Unlock()
	w.logger.Info("network signal forced", zap.Bool("online", online))
	w.signal.SetOnline(online)
}

// Release hands the signal back to reachability checks. The next check
// always signals.
func (w *Watcher) Release() {
	w.mu.Lock()
	w.held = false
	w.known = false
	w.mu.Unlock()
	w.logger.Info("network signal released")
}

// Held reports whether the signal is forced.
func (w *Watcher) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

// Online returns the last known reachability.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

func (w *Watcher) tick() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	ctx := w.ctx
	w.mu.Unlock()

	w.Check(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer = w.clk.AfterFunc(w.cfg.Interval, w.tick)
	}
}
