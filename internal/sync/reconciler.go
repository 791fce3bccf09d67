package sync

import (
	"context"
	"strconv"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msync/internal/clock"
	"github.com/matheus3301/msync/internal/store"
)

const (
	checkpointLastReconcile = "reconcile.last_run"
	sentRetention           = 24 * time.Hour
)

// Reconciler periodically replays the queue while connected, covering the
// case where the transport is up but sends keep failing. It also prunes
// delivered queue entries and records when it last ran.
type Reconciler struct {
	engine   *Engine
	db       *store.DB
	clk      clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu    stdsync.Mutex
	timer clock.Timer
	ctx   context.Context
	done  bool
}

// NewReconciler creates a reconciler. A non-positive interval disables it.
func NewReconciler(e *Engine, db *store.DB, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{engine: e, db: db, clk: clk, interval: interval, logger: logger}
}

// Start arms the first run.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	r.done = false
	r.armLocked()
}

// Stop cancels the next run.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconciler) armLocked() {
	r.timer = r.clk.AfterFunc(r.interval, r.tick)
}

func (r *Reconciler) tick() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	r.mu.Unlock()

	r.RunOnce(ctx)

	r.mu.Lock()
	if !r.done {
		r.armLocked()
	}
	r.mu.Unlock()
}

// RunOnce performs one reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if r.engine.connected() {
		res := r.engine.Flush(ctx)
		if res.Sent+res.Failed+res.Retried > 0 {
			r.logger.Debug("reconcile pass", zap.Int("sent", res.Sent), zap.Int("retried", res.Retried))
		}
	}
	if !r.db.Available() {
		return
	}
	now := r.clk.Now()
	if n, err := r.db.PurgeSent(now.Add(-sentRetention)); err != nil {
		r.logger.Error("failed to purge sent entries", zap.Error(err))
	} else if n > 0 {
		r.logger.Debug("purged sent entries", zap.Int64("count", n))
	}
	if err := r.UpdateCheckpoint(checkpointLastReconcile, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		r.logger.Error("failed to record checkpoint", zap.Error(err))
	}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	return r.db.SetCheckpoint(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	return r.db.GetCheckpoint(key)
}
