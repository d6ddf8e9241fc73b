// Package daemon runs gatekeep's background maintenance loops.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper advances session states and drops expired sessions.
type Sweeper interface {
	Sweep() int
}

// Pruner forgets captcha state older than maxAge.
type Pruner interface {
	Prune(maxAge time.Duration) int
}

// LimiterPruner forgets rate-limit clients that have gone idle.
type LimiterPruner interface {
	Prune() int
}

// DaemonManager manages all background daemons
type DaemonManager struct {
	sessions Sweeper
	ledger   Pruner
	limiters []LimiterPruner
	logger   zerolog.Logger

	// Daemon intervals
	sweepInterval time.Duration
	pruneInterval time.Duration
	ledgerTTL     time.Duration
	intervalMu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemonManager creates a new daemon manager. ledger may be nil.
func NewDaemonManager(sessions Sweeper, ledger Pruner, logger zerolog.Logger, limiters ...LimiterPruner) *DaemonManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &DaemonManager{
		sessions:      sessions,
		ledger:        ledger,
		limiters:      limiters,
		logger:        logger.With().Str("component", "daemon").Logger(),
		sweepInterval: 1 * time.Minute,
		pruneInterval: 5 * time.Minute,
		ledgerTTL:     10 * time.Minute,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts all daemon workers
func (dm *DaemonManager) Start() {
	dm.wg.Add(2)

	go dm.sweepDaemon()
	go dm.pruneDaemon()

	dm.logger.Info().Msg("daemon manager started")
}

// Stop stops all daemons gracefully
func (dm *DaemonManager) Stop() {
	dm.cancel()
	dm.wg.Wait()
	dm.logger.Info().Msg("daemon manager stopped")
}

// sweepDaemon expires inactive sessions.
func (dm *DaemonManager) sweepDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getSweepInterval()) {
		dm.SweepOnce()
	}
}

// pruneDaemon forgets consumed captcha tokens and idle rate-limit clients.
func (dm *DaemonManager) pruneDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getPruneInterval()) {
		dm.PruneOnce()
	}
}

// SweepOnce runs a single session sweep.
func (dm *DaemonManager) SweepOnce() int {
	if dm.sessions == nil {
		return 0
	}
	n := dm.sessions.Sweep()
	if n > 0 {
		dm.logger.Debug().Int("expired", n).Msg("swept sessions")
	}
	return n
}

// PruneOnce runs a single captcha ledger and rate-limit prune.
func (dm *DaemonManager) PruneOnce() int {
	n := 0
	if dm.ledger != nil {
		n += dm.ledger.Prune(dm.getLedgerTTL())
	}
	for _, l := range dm.limiters {
		if l != nil {
			n += l.Prune()
		}
	}
	if n > 0 {
		dm.logger.Debug().Int("pruned", n).Msg("pruned captcha and rate-limit state")
	}
	return n
}

func (dm *DaemonManager) waitInterval(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-dm.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (dm *DaemonManager) getSweepInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.sweepInterval
}

func (dm *DaemonManager) getPruneInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.pruneInterval
}

func (dm *DaemonManager) getLedgerTTL() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.ledgerTTL
}

// SetIntervals configures daemon intervals. Non-positive values keep the
// current setting.
func (dm *DaemonManager) SetIntervals(sweep, prune, ledgerTTL time.Duration) {
	dm.intervalMu.Lock()
	defer dm.intervalMu.Unlock()
	if sweep > 0 {
		dm.sweepInterval = sweep
	}
	if prune > 0 {
		dm.pruneInterval = prune
	}
	if ledgerTTL > 0 {
		dm.ledgerTTL = ledgerTTL
	}
}

// Stats returns daemon statistics
func (dm *DaemonManager) Stats() map[string]any {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return map[string]any{
		"session_sweep_interval": dm.sweepInterval.String(),
		"ledger_prune_interval":  dm.pruneInterval.String(),
		"ledger_ttl":             dm.ledgerTTL.String(),
	}
}
