package daemon

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) Sweep() int { s.calls.Add(1); return 1 }

type recordingPruner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (p *recordingPruner) Prune(maxAge time.Duration) int {
	p.calls.Add(1)
	p.maxAge.Store(int64(maxAge))
	return 2
}

type limiterPruner struct{ calls atomic.Int32 }

func (p *limiterPruner) Prune() int { p.calls.Add(1); return 3 }

func setupTestDaemon() (*DaemonManager, *countingSweeper, *recordingPruner, *limiterPruner) {
	s := &countingSweeper{}
	p := &recordingPruner{}
	w := &limiterPruner{}
	return NewDaemonManager(s, p, zerolog.Nop(), w), s, p, w
}

func TestDaemonManagerStartStop(t *testing.T) {
	dm, _, _, _ := setupTestDaemon()
	dm.Start()

	time.Sleep(50 * time.Millisecond)

	done := make(chan bool)
	go func() {
		dm.Stop()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("Stop should complete within timeout")
	}
}

func TestDaemonManagerRunsLoops(t *testing.T) {
	dm, s, p, w := setupTestDaemon()
	dm.SetIntervals(10*time.Millisecond, 10*time.Millisecond, 7*time.Minute)
	dm.Start()
	defer dm.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.calls.Load() > 0 && p.calls.Load() > 0 && w.calls.Load() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.calls.Load() == 0 {
		t.Error("session sweep never ran")
	}
	if p.calls.Load() == 0 || w.calls.Load() == 0 {
		t.Error("prune never ran")
	}
	if time.Duration(p.maxAge.Load()) != 7*time.Minute {
		t.Errorf("ledger should be pruned with the configured TTL, got %v", time.Duration(p.maxAge.Load()))
	}
}

func TestDaemonManagerOnceHelpers(t *testing.T) {
	dm, _, _, _ := setupTestDaemon()
	if n := dm.SweepOnce(); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if n := dm.PruneOnce(); n != 5 {
		t.Errorf("expected 5 pruned, got %d", n)
	}
}

func TestDaemonManagerPrunesEveryLimiter(t *testing.T) {
	api, mcp := &limiterPruner{}, &limiterPruner{}
	dm := NewDaemonManager(nil, nil, zerolog.Nop(), api, mcp)
	if n := dm.PruneOnce(); n != 6 {
		t.Errorf("expected 6 pruned across both limiters, got %d", n)
	}
	if api.calls.Load() != 1 || mcp.calls.Load() != 1 {
		t.Errorf("each limiter should be pruned once, got %d and %d", api.calls.Load(), mcp.calls.Load())
	}
}

func TestDaemonManagerNilDependencies(t *testing.T) {
	dm := NewDaemonManager(nil, nil, zerolog.Nop(), nil)
	if dm.SweepOnce() != 0 || dm.PruneOnce() != 0 {
		t.Error("nil dependencies should be skipped")
	}
}

func TestDaemonManagerSetIntervals(t *testing.T) {
	dm, _, _, _ := setupTestDaemon()
	dm.SetIntervals(10*time.Second, 20*time.Second, 0)

	stats := dm.Stats()
	if stats["session_sweep_interval"].(string) != "10s" {
		t.Errorf("Expected session_sweep_interval 10s, got %s", stats["session_sweep_interval"])
	}
	if stats["ledger_prune_interval"].(string) != "20s" {
		t.Errorf("Expected ledger_prune_interval 20s, got %s", stats["ledger_prune_interval"])
	}
	if stats["ledger_ttl"].(string) != "10m0s" {
		t.Errorf("zero TTL should keep the default, got %s", stats["ledger_ttl"])
	}
}
