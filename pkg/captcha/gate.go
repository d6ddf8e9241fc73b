package captcha

import (
	"context"
	"sync"
)

// Oracle produces a single-use token for an action. It may fail when the
// provider is unreachable or refuses the client.
type Oracle interface {
	Verify(ctx context.Context, action Action) (string, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, action Action) (string, error)

func (f OracleFunc) Verify(ctx context.Context, action Action) (string, error) {
	return f(ctx, action)
}

// Gate obtains a fresh token each time it is armed and passes it to
// onVerified. The challenge runs on its own goroutine; Trigger never blocks.
//
// A gate stays armed until Trigger(ctx, false) is called, and arming an
// armed gate does nothing, so one arming yields at most one challenge and
// at most one onVerified call. When the oracle fails the gate stays armed
// and onVerified is not called; the caller decides when to disarm and
// retry. A token that arrives after the gate was disarmed is dropped.
type Gate struct {
	oracle     Oracle
	action     Action
	onVerified func(ctx context.Context, token string)

	mu         sync.Mutex
	armed      bool
	generation uint64
	lastErr    error
	wg         sync.WaitGroup
}

// NewGate binds a gate to one action.
func NewGate(oracle Oracle, action Action, onVerified func(ctx context.Context, token string)) *Gate {
	return &Gate{oracle: oracle, action: action, onVerified: onVerified}
}

// Action returns the action the gate requests tokens for.
func (g *Gate) Action() Action { return g.action }

// Trigger arms (run=true) or disarms (run=false) the gate.
func (g *Gate) Trigger(ctx context.Context, run bool) {
	g.mu.Lock()
	if !run {
		g.armed = false
		g.mu.Unlock()
		return
	}
	if g.armed {
		g.mu.Unlock()
		return
	}
	g.armed = true
	g.generation++
	gen := g.generation
	g.lastErr = nil
	g.wg.Add(1)
	g.mu.Unlock()

	go g.challenge(ctx, gen)
}

func (g *Gate) challenge(ctx context.Context, gen uint64) {
	defer g.wg.Done()

	token, err := g.oracle.Verify(ctx, g.action)

	g.mu.Lock()
	current := g.armed && g.generation == gen
	if err != nil && current {
		g.lastErr = err
	}
	g.mu.Unlock()

	if err != nil || !current {
		return
	}
	g.onVerified(ctx, token)
}

// Armed reports whether the gate is armed.
func (g *Gate) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}

// Err returns the oracle failure of the current arming, if any.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// Wait blocks until every started challenge, including its onVerified
// call, has returned.
func (g *Gate) Wait() {
	g.wg.Wait()
}
