package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/denizumutdereli/gatekeep/pkg/captcha"
)

// Mutation gates one sensitive call behind a fresh captcha token. Each
// Submit arms the gate; once the token arrives the call built for it runs
// on the controller, and the gate is disarmed for the next attempt.
type Mutation struct {
	ctrl  *Controller
	gate  *captcha.Gate
	build func(token string) Call

	submitting atomic.Bool

	mu      sync.Mutex
	dropped error
}

// NewMutation binds build to ctrl behind a gate for action.
func NewMutation(oracle captcha.Oracle, action captcha.Action, ctrl *Controller, build func(token string) Call) *Mutation {
	m := &Mutation{ctrl: ctrl, build: build}
	m.gate = captcha.NewGate(oracle, action, m.onVerified)
	return m
}

func (m *Mutation) onVerified(ctx context.Context, token string) {
	m.submitting.Store(true)
	// Another holder of the controller may have started a call while the
	// challenge was pending; the gated call is then not sent.
	if err := m.ctrl.MakeRequest(ctx, m.build(token)); err != nil {
		m.mu.Lock()
		m.dropped = err
		m.mu.Unlock()
	}
	m.gate.Trigger(ctx, false)
	m.submitting.Store(false)
}

// Submit starts a new attempt. It returns false, and does nothing, while
// the controller is loading or a previous attempt is still waiting for its
// token.
func (m *Mutation) Submit(ctx context.Context) bool {
	if m.ctrl.IsLoading() || m.submitting.Load() || m.gate.Armed() {
		return false
	}
	m.clearDropped()
	m.gate.Trigger(ctx, true)
	return true
}

// Reset abandons an attempt whose challenge failed or never finished so
// Submit can start over.
func (m *Mutation) Reset() {
	m.gate.Trigger(context.Background(), false)
	m.clearDropped()
}

func (m *Mutation) clearDropped() {
	m.mu.Lock()
	m.dropped = nil
	m.mu.Unlock()
}

// Submitting reports whether the gated call is running.
func (m *Mutation) Submitting() bool {
	return m.submitting.Load()
}

// Pending reports whether an attempt is waiting for its token or running.
func (m *Mutation) Pending() bool {
	return m.gate.Armed() || m.submitting.Load()
}

// ChallengeErr returns what stalled the current attempt, if anything: the
// oracle failure, or ErrRequestInFlight when the controller was busy with
// another call once the token arrived.
func (m *Mutation) ChallengeErr() error {
	if err := m.gate.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Controller returns the controller the mutation runs on.
func (m *Mutation) Controller() *Controller {
	return m.ctrl
}

// Wait blocks until every started attempt, including its call, is done.
func (m *Mutation) Wait() {
	m.gate.Wait()
}
