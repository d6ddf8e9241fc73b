// Package session tracks login sessions. A session is Active while it is
// used, turns Idle after IdleThreshold without activity and Expired after
// ExpiryThreshold. Expired sessions never resolve again and are dropped by
// Sweep.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/denizumutdereli/gatekeep/pkg/core"
)

// State is the activity state of a session.
type State int

const (
	StateActive State = iota
	StateIdle
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is a snapshot of one login session.
type Session struct {
	Token       string
	UserID      string
	State       State
	CreatedAt   time.Time
	LastSeen    time.Time
	InvokeCount uint64
}

// ExpiresAt is when the session expires if it stays unused.
func (s Session) ExpiresAt(expiry time.Duration) time.Time {
	return s.LastSeen.Add(expiry)
}

// Manager tracks activity and controls session states
type Manager struct {
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	idleThreshold   time.Duration
	expiryThreshold time.Duration

	onExpire func(s Session)

	now func() time.Time
	mu  sync.RWMutex
}

// NewManager creates a session manager with the given thresholds.
func NewManager(idle, expiry time.Duration) *Manager {
	return &Manager{
		sessions:        make(map[string]*Session),
		byUser:          make(map[string]map[string]struct{}),
		idleThreshold:   idle,
		expiryThreshold: expiry,
		now:             time.Now,
	}
}

// SetThresholds applies thresholds at runtime.
func (m *Manager) SetThresholds(idle, expiry time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleThreshold = idle
	m.expiryThreshold = expiry
}

// Thresholds returns the active idle and expiry thresholds.
func (m *Manager) Thresholds() (time.Duration, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idleThreshold, m.expiryThreshold
}

// OnExpire registers a callback fired (in its own goroutine) when Sweep
// expires a session.
func (m *Manager) OnExpire(fn func(s Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Create opens a new session for userID and returns it.
func (m *Manager) Create(userID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		State:     StateActive,
		CreatedAt: now,
		LastSeen:  now,
	}
	m.sessions[s.Token] = s
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][s.Token] = struct{}{}
	return *s
}

// Resolve returns the session for token and records activity on it.
func (m *Manager) Resolve(token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return Session{}, core.ErrSessionNotFound
	}

	now := m.now()
	m.transition(s, now)
	if s.State == StateExpired {
		return Session{}, core.ErrSessionExpired
	}

	s.State = StateActive
	s.LastSeen = now
	s.InvokeCount++
	return *s, nil
}

// Revoke ends one session. Unknown tokens are ignored.
func (m *Manager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[token]; ok {
		m.remove(s)
	}
}

// RevokeUser ends every session of userID and returns how many there were.
func (m *Manager) RevokeUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := m.byUser[userID]
	n := len(tokens)
	for token := range tokens {
		m.remove(m.sessions[token])
	}
	return n
}

// Get returns the session for token without recording activity.
func (m *Manager) Get(token string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sweep advances every session's state and removes expired ones.
// Returns the number removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	now := m.now()
	var expired []Session
	for _, s := range m.sessions {
		m.transition(s, now)
		if s.State == StateExpired {
			expired = append(expired, *s)
			m.remove(s)
		}
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	if onExpire != nil {
		for _, s := range expired {
			go onExpire(s)
		}
	}
	return len(expired)
}

// transition moves s forward according to its inactivity. Caller holds mu.
func (m *Manager) transition(s *Session, now time.Time) {
	elapsed := now.Sub(s.LastSeen)
	switch {
	case m.expiryThreshold > 0 && elapsed > m.expiryThreshold:
		s.State = StateExpired
	case m.idleThreshold > 0 && elapsed > m.idleThreshold && s.State == StateActive:
		s.State = StateIdle
	}
}

func (m *Manager) remove(s *Session) {
	delete(m.sessions, s.Token)
	if tokens := m.byUser[s.UserID]; tokens != nil {
		delete(tokens, s.Token)
		if len(tokens) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountUser returns the number of sessions held by userID.
func (m *Manager) CountUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// Stats returns manager statistics
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stateCounts := map[string]int{
		"active":  0,
		"idle":    0,
		"expired": 0,
	}
	for _, s := range m.sessions {
		stateCounts[s.State.String()]++
	}

	return map[string]any{
		"total_sessions":     len(m.sessions),
		"users":              len(m.byUser),
		"state_distribution": stateCounts,
		"idle_threshold":     m.idleThreshold.String(),
		"expiry_threshold":   m.expiryThreshold.String(),
	}
}
