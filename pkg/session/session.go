// Package session manages the registry of logical conversation slots, each
// exclusively owning one ephemeral execution context.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandrelay/sandrelay/pkg/log"
	"github.com/sandrelay/sandrelay/pkg/runtime"
)

// Session is one logical conversation slot. It is the sole owner of its
// execution context: releasing the session releases the context.
type Session struct {
	ID         string
	Context    runtime.Context
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Store is the injectable session registry. Implementations must be safe
// for use from a single request flow; a shared deployment can back this
// with an external store without touching the manager.
type Store interface {
	Get(id string) (*Session, bool)
	Put(s *Session)
	Delete(id string)
	// ListExpired returns sessions idle longer than ttl as of now.
	ListExpired(now time.Time, ttl time.Duration) []*Session
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *MemoryStore) Put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *MemoryStore) ListExpired(now time.Time, ttl time.Duration) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastUsedAt) > ttl {
			expired = append(expired, s)
		}
	}
	return expired
}

// Manager provisions, reuses and expires sessions.
type Manager struct {
	store Store
	rt    runtime.Runtime
	ttl   time.Duration
	now   func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStore replaces the default in-memory registry.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager over the given runtime with the given
// inactivity TTL.
func NewManager(rt runtime.Runtime, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store: NewMemoryStore(),
		rt:    rt,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create provisions a new session unconditionally and returns the
// provisioning timeline. On provisioning failure nothing is registered.
func (m *Manager) Create(ctx context.Context) (*Session, []runtime.Step, error) {
	ec, steps, err := m.rt.CreateContext(ctx)
	if err != nil {
		return nil, steps, err
	}
	now := m.now()
	s := &Session{
		ID:         "sess_" + uuid.NewString(),
		Context:    ec,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	m.store.Put(s)
	log.Info("session created", "session", s.ID, "context", ec.ID())
	return s, steps, nil
}

// GetOrCreate resolves an existing live session, bumping its last-used
// time, or provisions a new one when the id is empty or unknown.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Session, bool, []runtime.Step, error) {
	if sessionID != "" {
		if s, ok := m.store.Get(sessionID); ok {
			s.LastUsedAt = m.now()
			m.store.Put(s)
			return s, false, nil, nil
		}
	}
	s, steps, err := m.Create(ctx)
	if err != nil {
		return nil, false, steps, err
	}
	return s, true, steps, nil
}

// Stop releases a session's execution context and removes it from the
// registry. Unknown ids report stopped=false without error. Release errors
// are swallowed; the registry entry is removed regardless.
func (m *Manager) Stop(ctx context.Context, sessionID string) bool {
	s, ok := m.store.Get(sessionID)
	if !ok {
		return false
	}
	if err := s.Context.Release(ctx); err != nil {
		log.Warn("failed to release execution context", "session", s.ID, "error", err)
	}
	m.store.Delete(sessionID)
	log.Info("session stopped", "session", s.ID)
	return true
}

// SweepExpired releases and removes every session idle longer than the TTL.
// It must run before any other registry operation in a request.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) {
	for _, s := range m.store.ListExpired(now, m.ttl) {
		if err := s.Context.Release(ctx); err != nil {
			log.Warn("failed to release expired context", "session", s.ID, "error", err)
		}
		m.store.Delete(s.ID)
		log.Info("session expired", "session", s.ID, "idle", now.Sub(s.LastUsedAt).String())
	}
}
