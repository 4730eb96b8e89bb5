package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"
)

var (
	// ErrNilOAuthContext is returned when attempting to save a nil OAuth context.
	ErrNilOAuthContext = errors.New("oauth context cannot be nil")
	// ErrEmptyState is returned when the state string is empty.
	ErrEmptyState = errors.New("state cannot be empty")
	// ErrNilTokens is returned when attempting to save a nil token set.
	ErrNilTokens = errors.New("token set cannot be nil")
	// ErrEmptySessionID is returned when the session ID string is empty.
	ErrEmptySessionID = errors.New("session ID cannot be empty")
)

const (
	// DefaultStateTTL is the maximum age of an unconsumed OAuth context.
	DefaultStateTTL = 10 * time.Minute
	// DefaultSessionTTL is how long issued tokens stay bound to a session.
	DefaultSessionTTL = 24 * time.Hour
)

type sessionEntry struct {
	tokens    *core.TokenSet
	expiresAt time.Time
}

// MemoryStore implements the core.Store interface using in-memory maps.
// Expired entries are evicted lazily on writes; no background goroutine runs.
type MemoryStore struct {
	mu         sync.Mutex
	contexts   map[string]*core.OAuthContext
	sessions   map[string]sessionEntry
	sessionTTL time.Duration
	now        func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithSessionTTL sets how long tokens stay bound to a session.
func WithSessionTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if ttl > 0 {
			m.sessionTTL = ttl
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemoryStore creates a new instance of MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		contexts:   make(map[string]*core.OAuthContext),
		sessions:   make(map[string]sessionEntry),
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SaveOAuthContext stores a pending attempt keyed by its state.
// It returns an error if the context is nil or the state is empty.
func (m *MemoryStore) SaveOAuthContext(ctx context.Context, oc *core.OAuthContext) error {
	if oc == nil {
		return ErrNilOAuthContext
	}
	if oc.State == "" {
		return ErrEmptyState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked()
	clone := *oc
	m.contexts[oc.State] = &clone
	return nil
}

// ConsumeOAuthContext loads and deletes the context under a single lock, so
// a duplicated callback observes ErrInvalidState.
func (m *MemoryStore) ConsumeOAuthContext(ctx context.Context, state string) (*core.OAuthContext, error) {
	if state == "" {
		return nil, core.ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	oc, exists := m.contexts[state]
	if !exists {
		return nil, core.ErrInvalidState
	}
	delete(m.contexts, state)

	if oc.Expired(m.now()) {
		return nil, fmt.Errorf("%w: state expired", core.ErrInvalidState)
	}
	return oc, nil
}

// SaveTokens binds a token set to a session, replacing any previous set.
func (m *MemoryStore) SaveTokens(ctx context.Context, sessionID string, tokens *core.TokenSet) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if tokens == nil {
		return ErrNilTokens
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked()
	clone := *tokens
	m.sessions[sessionID] = sessionEntry{tokens: &clone, expiresAt: m.now().Add(m.sessionTTL)}
	return nil
}

// GetTokens returns the token set bound to a session.
// It returns core.ErrSessionNotFound if none exists.
func (m *MemoryStore) GetTokens(ctx context.Context, sessionID string) (*core.TokenSet, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.sessions[sessionID]
	if !exists || !m.now().Before(entry.expiresAt) {
		return nil, core.ErrSessionNotFound
	}
	clone := *entry.tokens
	return &clone, nil
}

// DeleteTokens removes the token set bound to a session.
// It returns core.ErrSessionNotFound if none exists.
func (m *MemoryStore) DeleteTokens(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; !exists {
		return core.ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

// Len returns the number of pending OAuth contexts and bound sessions.
func (m *MemoryStore) Len() (contexts, sessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts), len(m.sessions)
}

// evictLocked drops expired contexts and sessions. Caller holds m.mu.
func (m *MemoryStore) evictLocked() {
	now := m.now()
	for state, oc := range m.contexts {
		if oc.Expired(now) {
			delete(m.contexts, state)
		}
	}
	for id, entry := range m.sessions {
		if !now.Before(entry.expiresAt) {
			delete(m.sessions, id)
		}
	}
}
