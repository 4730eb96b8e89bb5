package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// ToolLister lists the remote tools visible to an access token.
type ToolLister interface {
	ListTools(ctx context.Context, accountID, accessToken string) ([]ToolDescriptor, error)
}

// RefreshFunc obtains a fresh token set for the user being initialized.
type RefreshFunc func(ctx context.Context) (*core.TokenSet, error)

// Manager owns at most one Connection per user id.
type Manager struct {
	lister ToolLister
	now    func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection

	refreshes   singleflight.Group
	onConnected func(ConnectedEvent)
	observer    func(userID string, state State)
}

// Option configures a Manager.
type Option func(*Manager)

// WithOnConnected registers a callback run after a connection is stored.
func WithOnConnected(fn func(ConnectedEvent)) Option {
	return func(m *Manager) {
		m.onConnected = fn
	}
}

// WithStateObserver registers a callback run on every state transition.
func WithStateObserver(fn func(userID string, state State)) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// NewManager returns a Manager fetching tools through lister.
func NewManager(lister ToolLister, opts ...Option) *Manager {
	m := &Manager{
		lister: lister,
		now:    time.Now,
		conns:  make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize fetches the user's tools and, on success, stores a connected
// Connection replacing any previous one.
//
// Any failure drops the user's stored connection, so Get never returns a
// record from an earlier attempt. An authorization failure from the tool API
// is returned as *core.ToolFetchAuthError. When
// refresh is non-nil and a refresh token is available, one
// failed -> refreshing -> retrying cycle is attempted first; a second
// authorization failure is final.
func (m *Manager) Initialize(ctx context.Context, userID string, cfg Config, refresh RefreshFunc) (*Connection, error) {
	if userID == "" {
		return nil, &core.ConfigError{Field: "userId", Reason: "is required"}
	}
	if cfg.AccountID == "" {
		m.Remove(userID)
		return nil, &core.ConfigError{Field: "accountId", Reason: "is required"}
	}

	conn := &Connection{
		UserID:    userID,
		AccountID: cfg.AccountID,
		State:     StateUninitialized,
		Tools:     []ToolDescriptor{},
	}
	if cfg.Tokens != nil {
		tokens := *cfg.Tokens
		conn.Tokens = &tokens
	}
	m.transition(conn, StateUninitialized)
	core.AddRequestAttributes(ctx,
		attribute.String("netsuite.user_id", userID),
		attribute.String("netsuite.account_id", cfg.AccountID),
	)

	if conn.Tokens.Empty() {
		return m.fail(ctx, conn, &core.ToolFetchAuthError{Body: "no access token"})
	}

	m.transition(conn, StateFetching)
	tools, err := m.lister.ListTools(ctx, conn.AccountID, conn.Tokens.AccessToken)

	var authErr *core.ToolFetchAuthError
	if errors.As(err, &authErr) && refresh != nil && conn.Tokens.RefreshToken != "" {
		m.transition(conn, StateFailed)
		m.transition(conn, StateRefreshing)

		fresh, rerr := m.refresh(ctx, userID, refresh)
		if rerr != nil {
			return m.fail(ctx, conn, fmt.Errorf("refresh after unauthorized tools/list: %w", rerr))
		}
		conn.Tokens = conn.Tokens.Merge(fresh)

		m.transition(conn, StateRetrying)
		tools, err = m.lister.ListTools(ctx, conn.AccountID, conn.Tokens.AccessToken)
	}
	if err != nil {
		return m.fail(ctx, conn, err)
	}

	conn.Tools = tools
	conn.Connected = true
	m.transition(conn, StateConnected)

	m.mu.Lock()
	m.conns[userID] = conn
	m.mu.Unlock()

	core.LoggerFromCtx(ctx).Info("mcp connection established",
		"user_id", userID,
		"account_id", conn.AccountID,
		"tool_count", len(tools),
	)
	if m.onConnected != nil {
		m.onConnected(ConnectedEvent{UserID: userID, AccountID: conn.AccountID, ToolCount: len(tools)})
	}
	return conn.clone(), nil
}

// Get returns a snapshot of the user's connection.
func (m *Manager) Get(userID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[userID]
	if !ok {
		return nil, false
	}
	return conn.clone(), true
}

// Remove drops the user's connection and reports whether one existed.
func (m *Manager) Remove(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[userID]
	delete(m.conns, userID)
	return ok
}

// Len returns the number of stored connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// refresh runs fn once per user even when several initializations race.
func (m *Manager) refresh(ctx context.Context, userID string, fn RefreshFunc) (*core.TokenSet, error) {
	v, err, shared := m.refreshes.Do(userID, func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	tokens, _ := v.(*core.TokenSet)
	if tokens.Empty() {
		return nil, &core.TokenExchangeError{Grant: "refresh_token", Body: "refresh returned no access token"}
	}
	if shared {
		core.LoggerFromCtx(ctx).Debug("joined in-flight token refresh", "user_id", userID)
	}
	return tokens, nil
}

func (m *Manager) fail(ctx context.Context, conn *Connection, err error) (*Connection, error) {
	conn.Connected = false
	conn.Err = err
	m.transition(conn, StateFailed)

	// a failed attempt replaces whatever an earlier one stored
	if m.Remove(conn.UserID) {
		core.LoggerFromCtx(ctx).Info("mcp connection dropped", "user_id", conn.UserID)
	}

	core.LoggerFromCtx(ctx).Warn("mcp connection failed",
		"user_id", conn.UserID,
		"account_id", conn.AccountID,
		"code", core.ErrorCode(err),
		"error", err,
	)
	return conn.clone(), err
}

func (m *Manager) transition(conn *Connection, state State) {
	conn.State = state
	conn.UpdatedAt = m.now()
	if m.observer != nil {
		m.observer(conn.UserID, state)
	}
}
