package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"
	"github.com/redis/rueidis"
)

const (
	// Key prefixes for Redis storage
	oauthStatePrefix = "oauth_state:"
	sessionPrefix    = "session_tokens:"
)

// RedisStore implements the core.Store interface using Redis via rueidis.
// Expiry of abandoned attempts and sessions is delegated to key TTLs.
type RedisStore struct {
	client     rueidis.Client
	sessionTTL time.Duration
}

// NewRedisStore creates a new instance of RedisStore with the provided rueidis client.
func NewRedisStore(client rueidis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		sessionTTL: DefaultSessionTTL,
	}
}

// RedisOptions contains configuration for Redis connection.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
}

// NewRedisStoreFromOptions creates a new RedisStore with simplified options.
func NewRedisStoreFromOptions(opts RedisOptions) (*RedisStore, error) {
	clientOpts := rueidis.ClientOption{
		InitAddress: []string{opts.Addr},
		Password:    opts.Password,
		SelectDB:    opts.DB,
	}
	store, err := NewRedisStoreFromClientOption(clientOpts)
	if err != nil {
		return nil, err
	}
	if opts.SessionTTL > 0 {
		store.sessionTTL = opts.SessionTTL
	}
	return store, nil
}

// NewRedisStoreFromClientOption creates a new RedisStore with full rueidis client options.
func NewRedisStoreFromClientOption(opts rueidis.ClientOption) (*RedisStore, error) {
	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return NewRedisStore(client), nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() {
	r.client.Close()
}

// SaveOAuthContext stores a pending attempt in Redis with a TTL derived from ExpiresAt.
func (r *RedisStore) SaveOAuthContext(ctx context.Context, oc *core.OAuthContext) error {
	if oc == nil {
		return ErrNilOAuthContext
	}
	if oc.State == "" {
		return ErrEmptyState
	}

	data, err := json.Marshal(oc)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth context: %w", err)
	}

	ttl := DefaultStateTTL
	if oc.ExpiresAt > 0 {
		ttl = time.Until(time.Unix(oc.ExpiresAt, 0))
	}
	if ttl <= 0 {
		return errors.New("oauth context is already expired")
	}

	key := oauthStatePrefix + oc.State
	cmd := r.client.B().Set().Key(key).Value(string(data)).ExSeconds(ceilSeconds(ttl)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save oauth context to redis: %w", err)
	}
	return nil
}

// ConsumeOAuthContext uses GETDEL so only one of several racing callbacks
// receives the context.
func (r *RedisStore) ConsumeOAuthContext(ctx context.Context, state string) (*core.OAuthContext, error) {
	if state == "" {
		return nil, core.ErrInvalidState
	}

	key := oauthStatePrefix + state
	cmd := r.client.B().Getdel().Key(key).Build()
	result, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, core.ErrInvalidState
		}
		return nil, fmt.Errorf("failed to consume oauth context from redis: %w", err)
	}

	var oc core.OAuthContext
	if err := json.Unmarshal([]byte(result), &oc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal oauth context: %w", err)
	}

	// Redis TTL should handle this, but the key may outlive ExpiresAt by up to a second.
	if oc.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: state expired", core.ErrInvalidState)
	}
	return &oc, nil
}

// SaveTokens binds a token set to a session for the session TTL.
func (r *RedisStore) SaveTokens(ctx context.Context, sessionID string, tokens *core.TokenSet) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if tokens == nil {
		return ErrNilTokens
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal token set: %w", err)
	}

	key := sessionPrefix + sessionID
	cmd := r.client.B().Set().Key(key).Value(string(data)).ExSeconds(ceilSeconds(r.sessionTTL)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save token set to redis: %w", err)
	}
	return nil
}

// GetTokens retrieves the token set bound to a session.
// It returns core.ErrSessionNotFound if the session does not exist or has expired.
func (r *RedisStore) GetTokens(ctx context.Context, sessionID string) (*core.TokenSet, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	key := sessionPrefix + sessionID
	cmd := r.client.B().Get().Key(key).Build()
	result, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get token set from redis: %w", err)
	}

	var tokens core.TokenSet
	if err := json.Unmarshal([]byte(result), &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token set: %w", err)
	}
	return &tokens, nil
}

// DeleteTokens removes the token set bound to a session.
// It returns core.ErrSessionNotFound if the session does not exist.
func (r *RedisStore) DeleteTokens(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}

	key := sessionPrefix + sessionID
	cmd := r.client.B().Del().Key(key).Build()
	result, err := r.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete token set from redis: %w", err)
	}
	if result == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

func ceilSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
