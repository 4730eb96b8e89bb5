package core

import (
	"context"
	"strings"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/pkce"
	"golang.org/x/oauth2"
)

// ClientConfig is the per-attempt client configuration recorded with the
// PKCE material. The client secret is deliberately not part of it.
type ClientConfig struct {
	AccountID   string   `json:"account_id"`
	ClientID    string   `json:"client_id"`
	Scopes      []string `json:"scopes"`
	RedirectURI string   `json:"redirect_uri"`
}

// Validate checks the fields required before an attempt can start.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.AccountID) == "" {
		return &ConfigError{Field: "accountId", Reason: "is required"}
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return &ConfigError{Field: "clientId", Reason: "is required"}
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		return &ConfigError{Field: "redirectUri", Reason: "is required"}
	}
	return nil
}

// OAuthContext is the in-flight state of one authorization attempt, keyed by
// its State value.
type OAuthContext struct {
	State     string        `json:"state"`
	SessionID string        `json:"session_id"`
	PKCE      pkce.Material `json:"pkce"`
	Client    ClientConfig  `json:"client"`
	CreatedAt int64         `json:"created_at"`
	ExpiresAt int64         `json:"expires_at"`
}

// Expired reports whether the context is past its maximum age at now.
func (c *OAuthContext) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt
}

// TokenSet is the token material issued to a session.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	AccountID    string    `json:"account_id"`
	ClientID     string    `json:"client_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Empty reports whether the set carries no access token.
func (t *TokenSet) Empty() bool {
	return t == nil || t.AccessToken == ""
}

// Expired reports whether the access token expires within margin.
// Tokens without an expiry never expire.
func (t *TokenSet) Expired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Merge returns the result of applying a refresh response to t. The refresh
// token is replaced only when the provider rotated it; otherwise the existing
// one is retained. The same rule applies to the ID token.
func (t *TokenSet) Merge(fresh *TokenSet) *TokenSet {
	merged := *fresh
	if merged.RefreshToken == "" {
		merged.RefreshToken = t.RefreshToken
	}
	if merged.IDToken == "" {
		merged.IDToken = t.IDToken
	}
	if merged.AccountID == "" {
		merged.AccountID = t.AccountID
	}
	if merged.ClientID == "" {
		merged.ClientID = t.ClientID
	}
	if merged.Scope == "" {
		merged.Scope = t.Scope
	}
	return &merged
}

// OAuth2Token converts the set for use with golang.org/x/oauth2 clients.
func (t *TokenSet) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
	if t.IDToken != "" {
		tok = tok.WithExtra(map[string]any{"id_token": t.IDToken})
	}
	return tok
}

// Store is the session-bound OAuth context store. It owns every mutation of
// in-flight PKCE material and of the tokens issued to a session.
type Store interface {
	// SaveOAuthContext records a pending attempt under its state value.
	SaveOAuthContext(ctx context.Context, oc *OAuthContext) error
	// ConsumeOAuthContext atomically loads and deletes the context for state.
	// A missing, expired or already consumed state yields ErrInvalidState.
	ConsumeOAuthContext(ctx context.Context, state string) (*OAuthContext, error)

	SaveTokens(ctx context.Context, sessionID string, tokens *TokenSet) error
	GetTokens(ctx context.Context, sessionID string) (*TokenSet, error)
	DeleteTokens(ctx context.Context, sessionID string) error
}
