package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"
	"github.com/go-training/netsuite-mcp/pkg/pkce"

	"golang.org/x/oauth2"
)

// Authorizer builds authorization URLs and records the pending attempt.
type Authorizer struct {
	provider *Provider
	store    core.Store
	now      func() time.Time
}

// NewAuthorizer returns an Authorizer writing pending attempts to store.
func NewAuthorizer(provider *Provider, store core.Store) *Authorizer {
	return &Authorizer{provider: provider, store: store, now: time.Now}
}

// BuildAuthorizationURL generates PKCE material and a state value, stores the
// attempt keyed by that state and returns the provider URL the user must visit.
// Missing client fields fail with a *core.ConfigError before anything is generated.
func (a *Authorizer) BuildAuthorizationURL(ctx context.Context, sessionID string, client core.ClientConfig) (string, error) {
	if err := client.Validate(); err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", &core.ConfigError{Field: "sessionId", Reason: "is required"}
	}

	material, err := pkce.Generate(a.provider.VerifierLength, a.provider.Method)
	if err != nil {
		return "", &core.ConfigError{Field: "pkce", Reason: err.Error()}
	}
	state, err := pkce.GenerateState(a.provider.StateBytes)
	if err != nil {
		return "", &core.ConfigError{Field: "stateLength", Reason: err.Error()}
	}

	now := a.now()
	oc := &core.OAuthContext{
		State:     state,
		SessionID: sessionID,
		PKCE:      *material,
		Client:    client,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(a.provider.stateTTL()).Unix(),
	}
	if err := a.store.SaveOAuthContext(ctx, oc); err != nil {
		return "", fmt.Errorf("failed to save oauth context: %w", err)
	}

	cfg := a.provider.oauth2Config(client.AccountID, client.ClientID, client.RedirectURI, client.Scopes)
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", material.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", a.provider.methodParam(material.Method)),
	}
	for k, v := range a.provider.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, ExpandAccount(v, client.AccountID)))
	}

	core.LoggerFromCtx(ctx).Debug("authorization attempt started",
		"account_id", client.AccountID,
		"client_id", client.ClientID,
		"method", material.Method,
	)
	return cfg.AuthCodeURL(state, opts...), nil
}
