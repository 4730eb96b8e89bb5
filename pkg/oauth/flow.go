package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-training/netsuite-mcp/pkg/core"
)

// CallbackParams are the query parameters delivered to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Flow orchestrates initiation and completion of authorization attempts and
// keeps issued tokens bound to the session that started them.
type Flow struct {
	authorizer *Authorizer
	tokens     *TokenClient
	store      core.Store
}

// NewFlow wires an Authorizer and TokenClient around store.
func NewFlow(provider *Provider, store core.Store, httpClient *http.Client) *Flow {
	return &Flow{
		authorizer: NewAuthorizer(provider, store),
		tokens:     NewTokenClient(provider, httpClient),
		store:      store,
	}
}

// Begin starts an attempt for sessionID and returns the authorization URL.
func (f *Flow) Begin(ctx context.Context, sessionID string, client core.ClientConfig) (string, error) {
	return f.authorizer.BuildAuthorizationURL(ctx, sessionID, client)
}

// HandleCallback completes an attempt. The state is consumed whatever the
// outcome, and on success the tokens are stored under sessionID.
func (f *Flow) HandleCallback(ctx context.Context, sessionID string, p CallbackParams) (*core.TokenSet, error) {
	log := core.LoggerFromCtx(ctx)

	if p.Error != "" {
		f.discard(ctx, p.State)
		log.Warn("authorization denied by provider", "error", p.Error, "description", p.ErrorDescription)
		return nil, &core.AuthorizationDeniedError{Code: p.Error, Description: p.ErrorDescription}
	}
	if p.Code == "" {
		f.discard(ctx, p.State)
		return nil, &core.AuthorizationDeniedError{Code: "missing_code", Description: "callback carried no authorization code"}
	}

	tokens, err := f.ExchangeCodeForTokens(ctx, sessionID, p.Code, p.State)
	if err != nil {
		return nil, err
	}
	if err := f.store.SaveTokens(ctx, sessionID, tokens); err != nil {
		return nil, fmt.Errorf("failed to bind tokens to session: %w", err)
	}
	return tokens, nil
}

// ExchangeCodeForTokens consumes the attempt recorded under state and trades
// code for tokens. An unknown, expired or replayed state fails with
// core.ErrInvalidState before any request is made, as does a state issued to
// another session.
func (f *Flow) ExchangeCodeForTokens(ctx context.Context, sessionID, code, state string) (*core.TokenSet, error) {
	oc, err := f.store.ConsumeOAuthContext(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("callback: %w", err)
	}
	if sessionID != "" && oc.SessionID != sessionID {
		core.LoggerFromCtx(ctx).Warn("state presented by a different session")
		return nil, fmt.Errorf("callback: %w: session mismatch", core.ErrInvalidState)
	}
	return f.tokens.Exchange(ctx, oc, code)
}

// Tokens returns the tokens bound to sessionID.
func (f *Flow) Tokens(ctx context.Context, sessionID string) (*core.TokenSet, error) {
	return f.store.GetTokens(ctx, sessionID)
}

// Refresh renews the session's access token and stores the merged set.
func (f *Flow) Refresh(ctx context.Context, sessionID string) (*core.TokenSet, error) {
	current, err := f.store.GetTokens(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	client := core.ClientConfig{AccountID: current.AccountID, ClientID: current.ClientID}
	if client.ClientID == "" {
		return nil, &core.ConfigError{Field: "clientId", Reason: "is not recorded with the session tokens"}
	}

	refreshed, err := f.tokens.Refresh(ctx, client, current)
	if err != nil {
		return nil, err
	}
	if err := f.store.SaveTokens(ctx, sessionID, refreshed); err != nil {
		return nil, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}
	return refreshed, nil
}

// Logout forgets the tokens bound to sessionID. An unknown session is not an error.
func (f *Flow) Logout(ctx context.Context, sessionID string) error {
	if err := f.store.DeleteTokens(ctx, sessionID); err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		return err
	}
	return nil
}

func (f *Flow) discard(ctx context.Context, state string) {
	if state == "" {
		return
	}
	if _, err := f.store.ConsumeOAuthContext(ctx, state); err != nil && !errors.Is(err, core.ErrInvalidState) {
		core.LoggerFromCtx(ctx).Warn("failed to discard oauth context", "error", err)
	}
}
