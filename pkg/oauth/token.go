package oauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/go-training/netsuite-mcp/pkg/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// TokenClient talks to the token endpoint.
type TokenClient struct {
	provider   *Provider
	httpClient *http.Client
}

// NewTokenClient returns a TokenClient. A nil httpClient selects an
// instrumented client with the default timeout.
func NewTokenClient(provider *Provider, httpClient *http.Client) *TokenClient {
	if httpClient == nil {
		httpClient = core.NewHTTPClient(0)
	}
	return &TokenClient{provider: provider, httpClient: httpClient}
}

// Exchange trades an authorization code for tokens using the verifier and
// client settings recorded in oc. It is never retried: the code is single-use.
func (c *TokenClient) Exchange(ctx context.Context, oc *core.OAuthContext, code string) (*core.TokenSet, error) {
	ctx, span := tracer.Start(ctx, "oauth.exchange")
	defer span.End()
	span.SetAttributes(
		attribute.String("oauth.grant_type", grantAuthorizationCode),
		attribute.String("netsuite.account_id", oc.Client.AccountID),
	)

	cfg := c.provider.oauth2Config(oc.Client.AccountID, oc.Client.ClientID, oc.Client.RedirectURI, oc.Client.Scopes)
	tok, err := cfg.Exchange(c.clientContext(ctx), code, oauth2.VerifierOption(oc.PKCE.CodeVerifier))
	if err != nil {
		err = c.mapError(ctx, grantAuthorizationCode, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		return nil, err
	}

	tokens := tokenSetFrom(tok)
	tokens.AccountID = oc.Client.AccountID
	tokens.ClientID = oc.Client.ClientID
	core.LoggerFromCtx(ctx).Info("authorization code exchanged",
		"account_id", tokens.AccountID,
		"access_token", core.MaskToken(tokens.AccessToken),
		"expires_at", tokens.ExpiresAt,
	)
	return tokens, nil
}

// Refresh performs a refresh_token grant and merges the response into current.
// The refresh token is replaced only when the provider rotated it.
func (c *TokenClient) Refresh(ctx context.Context, client core.ClientConfig, current *core.TokenSet) (*core.TokenSet, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, &core.TokenExchangeError{Grant: grantRefreshToken, Body: "no refresh token available"}
	}

	ctx, span := tracer.Start(ctx, "oauth.refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("oauth.grant_type", grantRefreshToken),
		attribute.String("netsuite.account_id", client.AccountID),
	)

	cfg := c.provider.oauth2Config(client.AccountID, client.ClientID, client.RedirectURI, client.Scopes)
	// An empty access token forces the source to hit the token endpoint.
	src := cfg.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		err = c.mapError(ctx, grantRefreshToken, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "token refresh failed")
		return nil, err
	}

	fresh := tokenSetFrom(tok)
	// x/oauth2 carries the old refresh token forward when none is returned,
	// which is the rotation rule we want.
	merged := current.Merge(fresh)
	if client.AccountID != "" {
		merged.AccountID = client.AccountID
	}
	core.LoggerFromCtx(ctx).Info("access token refreshed",
		"account_id", merged.AccountID,
		"access_token", core.MaskToken(merged.AccessToken),
		"rotated", merged.RefreshToken != current.RefreshToken,
	)
	return merged, nil
}

func (c *TokenClient) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// mapError converts x/oauth2 failures into the typed error kinds.
func (c *TokenClient) mapError(ctx context.Context, grant string, err error) error {
	log := core.LoggerFromCtx(ctx)

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		log.Warn("token endpoint rejected request",
			"grant_type", grant,
			"status", status,
			"error_code", rErr.ErrorCode,
			"body", string(rErr.Body),
		)
		return &core.TokenExchangeError{
			Grant:      grant,
			StatusCode: status,
			Body:       string(rErr.Body),
			ErrorCode:  rErr.ErrorCode,
		}
	}

	var (
		urlErr *url.Error
		netErr net.Error
	)
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("token endpoint unreachable", "grant_type", grant, "error", err)
		return &core.NetworkError{Op: "oauth " + grant, Err: err}
	}

	log.Warn("token response rejected", "grant_type", grant, "error", err)
	return &core.TokenExchangeError{Grant: grant, StatusCode: http.StatusOK, Body: err.Error()}
}

func tokenSetFrom(tok *oauth2.Token) *core.TokenSet {
	ts := &core.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	return ts
}
