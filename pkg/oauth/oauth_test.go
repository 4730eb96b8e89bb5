package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"
	"github.com/go-training/netsuite-mcp/pkg/pkce"
	"github.com/go-training/netsuite-mcp/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedirect = "http://localhost:3001/auth/callback?tenant=a b&x=1"

func testClient() core.ClientConfig {
	return core.ClientConfig{
		AccountID:   "1234567_SB1",
		ClientID:    "client-abc",
		Scopes:      []string{"mcp"},
		RedirectURI: testRedirect,
	}
}

type tokenEndpoint struct {
	hits  atomic.Int32
	forms chan url.Values
}

// newTokenServer answers every request with status and body and records the posted form.
func newTokenServer(t *testing.T, status int, body string) (*httptest.Server, *tokenEndpoint) {
	t.Helper()
	ep := &tokenEndpoint{forms: make(chan url.Values, 8)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep.hits.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		ep.forms <- r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, ep
}

func newTestProvider(tokenURL string) *Provider {
	p := NewProvider()
	p.AuthURL = "https://{accountId}.app.netsuite.com/app/login/oauth2/authorize.nl"
	p.TokenURL = tokenURL
	return p
}

func TestAccountHost(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1234567", "1234567"},
		{"1234567_SB1", "1234567-sb1"},
		{" TSTDRV99 ", "tstdrv99"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AccountHost(tt.in))
	}
	assert.Equal(t, "https://1234567-sb1.app.netsuite.com/x", ExpandAccount("https://{accountId}.app.netsuite.com/x", "1234567_SB1"))
}

func TestBuildAuthorizationURL(t *testing.T) {
	s := store.NewMemoryStore()
	a := NewAuthorizer(newTestProvider("http://unused"), s)

	raw, err := a.BuildAuthorizationURL(context.Background(), "session-1", testClient())
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "1234567-sb1.app.netsuite.com", u.Host)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-abc", q.Get("client_id"))
	assert.Equal(t, testRedirect, q.Get("redirect_uri"))
	assert.Equal(t, "mcp", q.Get("scope"))
	assert.Equal(t, "sha256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("state"))
	require.NotEmpty(t, q.Get("code_challenge"))

	oc, err := s.ConsumeOAuthContext(context.Background(), q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "session-1", oc.SessionID)
	assert.Equal(t, testClient(), oc.Client)
	assert.Len(t, oc.PKCE.CodeVerifier, pkce.DefaultVerifierLength)

	challenge, err := pkce.Challenge(oc.PKCE.CodeVerifier, pkce.MethodSHA256)
	require.NoError(t, err)
	assert.Equal(t, challenge, q.Get("code_challenge"))
	assert.Equal(t, oc.ExpiresAt-oc.CreatedAt, int64((10 * time.Minute).Seconds()))
}

func TestBuildAuthorizationURL_Options(t *testing.T) {
	p := newTestProvider("http://unused")
	p.RFCMethodName = true
	p.ExtraAuthParams = map[string]string{"account": "{accountId}", "prompt": "login"}

	s := store.NewMemoryStore()
	raw, err := NewAuthorizer(p, s).BuildAuthorizationURL(context.Background(), "session-1", testClient())
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.Equal(t, "1234567-sb1", u.Query().Get("account"))
	assert.Equal(t, "login", u.Query().Get("prompt"))

	p.Method = pkce.MethodPlain
	raw, err = NewAuthorizer(p, s).BuildAuthorizationURL(context.Background(), "session-1", testClient())
	require.NoError(t, err)
	u, _ = url.Parse(raw)
	assert.Equal(t, "plain", u.Query().Get("code_challenge_method"))
}

func TestBuildAuthorizationURL_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.ClientConfig, *Provider)
		field  string
	}{
		{"missing account", func(c *core.ClientConfig, _ *Provider) { c.AccountID = "" }, "accountId"},
		{"missing client", func(c *core.ClientConfig, _ *Provider) { c.ClientID = "" }, "clientId"},
		{"missing redirect", func(c *core.ClientConfig, _ *Provider) { c.RedirectURI = "" }, "redirectUri"},
		{"verifier too short", func(_ *core.ClientConfig, p *Provider) { p.VerifierLength = 42 }, "pkce"},
		{"verifier too long", func(_ *core.ClientConfig, p *Provider) { p.VerifierLength = 129 }, "pkce"},
		{"state too short", func(_ *core.ClientConfig, p *Provider) { p.StateBytes = 8 }, "stateLength"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient()
			p := newTestProvider("http://unused")
			tt.mutate(&client, p)

			s := store.NewMemoryStore()
			_, err := NewAuthorizer(p, s).BuildAuthorizationURL(context.Background(), "session-1", client)

			var cfgErr *core.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Equal(t, core.CodeConfiguration, core.ErrorCode(err))

			contexts, _ := s.Len()
			assert.Zero(t, contexts, "nothing may be stored on a configuration error")
		})
	}
}

func beginAttempt(t *testing.T, f *Flow, sessionID string) string {
	t.Helper()
	raw, err := f.Begin(context.Background(), sessionID, testClient())
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestExchangeCodeForTokens(t *testing.T) {
	srv, ep := newTokenServer(t, http.StatusOK,
		`{"access_token":"abc","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600,"id_token":"idt"}`)
	s := store.NewMemoryStore()
	f := NewFlow(newTestProvider(srv.URL), s, srv.Client())

	state := beginAttempt(t, f, "session-1")
	issued := time.Now()

	tokens, err := f.HandleCallback(context.Background(), "session-1", CallbackParams{Code: "the-code", State: state})
	require.NoError(t, err)

	assert.Equal(t, "abc", tokens.AccessToken)
	assert.Equal(t, "rt-1", tokens.RefreshToken)
	assert.Equal(t, "idt", tokens.IDToken)
	assert.Equal(t, "1234567_SB1", tokens.AccountID)
	assert.Equal(t, "client-abc", tokens.ClientID)
	assert.WithinDuration(t, issued.Add(3600*time.Second), tokens.ExpiresAt, time.Second)

	form := <-ep.forms
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, testRedirect, form.Get("redirect_uri"))
	assert.Equal(t, "client-abc", form.Get("client_id"))
	assert.Len(t, form.Get("code_verifier"), pkce.DefaultVerifierLength)
	_, hasSecret := form["client_secret"]
	assert.False(t, hasSecret, "public clients must not send a secret")

	bound, err := f.Tokens(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", bound.AccessToken)

	// Replaying the same callback must not be accepted again.
	_, err = f.HandleCallback(context.Background(), "session-1", CallbackParams{Code: "the-code", State: state})
	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.Equal(t, int32(1), ep.hits.Load())
}

func TestExchangeCodeForTokens_ConfidentialClient(t *testing.T) {
	srv, ep := newTokenServer(t, http.StatusOK, `{"access_token":"abc","expires_in":3600}`)
	p := newTestProvider(srv.URL)
	p.ClientSecret = "s3cret"
	f := NewFlow(p, store.NewMemoryStore(), srv.Client())

	state := beginAttempt(t, f, "session-1")
	_, err := f.HandleCallback(context.Background(), "session-1", CallbackParams{Code: "c", State: state})
	require.NoError(t, err)

	form := <-ep.forms
	assert.Equal(t, "s3cret", form.Get("client_secret"))
}

func TestExchangeCodeForTokens_UnknownState(t *testing.T) {
	srv, ep := newTokenServer(t, http.StatusOK, `{"access_token":"abc"}`)
	f := NewFlow(newTestProvider(srv.URL), store.NewMemoryStore(), srv.Client())

	_, err := f.ExchangeCodeForTokens(context.Background(), "session-1", "code", "forged")
	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.Equal(t, core.CodeInvalidState, core.ErrorCode(err))
	assert.Zero(t, ep.hits.Load(), "no request may reach the token endpoint")
}

func TestExchangeCodeForTokens_SessionMismatch(t *testing.T) {
	srv, ep := newTokenServer(t, http.StatusOK, `{"access_token":"abc"}`)
	f := NewFlow(newTestProvider(srv.URL), store.NewMemoryStore(), srv.Client())

	state := beginAttempt(t, f, "victim")
	_, err := f.HandleCallback(context.Background(), "attacker", CallbackParams{Code: "c", State: state})
	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.Zero(t, ep.hits.Load())

	// The state was consumed by the rejected attempt.
	_, err = f.HandleCallback(context.Background(), "victim", CallbackParams{Code: "c", State: state})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestExchangeCodeForTokens_EndpointError(t *testing.T) {
	body := `{"error":"invalid_grant","error_description":"code expired"}`
	srv, _ := newTokenServer(t, http.StatusBadRequest, body)
	f := NewFlow(newTestProvider(srv.URL), store.NewMemoryStore(), srv.Client())

	state := beginAttempt(t, f, "session-1")
	_, err := f.HandleCallback(context.Background(), "session-1", CallbackParams{Code: "c", State: state})

	var exErr *core.TokenExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, http.StatusBadRequest, exErr.StatusCode)
	assert.Equal(t, "invalid_grant", exErr.ErrorCode)
	assert.Equal(t, body, exErr.Body)
	assert.Equal(t, "authorization_code", exErr.Grant)
	assert.Equal(t, core.CodeTokenExchange, core.ErrorCode(err))

	_, err = f.Tokens(context.Background(), "session-1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestExchangeCodeForTokens_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tokenURL := srv.URL
	srv.Close()

	f := NewFlow(newTestProvider(tokenURL), store.NewMemoryStore(), &http.Client{Timeout: time.Second})
	state := beginAttempt(t, f, "session-1")

	_, err := f.HandleCallback(context.Background(), "session-1", CallbackParams{Code: "c", State: state})
	var netErr *core.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, core.CodeNetwork, core.ErrorCode(err))
}

func TestHandleCallback_ProviderError(t *testing.T) {
	srv, ep := newTokenServer(t, http.StatusOK, `{"access_token":"abc"}`)
	s := store.NewMemoryStore()
	f := NewFlow(newTestProvider(srv.URL), s, srv.Client())

	state := beginAttempt(t, f, "session-1")
	_, err := f.HandleCallback(context.Background(), "session-1", CallbackParams{
		State:            state,
		Error:            "access_denied",
		ErrorDescription: "user cancelled",
	})

	var denied *core.AuthorizationDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "access_denied", denied.Code)
	assert.Equal(t, "access_denied", core.ErrorCode(err))
	assert.Zero(t, ep.hits.Load())

	contexts, _ := s.Len()
	assert.Zero(t, contexts, "a failed callback still invalidates its state")
}

func TestHandleCallback_MissingCode(t *testing.T) {
	f := NewFlow(newTestProvider("http://unused"), store.NewMemoryStore(), nil)
	state := beginAttempt(t, f, "session-1")

	_, err := f.HandleCallback(context.Background(), "session-1", CallbackParams{State: state})
	assert.Equal(t, "missing_code", core.ErrorCode(err))
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantRefresh string
	}{
		{
			name:        "rotated refresh token replaces the old one",
			body:        `{"access_token":"new-access","refresh_token":"rt-2","expires_in":3600}`,
			wantRefresh: "rt-2",
		},
		{
			name:        "absent refresh token keeps the old one",
			body:        `{"access_token":"new-access","expires_in":3600}`,
			wantRefresh: "rt-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ep := newTokenServer(t, http.StatusOK, tt.body)
			s := store.NewMemoryStore()
			f := NewFlow(newTestProvider(srv.URL), s, srv.Client())
			ctx := context.Background()

			require.NoError(t, s.SaveTokens(ctx, "session-1", &core.TokenSet{
				AccessToken:  "old-access",
				RefreshToken: "rt-1",
				IDToken:      "idt",
				AccountID:    "1234567",
				ClientID:     "client-abc",
			}))

			got, err := f.Refresh(ctx, "session-1")
			require.NoError(t, err)
			assert.Equal(t, "new-access", got.AccessToken)
			assert.Equal(t, tt.wantRefresh, got.RefreshToken)
			assert.Equal(t, "idt", got.IDToken)
			assert.Equal(t, "1234567", got.AccountID)

			form := <-ep.forms
			assert.Equal(t, "refresh_token", form.Get("grant_type"))
			assert.Equal(t, "rt-1", form.Get("refresh_token"))
			assert.Equal(t, "client-abc", form.Get("client_id"))

			stored, err := s.GetTokens(ctx, "session-1")
			require.NoError(t, err)
			assert.Equal(t, got.AccessToken, stored.AccessToken)
			assert.Equal(t, tt.wantRefresh, stored.RefreshToken)
		})
	}
}

func TestRefresh_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		f := NewFlow(newTestProvider("http://unused"), store.NewMemoryStore(), nil)
		_, err := f.Refresh(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrSessionNotFound)
	})

	t.Run("no refresh token", func(t *testing.T) {
		s := store.NewMemoryStore()
		require.NoError(t, s.SaveTokens(ctx, "s", &core.TokenSet{AccessToken: "a", ClientID: "c"}))
		f := NewFlow(newTestProvider("http://unused"), s, nil)
		_, err := f.Refresh(ctx, "s")
		var exErr *core.TokenExchangeError
		assert.ErrorAs(t, err, &exErr)
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		srv, _ := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
		s := store.NewMemoryStore()
		require.NoError(t, s.SaveTokens(ctx, "s", &core.TokenSet{AccessToken: "a", RefreshToken: "r", ClientID: "c"}))
		f := NewFlow(newTestProvider(srv.URL), s, srv.Client())

		_, err := f.Refresh(ctx, "s")
		var exErr *core.TokenExchangeError
		require.ErrorAs(t, err, &exErr)
		assert.Equal(t, "refresh_token", exErr.Grant)
		assert.Equal(t, "invalid_grant", exErr.ErrorCode)

		stored, err := s.GetTokens(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, "a", stored.AccessToken, "a failed refresh leaves the session untouched")
	})
}

func TestLogout(t *testing.T) {
	s := store.NewMemoryStore()
	f := NewFlow(newTestProvider("http://unused"), s, nil)
	ctx := context.Background()

	require.NoError(t, s.SaveTokens(ctx, "s", &core.TokenSet{AccessToken: "a"}))
	require.NoError(t, f.Logout(ctx, "s"))
	require.NoError(t, f.Logout(ctx, "s"))

	_, err := f.Tokens(ctx, "s")
	assert.True(t, errors.Is(err, core.ErrSessionNotFound))
}
