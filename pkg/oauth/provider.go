// Package oauth implements the NetSuite authorization code flow with PKCE:
// building the authorization URL, exchanging the code on callback and
// refreshing issued tokens.
package oauth

import (
	"strings"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/pkce"

	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
)

// AccountPlaceholder is replaced in endpoint templates with the account host name.
const AccountPlaceholder = "{accountId}"

const (
	// DefaultAuthURL is the NetSuite authorization endpoint template.
	DefaultAuthURL = "https://{accountId}.app.netsuite.com/app/login/oauth2/authorize.nl"
	// DefaultTokenURL is the NetSuite token endpoint template.
	DefaultTokenURL = "https://{accountId}.suitetalk.api.netsuite.com/services/rest/auth/oauth2/v1/token"
)

var tracer = otel.Tracer("github.com/go-training/netsuite-mcp/pkg/oauth")

// Provider holds the authorization server settings shared by every attempt.
type Provider struct {
	// AuthURL and TokenURL may contain AccountPlaceholder.
	AuthURL  string
	TokenURL string
	// ClientSecret is sent only when set; an empty secret means a public client.
	ClientSecret string

	VerifierLength int
	Method         pkce.Method
	// RFCMethodName sends "S256" instead of the configured method name.
	RFCMethodName bool
	StateBytes    int
	StateTTL      time.Duration

	// ExtraAuthParams are appended to the authorization URL. Values may
	// contain AccountPlaceholder.
	ExtraAuthParams map[string]string
}

// NewProvider returns a Provider with NetSuite endpoints and default PKCE settings.
func NewProvider() *Provider {
	return &Provider{
		AuthURL:        DefaultAuthURL,
		TokenURL:       DefaultTokenURL,
		VerifierLength: pkce.DefaultVerifierLength,
		Method:         pkce.MethodSHA256,
		StateBytes:     pkce.DefaultStateBytes,
		StateTTL:       10 * time.Minute,
	}
}

// AccountHost converts an account id to the form used in NetSuite host
// names: sandbox ids such as 1234567_SB1 become 1234567-sb1.
func AccountHost(accountID string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(accountID)), "_", "-")
}

// ExpandAccount substitutes AccountPlaceholder in template.
func ExpandAccount(template, accountID string) string {
	return strings.ReplaceAll(template, AccountPlaceholder, AccountHost(accountID))
}

// methodParam is the code_challenge_method value sent on the authorization URL.
func (p *Provider) methodParam(m pkce.Method) string {
	if p.RFCMethodName {
		return m.WireName()
	}
	return string(m)
}

func (p *Provider) stateTTL() time.Duration {
	if p.StateTTL <= 0 {
		return 10 * time.Minute
	}
	return p.StateTTL
}

// oauth2Config builds the x/oauth2 configuration for one account and client.
// Credentials always travel in the form body so the secret is omitted for
// public clients.
func (p *Provider) oauth2Config(accountID, clientID, redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ExpandAccount(p.AuthURL, accountID),
			TokenURL:  ExpandAccount(p.TokenURL, accountID),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
}
