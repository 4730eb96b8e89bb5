// Package config loads the service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/connection"
	"github.com/go-training/netsuite-mcp/pkg/core"
	"github.com/go-training/netsuite-mcp/pkg/oauth"
	"github.com/go-training/netsuite-mcp/pkg/pkce"
	"github.com/go-training/netsuite-mcp/pkg/store"

	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Environment string
	Port        string
	BaseURL     string
	LogLevel    string

	ClientID     string
	ClientSecret string
	AccountID    string
	Scopes       []string
	RedirectURI  string

	AuthURL  string
	TokenURL string
	MCPURL   string

	VerifierLength int
	Method         pkce.Method
	RFCMethodName  bool
	StateBytes     int
	StateTTL       time.Duration

	SessionTTL       time.Duration
	HTTPTimeout      time.Duration
	ToolFetchRetries int

	StoreType     store.StoreType
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads .env when present and then the process environment. Missing
// client credentials are not an error here; they surface when a login starts.
func Load() (Config, error) {
	_ = godotenv.Load()

	method, err := pkce.ParseMethod(getEnv("PKCE_CODE_CHALLENGE_METHOD", string(pkce.MethodSHA256)))
	if err != nil {
		return Config{}, fmt.Errorf("PKCE_CODE_CHALLENGE_METHOD: %w", err)
	}

	port := getEnv("PORT", "3001")
	baseURL := strings.TrimRight(getEnv("BASE_URL", "http://localhost:"+port), "/")

	cfg := Config{
		Environment: getEnv("ENV", "development"),
		Port:        port,
		BaseURL:     baseURL,
		LogLevel:    getEnv("LOG_LEVEL", ""),

		ClientID:     getEnv("NS_CLIENT_ID", ""),
		ClientSecret: getEnv("NS_CLIENT_SECRET", ""),
		AccountID:    getEnv("NS_ACCOUNT_ID", ""),
		Scopes:       getList("NS_SCOPE", []string{"mcp"}),
		RedirectURI:  baseURL + "/auth/callback",

		AuthURL:  getEnv("NS_AUTH_URL", oauth.DefaultAuthURL),
		TokenURL: getEnv("NS_TOKEN_URL", oauth.DefaultTokenURL),
		MCPURL:   getEnv("NS_MCP_URL", connection.DefaultEndpoint),

		VerifierLength: getInt("PKCE_LENGTH", pkce.DefaultVerifierLength),
		Method:         method,
		RFCMethodName:  getBool("PKCE_RFC_METHOD_NAME", false),
		StateBytes:     getInt("OAUTH_STATE_LENGTH", pkce.DefaultStateBytes),
		StateTTL:       getDuration("OAUTH_STATE_TTL", store.DefaultStateTTL),

		SessionTTL:       getDuration("SESSION_TTL", store.DefaultSessionTTL),
		HTTPTimeout:      getDuration("HTTP_TIMEOUT", core.DefaultHTTPTimeout),
		ToolFetchRetries: getInt("TOOL_FETCH_RETRIES", 2),

		StoreType:     store.ParseStoreType(getEnv("STORE", "memory")),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
	}
	return cfg, nil
}

// Client returns the per-attempt client configuration.
func (c Config) Client() core.ClientConfig {
	return core.ClientConfig{
		AccountID:   c.AccountID,
		ClientID:    c.ClientID,
		Scopes:      c.Scopes,
		RedirectURI: c.RedirectURI,
	}
}

// Provider returns the authorization server settings.
func (c Config) Provider() *oauth.Provider {
	p := oauth.NewProvider()
	p.AuthURL = c.AuthURL
	p.TokenURL = c.TokenURL
	p.ClientSecret = c.ClientSecret
	p.VerifierLength = c.VerifierLength
	p.Method = c.Method
	p.RFCMethodName = c.RFCMethodName
	p.StateBytes = c.StateBytes
	p.StateTTL = c.StateTTL
	return p
}

// Store returns the store factory configuration.
func (c Config) Store() store.Config {
	return store.Config{
		Type:       c.StoreType,
		SessionTTL: c.SessionTTL,
		Redis: store.RedisOptions{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		},
	}
}

// IsProduction reports whether ENV selects production behaviour.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return i
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
	}
	return def
}

// getList splits on commas and whitespace.
func getList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parts := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(parts) == 0 {
		return def
	}
	return parts
}
