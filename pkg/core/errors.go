package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing or invalid client configuration.
	ErrConfiguration = errors.New("oauth: configuration error")
	// ErrInvalidState is returned for unknown, expired or replayed state values.
	ErrInvalidState = errors.New("oauth: invalid or expired state")
	// ErrSessionNotFound is returned when no tokens are bound to a session.
	ErrSessionNotFound = errors.New("oauth: session not found")
)

// Stable codes reported to the surrounding layer.
const (
	CodeConfiguration       = "configuration_error"
	CodeInvalidState        = "invalid_state"
	CodeTokenExchange       = "token_exchange_failed"
	CodeToolFetchAuth       = "tool_fetch_unauthorized"
	CodeToolFetch           = "tool_fetch_failed"
	CodeNetwork             = "network_error"
	CodeSessionNotFound     = "session_not_found"
	CodeAuthorizationFailed = "auth_failed"
)

// ConfigError reports a missing or invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("oauth: configuration error: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// TokenExchangeError is a non-success answer from the token endpoint.
type TokenExchangeError struct {
	Grant      string
	StatusCode int
	Body       string
	// ErrorCode is the RFC 6749 error field when the body carried one.
	ErrorCode string
}

func (e *TokenExchangeError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("oauth: %s grant failed: status %d: %s", e.Grant, e.StatusCode, e.ErrorCode)
	}
	return fmt.Sprintf("oauth: %s grant failed: status %d", e.Grant, e.StatusCode)
}

// AuthorizationDeniedError carries the error returned by the provider on the callback.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth: authorization denied: %s: %s", e.Code, e.Description)
	}
	return "oauth: authorization denied: " + e.Code
}

// ToolFetchAuthError means the tool API rejected the access token.
// The caller must refresh and re-initialize.
type ToolFetchAuthError struct {
	StatusCode int
	Body       string
}

func (e *ToolFetchAuthError) Error() string {
	return fmt.Sprintf("mcp: tools/list unauthorized: status %d", e.StatusCode)
}

// ToolFetchError is any other non-success HTTP answer from the tool API.
type ToolFetchError struct {
	StatusCode int
	Body       string
}

func (e *ToolFetchError) Error() string {
	return fmt.Sprintf("mcp: tools/list failed: status %d", e.StatusCode)
}

// RPCError is a JSON-RPC error envelope returned by the tool API.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// NetworkError wraps transport-level failures of outbound calls.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrorCode maps err to the code reported by the callback endpoint.
// A provider denial is reported verbatim.
func ErrorCode(err error) string {
	var (
		denied    *AuthorizationDeniedError
		exchange  *TokenExchangeError
		fetchAuth *ToolFetchAuthError
		fetch     *ToolFetchError
		rpc       *RPCError
		network   *NetworkError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &denied):
		return denied.Code
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.As(err, &exchange):
		return CodeTokenExchange
	case errors.As(err, &fetchAuth):
		return CodeToolFetchAuth
	case errors.As(err, &fetch), errors.As(err, &rpc):
		return CodeToolFetch
	case errors.As(err, &network):
		return CodeNetwork
	default:
		return CodeAuthorizationFailed
	}
}
