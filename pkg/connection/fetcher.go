package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"
	"github.com/go-training/netsuite-mcp/pkg/oauth"

	"github.com/cenkalti/backoff/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultEndpoint is the NetSuite MCP endpoint template.
const DefaultEndpoint = "https://{accountId}.suitetalk.api.netsuite.com/services/mcp/v1/all"

const maxResponseBytes = 4 << 20

var tracer = otel.Tracer("github.com/go-training/netsuite-mcp/pkg/connection")

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// Fetcher calls tools/list on the account's MCP endpoint.
type Fetcher struct {
	endpoint        string
	httpClient      *http.Client
	retries         uint64
	initialInterval time.Duration
	nextID          atomic.Int64
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient sets the client used for tools/list calls.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithRetries sets how many times a transport failure is retried.
func WithRetries(n int) FetcherOption {
	return func(f *Fetcher) {
		if n >= 0 {
			f.retries = uint64(n)
		}
	}
}

// WithRetryInterval sets the first backoff interval.
func WithRetryInterval(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.initialInterval = d
		}
	}
}

// NewFetcher returns a Fetcher for endpoint, which may contain the account placeholder.
func NewFetcher(endpoint string, opts ...FetcherOption) *Fetcher {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	f := &Fetcher{
		endpoint:        endpoint,
		retries:         2,
		initialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = core.NewHTTPClient(0)
	}
	f.nextID.Store(time.Now().UnixMilli())
	return f
}

// ListTools returns the tools advertised for accountID. Only transport
// failures are retried; HTTP and RPC errors are returned as they are.
func (f *Fetcher) ListTools(ctx context.Context, accountID, accessToken string) ([]ToolDescriptor, error) {
	ctx, span := tracer.Start(ctx, "mcp.tools_list")
	defer span.End()
	span.SetAttributes(attribute.String("netsuite.account_id", accountID))

	url := oauth.ExpandAccount(f.endpoint, accountID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.retries), ctx)

	var tools []ToolDescriptor
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		tools, err = f.listOnce(ctx, url, accessToken)
		if err == nil {
			return nil
		}
		var netErr *core.NetworkError
		if errors.As(err, &netErr) {
			core.LoggerFromCtx(ctx).Warn("tools/list transport failure", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		// backoff reports a cancelled or expired ctx as the bare ctx.Err()
		if !isTyped(err) {
			err = &core.NetworkError{Op: "tools/list", Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "tools/list failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("mcp.tool_count", len(tools)))
	return tools, nil
}

func (f *Fetcher) listOnce(ctx context.Context, url, accessToken string) ([]ToolDescriptor, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      f.nextID.Add(1),
		Method:  string(mcp.MethodToolsList),
		Params:  map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tools/list request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &core.ConfigError{Field: "mcpUrl", Reason: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &core.NetworkError{Op: "tools/list", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &core.NetworkError{Op: "tools/list", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &core.ToolFetchAuthError{StatusCode: resp.StatusCode, Body: string(body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &core.ToolFetchError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if !gjson.ValidBytes(body) {
		return nil, &core.ToolFetchError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if rpcErr := gjson.GetBytes(body, "error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		return nil, &core.RPCError{
			Code:    int(rpcErr.Get("code").Int()),
			Message: rpcErr.Get("message").String(),
		}
	}

	result := gjson.GetBytes(body, "result.tools")
	if !result.IsArray() {
		return []ToolDescriptor{}, nil
	}
	tools := make([]ToolDescriptor, 0, len(result.Array()))
	result.ForEach(func(_, value gjson.Result) bool {
		tools = append(tools, NewToolDescriptor([]byte(value.Raw)))
		return true
	})
	return tools, nil
}

// isTyped reports whether err already carries one of the core error kinds.
func isTyped(err error) bool {
	var (
		netErr   *core.NetworkError
		authErr  *core.ToolFetchAuthError
		fetchErr *core.ToolFetchError
		rpcErr   *core.RPCError
	)
	return errors.As(err, &netErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &fetchErr) ||
		errors.As(err, &rpcErr) ||
		errors.Is(err, core.ErrConfiguration)
}
