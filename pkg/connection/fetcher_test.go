package connection

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolsBody = `{"jsonrpc":"2.0","id":1,"result":{"tools":[
	{"name":"ns_runReport","description":"Run a saved report","inputSchema":{"type":"object"}},
	{"name":"ns_getRecord","description":"Load a record"}
]}}`

type rpcServer struct {
	*httptest.Server
	hits     atomic.Int32
	lastAuth atomic.Value
	lastBody atomic.Value
}

func newRPCServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *rpcServer {
	t.Helper()
	s := &rpcServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.lastAuth.Store(r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		s.lastBody.Store(string(body))
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func reply(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestFetcher_ListTools(t *testing.T) {
	srv := newRPCServer(t, reply(http.StatusOK, toolsBody))
	f := NewFetcher(srv.URL, WithHTTPClient(srv.Client()))

	tools, err := f.ListTools(context.Background(), "1234567", "access-abc")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "ns_runReport", tools[0].Name())
	assert.Equal(t, "Run a saved report", tools[0].Description())
	assert.Equal(t, "ns_getRecord", tools[1].Name())
	assert.JSONEq(t, `{"name":"ns_getRecord","description":"Load a record"}`, string(tools[1].Raw()))

	assert.Equal(t, "Bearer access-abc", srv.lastAuth.Load())

	var req map[string]any
	require.NoError(t, json.Unmarshal([]byte(srv.lastBody.Load().(string)), &req))
	assert.Equal(t, "2.0", req["jsonrpc"])
	assert.Equal(t, "tools/list", req["method"])
	assert.Equal(t, map[string]any{}, req["params"])
	assert.NotNil(t, req["id"])
}

func TestFetcher_ExpandsAccount(t *testing.T) {
	var gotHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		reply(http.StatusOK, toolsBody)(w, r)
	}))
	defer srv.Close()

	// Route every host to the test server so the templated host name can be observed.
	proxy, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxy)}}
	f := NewFetcher("http://{accountId}.mcp.test/services/mcp/v1/all", WithHTTPClient(client))

	_, err = f.ListTools(context.Background(), "1234567_SB1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "1234567-sb1.mcp.test", gotHost)
}

func TestFetcher_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"error":"invalid_token"}`,
			check: func(t *testing.T, err error) {
				var authErr *core.ToolFetchAuthError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
				assert.Equal(t, core.CodeToolFetchAuth, core.ErrorCode(err))
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   `{}`,
			check: func(t *testing.T, err error) {
				var authErr *core.ToolFetchAuthError
				require.ErrorAs(t, err, &authErr)
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `oops`,
			check: func(t *testing.T, err error) {
				var fetchErr *core.ToolFetchError
				require.ErrorAs(t, err, &fetchErr)
				assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)
				assert.Equal(t, "oops", fetchErr.Body)
			},
		},
		{
			name:   "rpc error envelope",
			status: http.StatusOK,
			body:   `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`,
			check: func(t *testing.T, err error) {
				var rpcErr *core.RPCError
				require.ErrorAs(t, err, &rpcErr)
				assert.Equal(t, -32601, rpcErr.Code)
				assert.Equal(t, "Method not found", rpcErr.Message)
				assert.Equal(t, core.CodeToolFetch, core.ErrorCode(err))
			},
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   `{"result":`,
			check: func(t *testing.T, err error) {
				var fetchErr *core.ToolFetchError
				require.ErrorAs(t, err, &fetchErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRPCServer(t, reply(tt.status, tt.body))
			f := NewFetcher(srv.URL, WithHTTPClient(srv.Client()), WithRetries(3), WithRetryInterval(time.Millisecond))

			tools, err := f.ListTools(context.Background(), "1234567", "tok")
			assert.Nil(t, tools)
			tt.check(t, err)
			assert.Equal(t, int32(1), srv.hits.Load(), "HTTP and RPC errors are not retried")
		})
	}
}

func TestFetcher_MissingToolsIsEmpty(t *testing.T) {
	for _, body := range []string{`{"jsonrpc":"2.0","id":1,"result":{}}`, `{"jsonrpc":"2.0","id":1}`} {
		srv := newRPCServer(t, reply(http.StatusOK, body))
		f := NewFetcher(srv.URL, WithHTTPClient(srv.Client()))

		tools, err := f.ListTools(context.Background(), "1234567", "tok")
		require.NoError(t, err)
		assert.NotNil(t, tools)
		assert.Empty(t, tools)
	}
}

func TestFetcher_RetriesNetworkErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// Drop the connection without a response.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("hijack failed: %v", err)
				return
			}
			_ = conn.Close()
			return
		}
		reply(http.StatusOK, toolsBody)(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, WithHTTPClient(srv.Client()), WithRetries(2), WithRetryInterval(time.Millisecond))
	tools, err := f.ListTools(context.Background(), "1234567", "tok")
	require.NoError(t, err)
	assert.Len(t, tools, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetcher_NetworkErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	f := NewFetcher(endpoint, WithHTTPClient(&http.Client{Timeout: time.Second}), WithRetries(1), WithRetryInterval(time.Millisecond))
	_, err := f.ListTools(context.Background(), "1234567", "tok")

	var netErr *core.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "tools/list", netErr.Op)
	assert.True(t, strings.Contains(err.Error(), "network error"))
}

func TestFetcher_ContextDoneIsNetworkError(t *testing.T) {
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
			reply(http.StatusOK, toolsBody)(w, r)
		case <-r.Context().Done():
		}
	}

	tests := []struct {
		name   string
		newCtx func() (context.Context, context.CancelFunc)
		cause  error
	}{
		{
			name: "deadline exceeded",
			newCtx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			cause: context.DeadlineExceeded,
		},
		{
			name: "cancelled before the call",
			newCtx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			cause: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRPCServer(t, slow)
			f := NewFetcher(srv.URL, WithHTTPClient(srv.Client()), WithRetries(0), WithRetryInterval(time.Millisecond))

			ctx, cancel := tt.newCtx()
			defer cancel()
			_, err := f.ListTools(ctx, "1234567", "tok")

			var netErr *core.NetworkError
			require.ErrorAs(t, err, &netErr)
			assert.Equal(t, "tools/list", netErr.Op)
			assert.ErrorIs(t, err, tt.cause)
			assert.Equal(t, core.CodeNetwork, core.ErrorCode(err))
		})
	}
}

func TestFetcher_InvalidEndpointIsConfigError(t *testing.T) {
	f := NewFetcher("http://bad host/{accountId}", WithRetries(0))
	_, err := f.ListTools(context.Background(), "1234567", "tok")
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestToolDescriptor_JSON(t *testing.T) {
	conn := Connection{Tools: []ToolDescriptor{NewToolDescriptor([]byte(`{"name":"a"}`))}}
	data, err := json.Marshal(conn)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tools":[{"name":"a"}]`)

	var back Connection
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Tools, 1)
	assert.Equal(t, "a", back.Tools[0].Name())
	assert.Equal(t, []string{"a"}, back.ToolNames())
}
