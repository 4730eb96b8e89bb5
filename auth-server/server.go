package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/config"
	"github.com/go-training/netsuite-mcp/pkg/connection"
	"github.com/go-training/netsuite-mcp/pkg/core"
	"github.com/go-training/netsuite-mcp/pkg/oauth"
	"github.com/go-training/netsuite-mcp/pkg/operation"

	sloggin "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
)

// Server is the HTTP surface around the OAuth flow and the connection manager.
type Server struct {
	cfg   config.Config
	flow  *oauth.Flow
	conns *connection.Manager
	mcp   *server.MCPServer
}

// NewServer wires the flow and connection manager with an MCP server exposing
// the caller's connection.
func NewServer(cfg config.Config, flow *oauth.Flow, conns *connection.Manager) *Server {
	mcpServer := server.NewMCPServer(
		"netsuite-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithRecovery(),
	)
	operation.RegisterConnectionTools(mcpServer, conns)

	return &Server{
		cfg:   cfg,
		flow:  flow,
		conns: conns,
		mcp:   mcpServer,
	}
}

// ServeMCP returns a streamable HTTP server that injects the session of the
// caller into the tool context.
func (s *Server) ServeMCP() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithHeartbeatInterval(30*time.Second),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id := sessionFromRequest(r); id != "" {
				ctx = core.WithSessionID(ctx, id)
			}
			return core.WithRequestID(ctx)
		}),
	)
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(sloggin.SetLogger(), gin.Recovery(), corsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := router.Group("/auth", sessionMiddleware(s.cfg.SessionTTL, s.cfg.IsProduction()))
	auth.GET("/login", s.handleLogin)
	auth.GET("/callback", s.handleCallback)
	auth.POST("/refresh", s.handleRefresh)
	auth.GET("/status", s.handleStatus)
	auth.POST("/logout", s.handleLogout)

	mcpHandler := gin.WrapH(s.ServeMCP())
	router.POST("/mcp", mcpHandler)
	router.GET("/mcp", mcpHandler)
	router.DELETE("/mcp", mcpHandler)

	return router
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionCtxKey)
}

// handleLogin returns the NetSuite authorization URL for the caller's session,
// or redirects to it when redirect=true.
func (s *Server) handleLogin(c *gin.Context) {
	ctx := c.Request.Context()
	authURL, err := s.flow.Begin(ctx, sessionID(c), s.cfg.Client())
	if err != nil {
		core.LoggerFromCtx(ctx).Error("failed to initiate oauth flow", "error", err)
		writeError(c, err)
		return
	}
	if c.Query("redirect") == "true" {
		c.Redirect(http.StatusFound, authURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorizationUrl": authURL})
}

// handleCallback completes the attempt and initializes the connection.
func (s *Server) handleCallback(c *gin.Context) {
	ctx := c.Request.Context()
	log := core.LoggerFromCtx(ctx)
	sid := sessionID(c)

	params := oauth.CallbackParams{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	}
	log.Info("oauth callback received",
		"has_code", params.Code != "",
		"has_state", params.State != "",
		"error", params.Error,
	)

	tokens, err := s.flow.HandleCallback(ctx, sid, params)
	if err != nil {
		log.Error("oauth callback failed", "code", core.ErrorCode(err), "error", err)
		writeError(c, err)
		return
	}

	conn, err := s.conns.Initialize(ctx, sid, connection.Config{
		AccountID: tokens.AccountID,
		Tokens:    tokens,
	}, s.refreshFunc(sid))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected": conn.Connected,
		"accountId": conn.AccountID,
		"toolCount": len(conn.Tools),
		"tools":     conn.Tools,
	})
}

// handleRefresh renews the session's tokens and re-initializes the connection.
func (s *Server) handleRefresh(c *gin.Context) {
	ctx := c.Request.Context()
	sid := sessionID(c)

	tokens, err := s.flow.Refresh(ctx, sid)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := s.conns.Initialize(ctx, sid, connection.Config{
		AccountID: tokens.AccountID,
		Tokens:    tokens,
	}, nil)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected": conn.Connected,
		"expiresAt": tokens.ExpiresAt,
		"toolCount": len(conn.Tools),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	sid := sessionID(c)

	status := gin.H{
		"authenticated": false,
		"connected":     false,
		"state":         connection.StateUninitialized,
	}

	tokens, err := s.flow.Tokens(ctx, sid)
	switch {
	case err == nil:
		status["authenticated"] = true
		status["accountId"] = tokens.AccountID
		status["expired"] = tokens.Expired(0)
		if !tokens.ExpiresAt.IsZero() {
			status["expiresAt"] = tokens.ExpiresAt
		}
	case !errors.Is(err, core.ErrSessionNotFound):
		writeError(c, err)
		return
	}

	if conn, ok := s.conns.Get(sid); ok {
		status["connected"] = conn.Connected
		status["state"] = conn.State
		status["toolCount"] = len(conn.Tools)
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleLogout(c *gin.Context) {
	ctx := c.Request.Context()
	sid := sessionID(c)

	if err := s.flow.Logout(ctx, sid); err != nil {
		writeError(c, err)
		return
	}
	s.conns.Remove(sid)
	c.SetCookie(sessionCookie, "", -1, "/", "", s.cfg.IsProduction(), true)
	c.JSON(http.StatusOK, gin.H{"loggedOut": true})
}

// refreshFunc lets the connection manager renew the session's tokens after an
// unauthorized tool fetch.
func (s *Server) refreshFunc(sid string) connection.RefreshFunc {
	return func(ctx context.Context) (*core.TokenSet, error) {
		return s.flow.Refresh(ctx, sid)
	}
}

// writeError renders err as a stable error code.
func writeError(c *gin.Context, err error) {
	code := core.ErrorCode(err)
	c.JSON(statusFor(err), gin.H{"error": code, "message": err.Error()})
}

func statusFor(err error) int {
	var denied *core.AuthorizationDeniedError
	if errors.As(err, &denied) {
		return http.StatusBadRequest
	}

	switch core.ErrorCode(err) {
	case core.CodeConfiguration, core.CodeInvalidState:
		return http.StatusBadRequest
	case core.CodeSessionNotFound, core.CodeToolFetchAuth:
		return http.StatusUnauthorized
	case core.CodeTokenExchange, core.CodeToolFetch:
		return http.StatusBadGateway
	case core.CodeNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
