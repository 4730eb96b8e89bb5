package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/core"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	sessionCookie = "ns_session"
	// sessionHeader lets MCP clients that cannot hold cookies name their session.
	sessionHeader = "Mcp-Session-Key"
	sessionCtxKey = "session_id"
)

// corsMiddleware answers preflight requests and allows the MCP and session
// headers from any origin.
func corsMiddleware() gin.HandlerFunc {
	headers := []string{"Mcp-Protocol-Version", "Mcp-Session-Id", sessionHeader, "Authorization", "Content-Type"}
	allowedMethods := []string{"GET", "POST", "DELETE", "OPTIONS"}
	return func(c *gin.Context) {
		// origins are unrestricted; the session cookie is SameSite=Lax
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", strings.Join(allowedMethods, ", "))
		c.Header("Access-Control-Allow-Headers", strings.Join(headers, ", "))
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// sessionMiddleware binds every request to a session id carried in a cookie,
// issuing a new one when absent, and stores it with a request id in the
// request context.
func sessionMiddleware(ttl time.Duration, secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(sessionCookie)
		if err != nil || uuid.Validate(id) != nil {
			id = core.NewSessionID()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(sessionCookie, id, int(ttl.Seconds()), "/", "", secure, true)
		}
		c.Set(sessionCtxKey, id)
		ctx := core.WithSessionID(core.WithRequestID(c.Request.Context()), id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// sessionFromRequest resolves the session for MCP requests: the explicit
// header first, then the browser cookie.
func sessionFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(sessionHeader)); id != "" {
		return id
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}
