// Package main runs the NetSuite OAuth 2.0 PKCE login service and exposes the
// resulting connection through an MCP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-training/netsuite-mcp/pkg/config"
	"github.com/go-training/netsuite-mcp/pkg/connection"
	"github.com/go-training/netsuite-mcp/pkg/core"
	"github.com/go-training/netsuite-mcp/pkg/logger"
	"github.com/go-training/netsuite-mcp/pkg/oauth"
	"github.com/go-training/netsuite-mcp/pkg/store"

	"github.com/appleboy/graceful"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	var addr string
	var logLevel string
	var storeType string
	var redisAddr string
	var redisPassword string
	var redisDB int
	flag.StringVar(&addr, "addr", ":"+cfg.Port, "address to listen on")
	flag.StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR). Defaults to DEBUG in development, INFO in production")
	flag.StringVar(&storeType, "store", cfg.StoreType.String(), "Store type: memory or redis")
	flag.StringVar(&redisAddr, "redis-addr", cfg.RedisAddr, "Redis address (only used when store=redis)")
	flag.StringVar(&redisPassword, "redis-password", cfg.RedisPassword, "Redis password (only used when store=redis)")
	flag.IntVar(&redisDB, "redis-db", cfg.RedisDB, "Redis database (only used when store=redis)")
	flag.Parse()

	// Initialize logger with the specified log level
	logger.NewWithLevel(logLevel)

	cfg.StoreType = store.ParseStoreType(storeType)
	cfg.RedisAddr = redisAddr
	cfg.RedisPassword = redisPassword
	cfg.RedisDB = redisDB

	if cfg.ClientID == "" || cfg.AccountID == "" {
		slog.Warn("NS_CLIENT_ID or NS_ACCOUNT_ID is not set; /auth/login will fail until configured")
	}

	oauthStore, err := store.NewStore(cfg.Store())
	if err != nil {
		slog.Error("Failed to create store", "type", storeType, "error", err)
		os.Exit(1)
	}
	switch cfg.StoreType {
	case store.StoreTypeMemory:
		slog.Info("Using in-memory store")
	case store.StoreTypeRedis:
		slog.Info("Using Redis store", "addr", redisAddr, "db", redisDB)
	}

	httpClient := core.NewHTTPClient(cfg.HTTPTimeout)
	flow := oauth.NewFlow(cfg.Provider(), oauthStore, httpClient)
	fetcher := connection.NewFetcher(cfg.MCPURL,
		connection.WithHTTPClient(httpClient),
		connection.WithRetries(cfg.ToolFetchRetries),
	)
	conns := connection.NewManager(fetcher,
		connection.WithOnConnected(func(e connection.ConnectedEvent) {
			slog.Info("NetSuite connection ready",
				"session_id", e.UserID,
				"account_id", e.AccountID,
				"tool_count", e.ToolCount,
			)
		}),
	)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewServer(cfg, flow, conns).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	m := graceful.NewManager()
	m.AddRunningJob(func(ctx context.Context) error {
		slog.Info("NetSuite MCP server listening", "addr", addr, "redirect_uri", cfg.RedirectURI)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	m.AddShutdownJob(func() error {
		slog.Info("Shutdown signal received, shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	if redisStore, ok := oauthStore.(*store.RedisStore); ok {
		m.AddShutdownJob(func() error {
			redisStore.Close()
			return nil
		})
	}

	<-m.Done()
	slog.Info("Server shutdown gracefully")
}
