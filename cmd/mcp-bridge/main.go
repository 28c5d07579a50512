// Command mcp-bridge serves the example operations over the streaming and
// stateless transports. It is configured from MCP_BRIDGE_* environment
// variables and, optionally, the TOML file named by MCP_BRIDGE_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpbridge "github.com/ggoodman/mcp-bridge-go"
	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/examples/echo"
	"github.com/ggoodman/mcp-bridge-go/internal/config"
	"github.com/ggoodman/mcp-bridge-go/internal/engine"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/operations"
	"github.com/ggoodman/mcp-bridge-go/sessions"
	"github.com/ggoodman/mcp-bridge-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-bridge-go/sessions/redishost"
	"github.com/ggoodman/mcp-bridge-go/stdio"
	"github.com/ggoodman/mcp-bridge-go/upstream"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-bridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, closeSource, err := newSource(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	ops, err := newOperations(cfg, log)
	if err != nil {
		return err
	}
	engineOpts := []engine.Option{
		engine.WithServerInfo(mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}),
		engine.WithInstructions(cfg.Instructions),
	}

	if cfg.Transport == config.TransportStdio {
		h := stdio.NewHandler(ops, src,
			stdio.WithLogger(log),
			stdio.WithMaxMessageBytes(int(cfg.MaxBodyBytes)),
			stdio.WithEngineOptions(engineOpts...),
		)
		if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	host, closeHost, err := newSessionHost(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHost()

	h := mcpbridge.New(ops,
		mcpbridge.WithLogger(log),
		mcpbridge.WithBasePath(cfg.BasePath),
		mcpbridge.WithResolver(newResolver(cfg, src)),
		mcpbridge.WithSessionHost(host),
		mcpbridge.WithQueueDepth(cfg.QueueDepth),
		mcpbridge.WithKeepAlive(cfg.KeepAlive),
		mcpbridge.WithMaxBodyBytes(cfg.MaxBodyBytes),
		mcpbridge.WithServerInfo(cfg.ServerName, cfg.ServerVersion),
		mcpbridge.WithInstructions(cfg.Instructions),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errc := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.listen", slog.String("addr", cfg.ListenAddr), slog.String("session_host", cfg.SessionHost))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Streams never finish on their own; end the sessions first so that
	// Shutdown can drain the connections.
	h.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("server.shutdown.ok")
	return nil
}

func newOperations(cfg config.Config, log *slog.Logger) (*operations.Registry, error) {
	ops := echo.Operations()
	if cfg.UpstreamURL != "" {
		opts := []upstream.Option{
			upstream.WithLogger(log),
			upstream.WithUserAgent(cfg.ServerName + "/" + cfg.ServerVersion),
		}
		if cfg.UpstreamHeader != "" {
			opts = append(opts, upstream.WithAuthorizer(upstream.Header(cfg.UpstreamHeader)))
		}
		if cfg.UpstreamRate > 0 {
			opts = append(opts, upstream.WithRateLimit(rate.Limit(cfg.UpstreamRate), cfg.UpstreamBurst))
		}
		client, err := upstream.New(cfg.UpstreamURL, opts...)
		if err != nil {
			return nil, err
		}
		ops = append(ops, echo.Fetch(client))
	}
	return operations.NewRegistry(ops...)
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var base slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.LogFormat == "text" {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: base}), nil
}

// newSource returns the single-tenant credential source, or nil when none is
// configured.
func newSource(ctx context.Context, cfg config.Config, log *slog.Logger) (auth.Source, func(), error) {
	switch {
	case cfg.StaticCredential != "":
		return auth.StaticSource(cfg.StaticCredential), func() {}, nil
	case cfg.CredentialEnv != "":
		return auth.EnvSource(cfg.CredentialEnv), func() {}, nil
	case cfg.CredentialFile != "":
		src, err := auth.NewFileSource(ctx, cfg.CredentialFile, log)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	}
	return nil, func() {}, nil
}

func newResolver(cfg config.Config, src auth.Source) *auth.Resolver {
	opts := []auth.Option{
		auth.WithHeader(cfg.CredentialHeader, cfg.CredentialScheme),
		auth.WithRealm(cfg.CredentialRealm),
	}
	if src != nil {
		opts = append(opts, auth.WithFallback(src))
	}

	var checks []auth.Check
	switch cfg.CredentialCheck {
	case config.CheckJWT:
		checks = append(checks, auth.JWTShape())
	case config.CheckPrefix:
		checks = append(checks, auth.Prefix(cfg.Prefixes()...))
	}
	if cfg.CredentialMinLength > 0 {
		checks = append(checks, auth.MinLength(cfg.CredentialMinLength))
	}
	if len(checks) > 0 {
		opts = append(opts, auth.WithCheck(auth.All(checks...)))
	}
	return auth.NewResolver(opts...)
}

func newSessionHost(ctx context.Context, cfg config.Config) (sessions.Host, func(), error) {
	if cfg.SessionHost != config.HostRedis {
		return memoryhost.New(), func() {}, nil
	}
	host, err := redishost.New(ctx, redishost.Config{
		RedisAddr: cfg.RedisAddr,
		KeyPrefix: cfg.RedisKeyPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return host, func() { _ = host.Close() }, nil
}
