// Command ingress runs the mesh ingress process: the HTTP front door
// (C5) and WebSocket acceptor (C6) over a shared Registry (C3).
// Grounded in the teacher's gateway main.go bootstrap/shutdown sequence
// (apps/gateway/src/main.go).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/kloudcover/anywhere-mesh/internal/httpgateway"
	"github.com/kloudcover/anywhere-mesh/internal/identity"
	"github.com/kloudcover/anywhere-mesh/internal/ingressconfig"
	"github.com/kloudcover/anywhere-mesh/internal/meshmetrics"
	"github.com/kloudcover/anywhere-mesh/internal/registry"
	"github.com/kloudcover/anywhere-mesh/internal/wsingress"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	initLogger("info")
	slog.Info("starting anywhere-mesh ingress")

	cfg, err := ingressconfig.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	slog.Info("configuration loaded",
		"http_port", cfg.HTTPPort,
		"ws_port", cfg.WSPort,
		"max_connections", cfg.MaxConnections,
		"debug_services_enabled", cfg.DebugServicesEnabled,
	)

	signingKey, err := identity.LoadOrGenerateSigningKey(cfg.DataDir)
	if err != nil {
		slog.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}
	verifier := identity.NewHMACVerifier(signingKey, cfg.PrincipalAllowlist, 5*time.Minute)

	reg := registry.New()
	reg.SetGauge(meshmetrics.RegistryGauge())
	reg.SetBindCounter(meshmetrics.RegistryBindCounter())

	gwCfg := httpgateway.Config{
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		MaxBodyBytes:   int64(cfg.WSMaxMessageBytes),
		DebugServices:  cfg.DebugServicesEnabled,
	}
	gateway := httpgateway.New(reg, gwCfg, slog.Default().With("component", "httpgateway"))

	limits := frame.DefaultLimits()
	limits.MaxMessageBytes = cfg.WSMaxMessageBytes

	wsCfg := wsingress.Config{
		OriginAllowlist:  cfg.OriginAllowlist,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
		VerifyTimeout:    5 * time.Second,
		IdleTimeout:      time.Duration(cfg.WSIdleTimeoutSeconds) * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      20 * time.Second,
		MaxConnections:   cfg.MaxConnections,
		Limits:           limits,
	}
	ingress := wsingress.New(wsCfg, verifier, reg, slog.Default().With("component", "wsingress"))

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", gateway.Router())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      httpMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WSPort),
		Handler: ingress,
	}

	httpLn, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		slog.Error("failed to bind HTTP port", "addr", httpServer.Addr, "error", err)
		os.Exit(2)
	}
	wsLn, err := net.Listen("tcp", wsServer.Addr)
	if err != nil {
		slog.Error("failed to bind WebSocket port", "addr", wsServer.Addr, "error", err)
		os.Exit(2)
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("HTTP ingress listening", "addr", httpServer.Addr)
		if err := httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		slog.Info("WebSocket ingress listening", "addr", wsServer.Addr)
		if err := wsServer.Serve(wsLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error, shutting down", "error", err)
		shutdown(httpServer, wsServer)
		os.Exit(3)
	}

	shutdown(httpServer, wsServer)
	slog.Info("ingress shut down cleanly")
}

func shutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "addr", s.Addr, "error", err)
		}
	}
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
