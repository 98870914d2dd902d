// Command agent runs the tunnel agent process (C7): it dials the mesh
// ingress, registers a hostname, and proxies requests to a local HTTP
// service. Grounded in the teacher's host-agent cmd/agent/main.go
// install/uninstall/run-in-foreground switch
// (apps/host-agent/cmd/agent/main.go), generalized from a Windows
// streamer-process supervisor to the mesh agent's connection loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/agentconfig"
	"github.com/kloudcover/anywhere-mesh/internal/identity"
	"github.com/kloudcover/anywhere-mesh/internal/svclifecycle"
	"github.com/kloudcover/anywhere-mesh/internal/tunnelagent"
)

const (
	serviceName        = "AnywhereMeshAgent"
	serviceDisplayName = "Anywhere Mesh Tunnel Agent"
	serviceDescription = "Registers this host with an Anywhere Mesh ingress and proxies requests to a local service."
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+agentconfig.DefaultConfigPath+")")
		doInstall   = flag.Bool("install", false, "install as a platform service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the platform service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	id := svclifecycle.Identity{Name: serviceName, DisplayName: serviceDisplayName, Description: serviceDescription}
	svc, err := svclifecycle.New(id, func(ctx context.Context) error { return runAgent(ctx, cfg) }, slog.Default())
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)

	case *doRun, svclifecycle.Interactive():
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting agent in foreground mode")
		if err := runAgent(ctx, cfg); err != nil {
			slog.Error("agent exited with error", "error", err)
			os.Exit(3)
		}

	default:
		if err := svc.Run(); err != nil {
			slog.Error("service run failed", "error", err)
			os.Exit(3)
		}
	}
}

// runAgent wires the configured tunnel agent and blocks until ctx is
// cancelled or the connection loop gives up.
func runAgent(ctx context.Context, cfg *agentconfig.Config) error {
	signingKey, err := identity.LoadOrGenerateSigningKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	principal := cfg.Principal
	if principal == "" {
		principal = cfg.Hostname
	}

	agentCfg := tunnelagent.DefaultConfig()
	agentCfg.IngressURL = cfg.IngressURL
	agentCfg.LocalURL = cfg.LocalURL
	agentCfg.Hostname = cfg.Hostname
	agentCfg.ServiceName = cfg.ServiceName
	agentCfg.HealthPath = cfg.HealthPath
	agentCfg.RequestConcurrency = cfg.RequestConcurrency
	agentCfg.LocalRequestTimeout = cfg.LocalRequestTimeout()
	agentCfg.StableWindow = cfg.StableWindow()
	agentCfg.Reconnect = tunnelagent.Reconnect{
		InitialBackoff: cfg.Reconnect.InitialBackoff(),
		MaxBackoff:     cfg.Reconnect.MaxBackoff(),
		JitterRatio:    cfg.Reconnect.JitterRatio,
	}
	agentCfg.ProofProvider = func() (string, error) {
		return identity.MintProof(signingKey, principal, 5*time.Minute)
	}

	agent := tunnelagent.New(agentCfg, slog.Default().With("component", "tunnelagent"))

	slog.Info("agent starting",
		"ingress_url", cfg.IngressURL,
		"local_url", cfg.LocalURL,
		"hostname", cfg.Hostname,
	)
	err = agent.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
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
