// Package svclifecycle wraps kardianos/service so the tunnel agent (C7)
// installs and runs as a platform service (A4 of SPEC_FULL.md), grounded
// in the teacher's host-agent service wrapper
// (apps/host-agent/cmd/agent/main.go), generalized from a hardcoded
// Windows-service struct to a reusable wrapper around any ctx-driven run
// function.
package svclifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kardianos/service"
)

// RunFunc is the long-running body of the service: it must return once ctx
// is cancelled.
type RunFunc func(ctx context.Context) error

// Identity names the installed service for the OS service manager.
type Identity struct {
	Name        string
	DisplayName string
	Description string
}

// program adapts RunFunc to kardianos/service.Interface. cancel is set by
// Start's goroutine and read by Stop, which may run on a different
// goroutine (the service manager's), so it's guarded by mu rather than
// left a bare field.
type program struct {
	run    RunFunc
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	go p.runUntilStopped()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info("service stop requested")
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (p *program) runUntilStopped() {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	if err := p.run(ctx); err != nil {
		p.logger.Error("service exited with error", "error", err)
	}
}

// New constructs a kardianos/service.Service wrapping run under the given
// Identity. The caller drives install/uninstall/run-in-foreground from its
// own flag handling, mirroring the teacher's cmd/agent/main.go switch.
func New(id Identity, run RunFunc, logger *slog.Logger) (service.Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := &service.Config{
		Name:        id.Name,
		DisplayName: id.DisplayName,
		Description: id.Description,
	}
	p := &program{run: run, logger: logger}
	return service.New(p, cfg)
}

// Interactive reports whether the process is attached to an interactive
// terminal rather than being launched by the OS service manager.
func Interactive() bool {
	return service.Interactive()
}
