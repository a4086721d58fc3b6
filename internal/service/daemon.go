// Package service provides the core service lifecycle management.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/config"
	"github.com/ternarybob/forge/internal/logger"
)

// Daemon manages the service lifecycle: the HTTP server, signal
// handling and graceful shutdown.
type Daemon struct {
	cfg    *config.Config
	server *http.Server
	log    arbor.ILogger

	stopCh  chan struct{}
	mu      sync.Mutex
	running bool

	// shutdownHooks run (in order) during graceful shutdown.
	shutdownHooks []func()
}

// NewDaemon creates a new daemon instance.
func NewDaemon(cfg *config.Config) *Daemon {
	return &Daemon{
		cfg:    cfg,
		log:    logger.GetLogger(),
		stopCh: make(chan struct{}),
	}
}

// OnShutdown registers a hook to run during graceful shutdown.
func (d *Daemon) OnShutdown(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdownHooks = append(d.shutdownHooks, fn)
}

// Start starts the daemon with the given HTTP handler.
func (d *Daemon) Start(handler http.Handler) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	d.server = &http.Server{
		Addr:              d.cfg.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: SSE streams live as long as their workflow.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		d.log.Info().Str("address", d.cfg.Address()).Msg("Starting forge-service")
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error().Err(err).Msg("Server error")
		}
	}()

	return nil
}

// Wait blocks until a stop signal arrives, then shuts down gracefully.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-d.stopCh:
		d.log.Info().Msg("Stop requested, shutting down")
	}

	d.shutdown()
}

// Stop signals the daemon to stop.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
}

func (d *Daemon) shutdown() {
	timeout := time.Duration(d.cfg.Service.ShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.log.Warn().Err(err).Msg("Graceful shutdown failed")
		}
	}

	d.mu.Lock()
	hooks := d.shutdownHooks
	d.running = false
	d.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	logger.Stop()
}
