package service

import (
	"context"
	"sync"

	"github.com/gorilla/mux"
)

// CoreConfig identifies a service and optionally pre-seeds its router.
type CoreConfig struct {
	ID      string
	Name    string
	Version string
	Router  *mux.Router
}

// Core is the minimal identity+router+lifecycle primitive every agent
// subsystem embeds: no attestation, no sealed identity, just a process.
type Core struct {
	id      string
	name    string
	version string

	mu      sync.RWMutex
	started bool
	router  *mux.Router
}

// NewCore builds a Core from config, defaulting to a fresh router.
func NewCore(cfg CoreConfig) *Core {
	router := cfg.Router
	if router == nil {
		router = mux.NewRouter()
	}
	return &Core{id: cfg.ID, name: cfg.Name, version: cfg.Version, router: router}
}

func (c *Core) ID() string      { return c.id }
func (c *Core) Name() string    { return c.name }
func (c *Core) Version() string { return c.version }

// Router returns the service's HTTP router.
func (c *Core) Router() *mux.Router {
	return c.router
}

// Start marks the core as started. Subsystems override Start via
// BaseService.WithHydrate/AddWorker rather than this method directly.
func (c *Core) Start(_ context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// Stop marks the core as stopped.
func (c *Core) Stop() error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (c *Core) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}
