package engine

import (
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/repository"
	"github.com/wehubfusion/Daedalus/pkg/resource"
	"github.com/wehubfusion/Daedalus/pkg/telemetry"
	"go.uber.org/zap"
)

// Config configures an Engine. Zero values fall back to defaults in
// Validate, except Logger and Registry which are required.
type Config struct {
	// Logger receives engine logs. Required.
	Logger *zap.Logger

	// Registry resolves node type tags to handlers. Required. Every
	// node's handler is resolved at load, before the first node runs.
	Registry *execution.Registry

	// Repository persists workflows and checkpoints. Optional; without
	// it Pause still checkpoints in memory and ResumeByID is unavailable.
	Repository repository.Repository

	// Provider supplies shared resources named in StartOptions.Resources.
	// Optional.
	Provider resource.Provider

	// Sink receives lifecycle telemetry. Defaults to NoopSink.
	Sink telemetry.Sink

	// MaxBranches bounds concurrently running branches across all forks
	// of a run. Zero autosizes via concurrency.LoadConfig.
	MaxBranches int

	// PoolWorkers sizes the for-each worker pool. Zero derives from the
	// branch limiter.
	PoolWorkers int

	// DefaultNodeTimeout applies to nodes without their own timeout.
	DefaultNodeTimeout time.Duration

	// ControlFlowTypes extends the built-in control-flow tag set.
	ControlFlowTypes []string
}

// DefaultNodeTimeoutFallback is the per-node budget when neither the node
// nor the engine configures one.
const DefaultNodeTimeoutFallback = 30 * time.Second

// DefaultConfig returns a config with defaults applied. Logger and Registry
// must still be supplied.
func DefaultConfig() Config {
	return Config{
		Sink:               telemetry.NoopSink{},
		DefaultNodeTimeout: DefaultNodeTimeoutFallback,
	}
}

// WithLogger sets the engine logger.
func (c Config) WithLogger(logger *zap.Logger) Config {
	c.Logger = logger
	return c
}

// WithRegistry sets the handler registry.
func (c Config) WithRegistry(registry *execution.Registry) Config {
	c.Registry = registry
	return c
}

// WithRepository sets the persistence backend.
func (c Config) WithRepository(repo repository.Repository) Config {
	c.Repository = repo
	return c
}

// WithProvider sets the resource provider.
func (c Config) WithProvider(provider resource.Provider) Config {
	c.Provider = provider
	return c
}

// WithSink sets the telemetry sink.
func (c Config) WithSink(sink telemetry.Sink) Config {
	c.Sink = sink
	return c
}

// WithMaxBranches bounds concurrent branches per run.
func (c Config) WithMaxBranches(n int) Config {
	c.MaxBranches = n
	return c
}

// WithDefaultNodeTimeout sets the fallback per-node budget.
func (c Config) WithDefaultNodeTimeout(d time.Duration) Config {
	c.DefaultNodeTimeout = d
	return c
}

// WithControlFlowTypes extends the control-flow tag set.
func (c Config) WithControlFlowTypes(types ...string) Config {
	c.ControlFlowTypes = append(c.ControlFlowTypes, types...)
	return c
}

// Validate checks required fields and applies defaults in place.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if c.Sink == nil {
		c.Sink = telemetry.NoopSink{}
	}
	if c.DefaultNodeTimeout <= 0 {
		c.DefaultNodeTimeout = DefaultNodeTimeoutFallback
	}
	if c.MaxBranches <= 0 || c.PoolWorkers <= 0 {
		cc := concurrency.LoadConfig()
		if c.MaxBranches <= 0 {
			c.MaxBranches = cc.MaxBranches
		}
		if c.PoolWorkers <= 0 {
			c.PoolWorkers = cc.PoolWorkers
		}
	}
	return nil
}
