package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/drain"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/kinds"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/syncer"
	"github.com/roach88/offsync/internal/transport"
)

// Transport is what the engine needs from the network: drain replay and
// facade hydration share it.
type Transport interface {
	drain.Transport
}

// Engine owns one local cache, its request queue, and the machinery that
// drains the queue to the server.
//
// Thread-safety model:
//   - Facade(), Status(), HasPendingChanges(): safe from any goroutine
//   - Run(): call from one goroutine; returns when ctx is cancelled
//   - Close(): idempotent; stops the scheduler, then the bus, then the store
type Engine struct {
	cfg       config.Config
	bus       *event.Bus
	backend   Backend
	transport Transport
	probe     connectivity.Probe
	sched     *drain.Scheduler
	registry  *kinds.Registry
	ids       syncer.IDGenerator
	logger    *slog.Logger

	mu      sync.Mutex
	facades map[string]*syncer.Facade

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger    *slog.Logger
	transport Transport
	probe     connectivity.Probe
	ids       syncer.IDGenerator
	now       func() time.Time
	registry  *kinds.Registry
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the HTTP transport built from config.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithProbe replaces the connectivity probe built from config.
func WithProbe(p connectivity.Probe) Option {
	return func(o *options) { o.probe = p }
}

// WithIDGenerator replaces the UUID generator used by Create.
func WithIDGenerator(g syncer.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithClock sets the time source stamped on stored objects and requests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRegistry replaces the kind registry loaded from config.
func WithRegistry(r *kinds.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Open builds an Engine from cfg. The caller must Close it.
func Open(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	registry := o.registry
	if registry == nil {
		var err error
		registry, err = loadRegistry(cfg.KindsFile)
		if err != nil {
			return nil, err
		}
	}

	bus := event.NewBus(event.WithLogger(o.logger))
	backend, err := openBackend(cfg, bus, o.now, o.logger)
	if err != nil {
		bus.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		bus:       bus,
		backend:   backend,
		transport: o.transport,
		probe:     o.probe,
		registry:  registry,
		ids:       o.ids,
		logger:    o.logger,
		facades:   make(map[string]*syncer.Facade),
	}
	if e.transport == nil {
		e.transport = newHTTPTransport(cfg, o.logger)
	}
	if e.probe == nil {
		e.probe = newProbe(cfg, o.logger)
	}
	if e.ids == nil {
		e.ids = syncer.UUIDGenerator{}
	}

	e.sched = drain.New(backend, e.transport, e.probe,
		drain.WithBus(bus),
		drain.WithLogger(o.logger),
		drain.WithQuietWindow(cfg.Drain.QuietWindow),
	)

	e.logger.Info("engine opened",
		"database", cfg.Database,
		"backend", cfg.Backend,
		"kinds", registry.Names(),
		"pending", backend.Count(),
	)
	return e, nil
}

func loadRegistry(path string) (*kinds.Registry, error) {
	if path == "" {
		return kinds.Default()
	}
	reg, err := kinds.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load kinds: %w", err)
	}
	return reg, nil
}

func newHTTPTransport(cfg config.Config, logger *slog.Logger) *transport.HTTP {
	return transport.New(transport.Config{
		BaseURL:     cfg.Server.BaseURL,
		Timeout:     cfg.Server.Timeout,
		Headers:     cfg.Server.Headers,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
	}, transport.WithLogger(logger))
}

func newProbe(cfg config.Config, logger *slog.Logger) connectivity.Probe {
	switch {
	case cfg.Probe.Offline:
		return connectivity.NewSwitch(false)
	case cfg.ProbeURL() != "":
		return connectivity.NewHTTPProbe(cfg.ProbeURL(), connectivity.WithLogger(logger))
	default:
		return connectivity.NewSwitch(true)
	}
}

// Facade returns the sync facade for kind, creating it on first use.
func (e *Engine) Facade(kind string) (*syncer.Facade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	k, ok := e.registry.Lookup(kind)
	if !ok {
		return nil, record.NewValidationError("facade", fmt.Sprintf("unknown kind %q", kind))
	}
	if f, ok := e.facades[k.Name]; ok {
		return f, nil
	}
	f := syncer.NewFacade(k, e.backend, e.transport, e.sched,
		syncer.WithIDGenerator(e.ids),
		syncer.WithHeaders(e.cfg.Server.Headers),
		syncer.WithLogger(e.logger),
	)
	e.facades[k.Name] = f
	return f, nil
}

// Project returns the typed Project facade.
func (e *Engine) Project() (*syncer.ProjectFacade, error) {
	f, err := e.Facade("Project")
	if err != nil {
		return nil, err
	}
	return syncer.NewProjectFacade(f), nil
}

// Kinds returns the kind registry.
func (e *Engine) Kinds() *kinds.Registry { return e.registry }

// Bus returns the event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Scheduler returns the drain scheduler.
func (e *Engine) Scheduler() *drain.Scheduler { return e.sched }

// Object returns the cached object with id, whatever its kind.
func (e *Engine) Object(ctx context.Context, id string) (record.StoredObject, bool, error) {
	return e.backend.Get(ctx, id)
}

// PendingRequests returns the queued requests in sequence order.
func (e *Engine) PendingRequests(ctx context.Context) ([]record.QueuedRequest, error) {
	return e.backend.ListRequests(ctx)
}

// Close stops the scheduler (waiting for an in-flight cycle), closes the
// bus, and closes the store.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.sched.Close()
		e.bus.Close()
		e.closeErr = e.backend.Close()
		e.logger.Info("engine closed")
	})
	return e.closeErr
}
