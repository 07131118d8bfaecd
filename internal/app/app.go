package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/keysync/internal/bridge"
	"github.com/florianilch/keysync/internal/browser"
	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/events"
	"github.com/florianilch/keysync/internal/lifecycle"
	"github.com/florianilch/keysync/internal/metrics"
	"github.com/florianilch/keysync/internal/profile"
	"github.com/florianilch/keysync/internal/provider"
	"github.com/florianilch/keysync/internal/redirect"
)

// eventBuffer is how many events a slow subscriber may lag behind.
const eventBuffer = 32

// Compile-time check to ensure the system browser can open authorization URLs
var _ lifecycle.Opener = (*browser.Opener)(nil)

// Option customizes how an App is wired.
type Option func(*options)

type options struct {
	opener    lifecycle.Opener
	transport http.RoundTripper
	registry  *prometheus.Registry
}

// WithOpener replaces the system browser.
func WithOpener(o lifecycle.Opener) Option {
	return func(opts *options) {
		opts.opener = o
	}
}

// WithTransport sets the base transport for all provider requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(opts *options) {
		opts.transport = rt
	}
}

// WithRegistry sets the metrics registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(opts *options) {
		opts.registry = r
	}
}

// App orchestrates the lifecycle of the bridge server and related services.
type App struct {
	cfg     *Config
	store   *configstore.Store
	bus     *events.Bus
	manager *lifecycle.Manager
	bridge  *bridge.Bridge
}

// New creates a new App instance. Client secrets are read here, so a
// misconfigured secret store fails early.
func New(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{
		opener:    browser.New(),
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	o.transport = &provider.UserAgentTransport{Base: o.transport}

	store, err := configstore.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create config store: %w", err)
	}

	m, err := metrics.New(o.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	clients, err := newTokenClients(ctx, cfg, o.transport)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(eventBuffer)

	manager, err := lifecycle.New(store, clients,
		lifecycle.WithFlowTimeout(cfg.Flow.Timeout),
		lifecycle.WithOpener(o.opener),
		lifecycle.WithPublisher(bus),
		lifecycle.WithMetrics(m),
		lifecycle.WithRedirectDecoder(redirect.NewDecoder(cfg.Redirect.Scheme)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	fetcher, err := profile.NewFetcher(manager, store,
		profile.WithTransport(o.transport),
		profile.WithPublisher(bus),
		profile.WithMetrics(m),
	)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create profile fetcher: %w", err)
	}

	bridgeServer, err := bridge.New(store, manager, fetcher,
		bridge.WithEvents(bus),
		bridge.WithMetrics(o.registry),
		bridge.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	return &App{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		manager: manager,
		bridge:  bridgeServer,
	}, nil
}

// Handler exposes the bridge, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.bridge
}

// Close releases background work owned by the App. Start calls it on
// shutdown; callers that never start the App call it themselves.
func (a *App) Close() error {
	return a.manager.Close()
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	created, err := a.store.EnsureExists(ctx)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("config store: %w", err)
	}
	if created {
		slog.InfoContext(ctx, "created config file", "path", a.store.Path())
	}

	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Address()
	// Run in reverse order: the manager stops last.
	shutdownFuncs := []func(context.Context) error{
		func(context.Context) error { return a.Close() },
	}

	slog.InfoContext(gCtx, "starting bridge server", "address", address)
	bridgeErrCh, err := a.bridge.Start(gCtx, address)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("bridge startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.bridge.Shutdown)

	if a.cfg.Store.Watch {
		sub, err := a.store.Watch()
		if err != nil {
			_ = a.bridge.Shutdown(context.Background())
			_ = a.Close()
			return fmt.Errorf("config watcher startup failed: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return sub.Close() })

		g.Go(func() error {
			a.relayConfigChanges(gCtx, sub.Events())
			return nil
		})
	}

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-bridgeErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "bridge runtime error", "error", err)
				return fmt.Errorf("bridge: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready",
		"address", address,
		"config", a.store.Path(),
		"providers", providerNames(a.manager.Providers()))

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// relayConfigChanges announces changes of config.json until ctx ends.
func (a *App) relayConfigChanges(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			slog.DebugContext(ctx, "config file changed", "path", a.store.Path())
			a.bus.Publish(events.New(events.KindConfigChanged, "", "Config file changed"))
		}
	}
}

// newTokenClients builds a client for every configured provider.
func newTokenClients(ctx context.Context, cfg *Config, transport http.RoundTripper) ([]lifecycle.TokenClient, error) {
	var clients []lifecycle.TokenClient

	for _, id := range provider.All {
		pc, ok := cfg.Provider(id)
		if !ok {
			continue
		}
		defaults, _ := provider.DefaultsFor(id)

		endpoint := defaults.Endpoint
		if pc.AuthURL != "" {
			endpoint.AuthURL = pc.AuthURL
		}
		if pc.TokenURL != "" {
			endpoint.TokenURL = pc.TokenURL
		}
		scopes := defaults.Scopes
		if len(pc.Scopes) > 0 {
			scopes = pc.Scopes
		}

		secrets, err := pc.Secret.Open(id.String())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s secret store: %w", id, err)
		}
		secret, err := secrets.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s client secret: %w", id, err)
		}

		c, err := provider.NewClient(id, provider.Settings{
			ClientID:        pc.ClientID,
			ClientSecret:    secret,
			Endpoint:        endpoint,
			RedirectURL:     pc.RedirectURL,
			Scopes:          scopes,
			AuthCodeOptions: defaults.AuthCodeOptions,
		}, provider.WithTransport(transport))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", id, err)
		}
		clients = append(clients, c)
	}

	if len(clients) == 0 {
		slog.WarnContext(ctx, "no provider configured; set providers.<name>.client_id")
	}
	return clients, nil
}

func providerNames(ids []provider.ID) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	return names
}
