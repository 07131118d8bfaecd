// Package bridge is the local HTTP surface of the running instance. The UI
// and later CLI invocations talk to it to read and replace the config,
// start logins, fetch profiles and forward redirect URIs. It also streams
// notifications over SSE and serves metrics.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/events"
	"github.com/florianilch/keysync/internal/lifecycle"
	"github.com/florianilch/keysync/internal/provider"
)

// Tokens is the part of the lifecycle manager the bridge drives.
type Tokens interface {
	Providers() []provider.ID
	State(id provider.ID) lifecycle.State
	Initiate(ctx context.Context, id provider.ID) (string, error)
	HandleRedirect(ctx context.Context, uri string) error
}

// Profiles fetches user profiles.
type Profiles interface {
	Fetch(ctx context.Context, id provider.ID) (configstore.UserProfile, error)
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// Compile-time checks against the concrete collaborators
var (
	_ Tokens     = (*lifecycle.Manager)(nil)
	_ Subscriber = (*events.Bus)(nil)
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithEvents enables GET /events.
func WithEvents(s Subscriber) Option {
	return func(b *Bridge) {
		b.events = s
	}
}

// WithMetrics enables GET /metrics for the given gatherer.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(b *Bridge) {
		b.gatherer = g
	}
}

// WithAllowedOrigins lists the browser origins allowed to call the bridge.
// Requests from any other origin are rejected.
func WithAllowedOrigins(origins ...string) Option {
	return func(b *Bridge) {
		b.allowedOrigins = append(b.allowedOrigins, origins...)
	}
}

// WithHeartbeat sets the keep-alive interval of event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Bridge) {
		b.heartbeat = d
	}
}

// Bridge serves the local command API.
type Bridge struct {
	store    *configstore.Store
	tokens   Tokens
	profiles Profiles

	events         Subscriber
	gatherer       prometheus.Gatherer
	allowedOrigins []string
	heartbeat      time.Duration

	handler http.Handler
	server  *http.Server
}

// Compile-time check that Bridge implements http.Handler
var _ http.Handler = (*Bridge)(nil)

// New creates a Bridge.
func New(store *configstore.Store, tokens Tokens, profiles Profiles, opts ...Option) (*Bridge, error) {
	if store == nil {
		return nil, fmt.Errorf("missing config store")
	}
	if tokens == nil {
		return nil, fmt.Errorf("missing token manager")
	}
	if profiles == nil {
		return nil, fmt.Errorf("missing profile fetcher")
	}

	b := &Bridge{
		store:     store,
		tokens:    tokens,
		profiles:  profiles,
		heartbeat: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", b.getConfig)
	mux.HandleFunc("PUT /config", b.setConfig)
	mux.HandleFunc("POST /login/{provider}", b.login)
	mux.HandleFunc("GET /userinfo/{provider}", b.userInfo)
	mux.HandleFunc("POST /callback", b.callback)
	mux.HandleFunc("GET /status", b.status)
	if b.events != nil {
		mux.HandleFunc("GET /events", b.streamEvents)
	}
	if b.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{}))
	}

	b.handler = applyMiddlewares(mux,
		Logging(slog.Default()),
		Recovery,
		RejectCrossOrigin(b.allowedOrigins),
	)
	return b, nil
}

// ServeHTTP implements http.Handler interface
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.handler.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (b *Bridge) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	b.server = &http.Server{
		Handler:           b,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Event streams stay open; they end with the client or on shutdown.
		WriteTimeout: 0,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := b.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown gracefully stops the HTTP server, closing it forcibly if the
// context ends first.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.server == nil {
		return nil
	}

	if err := b.server.Shutdown(ctx); err != nil {
		_ = b.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
