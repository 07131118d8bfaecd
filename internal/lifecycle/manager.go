package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/events"
	"github.com/florianilch/keysync/internal/metrics"
	"github.com/florianilch/keysync/internal/provider"
	"github.com/florianilch/keysync/internal/redirect"
)

var (
	// ErrCSRFMismatch is returned when a callback does not carry the state
	// token of the authorization in progress, or none is in progress.
	ErrCSRFMismatch = errors.New("csrf state mismatch")
	// ErrNotAuthenticated is returned when no token is stored for a provider.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrProviderNotConfigured is returned for providers without client credentials.
	ErrProviderNotConfigured = errors.New("provider not configured")
)

const (
	// RefreshMargin is how long before expiry a token is considered stale.
	RefreshMargin = 5 * time.Minute
	// DefaultFlowTimeout bounds how long an authorization waits for its callback.
	DefaultFlowTimeout = 10 * time.Minute
)

var tracer = otel.Tracer("github.com/florianilch/keysync/internal/lifecycle")

// TokenClient performs the grants for one provider. *provider.Client implements it.
type TokenClient interface {
	ID() provider.ID
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (provider.Result, error)
	Refresh(ctx context.Context, refreshToken string) (provider.Result, error)
}

// Compile-time check to ensure provider.Client implements TokenClient
var _ TokenClient = (*provider.Client)(nil)

// Opener opens an authorization URL outside the process, typically in the
// system browser.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) error

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithFlowTimeout overrides DefaultFlowTimeout.
func WithFlowTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.flowTimeout = d
	}
}

// WithPublisher sets where notifications go. Defaults to events.Discard.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithMetrics records grant outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithOpener sets how authorization URLs are opened. Without one the URL is
// only logged and returned.
func WithOpener(o Opener) Option {
	return func(m *Manager) {
		m.opener = o
	}
}

// WithRedirectDecoder sets the decoder used by HandleRedirect.
func WithRedirectDecoder(d *redirect.Decoder) Option {
	return func(m *Manager) {
		m.decoder = d
	}
}

// pendingFlow is an authorization waiting for its callback.
type pendingFlow struct {
	state    string
	consumed atomic.Bool
}

// Manager drives the per-provider token lifecycle: starting authorizations,
// completing them with the redirected code, and handing out valid access
// tokens, refreshing them when they are about to expire.
//
// Every operation reads the token records from the store; the manager keeps
// only the in-memory flow state (pending authorizations and State values).
type Manager struct {
	store     *configstore.Store
	clients   map[provider.ID]TokenClient
	opener    Opener
	publisher events.Publisher
	metrics   *metrics.Metrics
	decoder   *redirect.Decoder
	now       func() time.Time

	flowTimeout time.Duration
	// flowMu makes replacing and consuming a pending flow atomic.
	flowMu    sync.Mutex
	pending   *cache.Cache
	refreshes singleflight.Group

	stop      chan struct{}
	sweeper   sync.WaitGroup
	closeOnce sync.Once

	mu     sync.Mutex
	states map[provider.ID]State
}

// New creates a Manager for the given provider clients.
func New(store *configstore.Store, clients []TokenClient, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("missing config store")
	}

	m := &Manager{
		store:       store,
		clients:     make(map[provider.ID]TokenClient, len(clients)),
		publisher:   events.Discard,
		decoder:     redirect.NewDecoder(""),
		now:         time.Now,
		flowTimeout: DefaultFlowTimeout,
		states:      make(map[provider.ID]State),
		stop:        make(chan struct{}),
	}
	for _, c := range clients {
		if c == nil {
			return nil, fmt.Errorf("nil token client")
		}
		if _, dup := m.clients[c.ID()]; dup {
			return nil, fmt.Errorf("duplicate client for %s", c.ID())
		}
		m.clients[c.ID()] = c
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.flowTimeout <= 0 {
		return nil, fmt.Errorf("flow timeout must be positive")
	}

	// No janitor: expired flows are swept by the manager so Close can stop it.
	m.pending = cache.New(m.flowTimeout, 0)
	m.pending.OnEvicted(m.onFlowEvicted)

	m.sweeper.Add(1)
	go m.sweep(cleanupInterval(m.flowTimeout))

	return m, nil
}

// Close stops expiring pending authorizations. It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	m.sweeper.Wait()
	return nil
}

func (m *Manager) sweep(interval time.Duration) {
	defer m.sweeper.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pending.DeleteExpired()
		}
	}
}

// cleanupInterval decides how promptly expired flows are noticed.
func cleanupInterval(timeout time.Duration) time.Duration {
	return min(max(timeout/4, 10*time.Millisecond), time.Minute)
}

// Providers lists the configured providers.
func (m *Manager) Providers() []provider.ID {
	ids := make([]provider.ID, 0, len(m.clients))
	for _, id := range provider.All {
		if _, ok := m.clients[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// State returns the current state of id.
func (m *Manager) State(id provider.ID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

func (m *Manager) setState(id provider.ID, s State) {
	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()
}

func (m *Manager) client(id provider.ID) (TokenClient, error) {
	c, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, id)
	}
	return c, nil
}

// Initiate starts an authorization for id: it records a fresh anti-forgery
// state, opens the authorization URL and returns it. It does not wait for
// the callback, which arrives through Complete or HandleRedirect. If the
// callback does not arrive within the flow timeout the provider reverts to
// Unauthenticated.
func (m *Manager) Initiate(ctx context.Context, id provider.ID) (string, error) {
	c, err := m.client(id)
	if err != nil {
		return "", err
	}

	state := uuid.NewString()
	m.flowMu.Lock()
	m.pending.Set(id.String(), &pendingFlow{state: state}, cache.DefaultExpiration)
	m.setState(id, Authenticating)
	m.flowMu.Unlock()
	m.metrics.SetPendingFlows(m.pending.ItemCount())

	authURL := c.AuthCodeURL(state)
	slog.InfoContext(ctx, "authorization started", "provider", id.String(), "timeout", m.flowTimeout)

	if m.opener == nil {
		return authURL, nil
	}
	if err := m.opener.Open(ctx, authURL); err != nil {
		// The flow stays pending; the user can still open the URL by hand.
		slog.WarnContext(ctx, "failed to open browser", "provider", id.String(), "error", err)
		slog.InfoContext(ctx, "open the following URL in your browser", "url", authURL)
	}
	return authURL, nil
}

// Complete finishes the authorization of id with the redirected code. The
// state must match the one recorded by Initiate; on mismatch the pending
// authorization is left untouched. The exchanged tokens are persisted in a
// single write. Failures are not retried.
func (m *Manager) Complete(ctx context.Context, id provider.ID, code, state string) (err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.Complete", trace.WithAttributes(attribute.String("provider", id.String())))
	defer func() { endSpan(span, err) }()

	c, err := m.client(id)
	if err != nil {
		return err
	}

	key := id.String()
	if err := m.consumeFlow(ctx, id, state); err != nil {
		return err
	}
	m.metrics.SetPendingFlows(m.pending.ItemCount())

	// The provider accepts the code only once. Once it is spent, the tokens
	// must be stored even if the forwarding caller has gone away.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	res, err := c.Exchange(ctx, code)
	m.metrics.ObserveExchange(key, time.Since(start), err)
	if err != nil {
		m.fail(ctx, id, events.KindAuthFailure, err)
		return err
	}

	rec := m.record(res)
	if err := m.persist(ctx, id, rec); err != nil {
		m.fail(ctx, id, events.KindAuthFailure, err)
		return err
	}

	m.setState(id, Authenticated)
	slog.InfoContext(ctx, "authorization completed", "provider", key, "expires_at", time.Unix(rec.ExpiryTimestamp, 0))
	m.publisher.Publish(events.New(events.KindAuthSuccess, key, fmt.Sprintf("Successfully logged in with %s", key)))
	return nil
}

// consumeFlow removes the pending flow of id if state matches it. A flow
// started concurrently by Initiate is never removed in its place.
func (m *Manager) consumeFlow(ctx context.Context, id provider.ID, state string) error {
	key := id.String()

	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	item, found := m.pending.Get(key)
	if !found {
		return fmt.Errorf("%w: no authorization in progress for %s", ErrCSRFMismatch, id)
	}
	flow := item.(*pendingFlow)
	if subtle.ConstantTimeCompare([]byte(flow.state), []byte(state)) != 1 {
		slog.WarnContext(ctx, "rejecting callback with unexpected state", "provider", key)
		return fmt.Errorf("%w: %s", ErrCSRFMismatch, id)
	}
	if !flow.consumed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: authorization for %s already completed", ErrCSRFMismatch, id)
	}
	m.pending.Delete(key)
	return nil
}

// HandleRedirect decodes a callback URI and completes the matching
// authorization. Links for providers outside the supported set are logged
// and ignored, since the OS may deliver unrelated deep links.
func (m *Manager) HandleRedirect(ctx context.Context, uri string) error {
	r, err := m.decoder.Decode(uri)
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed redirect", "error", err)
		return err
	}

	id, ok := provider.Parse(r.Provider)
	if !ok {
		slog.InfoContext(ctx, "ignoring redirect for unknown provider", "provider", r.Provider)
		return nil
	}
	return m.Complete(ctx, id, r.Code, r.State)
}

// EnsureValid returns a usable access token for id. A token expiring within
// RefreshMargin is refreshed first and the new record persisted. Concurrent
// callers share a single refresh. A refresh failure means the user has to
// authorize again.
func (m *Manager) EnsureValid(ctx context.Context, id provider.ID) (string, error) {
	c, err := m.client(id)
	if err != nil {
		return "", err
	}

	rec, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}
	if !m.needsRefresh(rec) {
		m.markAuthenticated(id)
		return rec.AccessToken, nil
	}

	// The shared refresh must not fail for every caller because the first
	// one went away.
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.refreshes.Do(id.String(), func() (any, error) {
		return m.refresh(shared, c)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, c TokenClient) (token string, err error) {
	id := c.ID()
	key := id.String()
	ctx, span := tracer.Start(ctx, "lifecycle.Refresh", trace.WithAttributes(attribute.String("provider", key)))
	defer func() { endSpan(span, err) }()

	// Re-read: a refresh that finished just before this one started has
	// already stored a fresh record.
	rec, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}
	if !m.needsRefresh(rec) {
		m.markAuthenticated(id)
		return rec.AccessToken, nil
	}

	m.setState(id, Refreshing)
	start := time.Now()
	res, err := c.Refresh(ctx, rec.RefreshToken)
	m.metrics.ObserveRefresh(key, time.Since(start), err)
	if err != nil {
		m.fail(ctx, id, events.KindTokenRefreshFailed, err)
		return "", err
	}

	next := m.record(res)
	if err := m.persist(ctx, id, next); err != nil {
		m.fail(ctx, id, events.KindTokenRefreshFailed, err)
		return "", err
	}

	m.setState(id, Authenticated)
	slog.DebugContext(ctx, "token refreshed", "provider", key, "expires_at", time.Unix(next.ExpiryTimestamp, 0))
	m.publisher.Publish(events.New(events.KindTokenRefreshed, key, fmt.Sprintf("Refreshed %s session", key)))
	return next.AccessToken, nil
}

func (m *Manager) load(ctx context.Context, id provider.ID) (configstore.TokenRecord, error) {
	cfg, err := m.store.Load(ctx)
	if err != nil {
		return configstore.TokenRecord{}, err
	}
	rec, err := cfg.Accounts.Get(id)
	if err != nil {
		return configstore.TokenRecord{}, err
	}
	if !rec.Authenticated() {
		return configstore.TokenRecord{}, fmt.Errorf("%w: %s", ErrNotAuthenticated, id)
	}
	return rec, nil
}

func (m *Manager) persist(ctx context.Context, id provider.ID, rec configstore.TokenRecord) error {
	_, err := m.store.Update(ctx, func(cfg *configstore.Config) error {
		return cfg.Accounts.Set(id, rec)
	})
	return err
}

// record builds the complete record before anything is written.
func (m *Manager) record(res provider.Result) configstore.TokenRecord {
	return configstore.TokenRecord{
		AccessToken:     res.AccessToken,
		RefreshToken:    res.RefreshToken,
		ExpiryTimestamp: m.now().Add(res.ExpiresIn).Unix(),
	}
}

func (m *Manager) needsRefresh(rec configstore.TokenRecord) bool {
	return rec.ExpiryTimestamp <= m.now().Add(RefreshMargin).Unix()
}

// markAuthenticated records that a stored token was found usable, unless an
// authorization is in progress.
func (m *Manager) markAuthenticated(id provider.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[id] != Authenticating {
		m.states[id] = Authenticated
	}
}

func (m *Manager) fail(ctx context.Context, id provider.ID, kind events.Kind, err error) {
	m.setState(id, Unauthenticated)
	slog.ErrorContext(ctx, "token lifecycle failure", "provider", id.String(), "kind", string(kind), "error", err)
	m.publisher.Publish(events.New(kind, id.String(), err.Error()))
}

// onFlowEvicted runs when a pending authorization leaves the cache, either
// consumed by Complete or expired.
func (m *Manager) onFlowEvicted(key string, v any) {
	m.metrics.SetPendingFlows(m.pending.ItemCount())

	flow, ok := v.(*pendingFlow)
	if !ok || flow.consumed.Load() {
		return
	}
	id, ok := provider.Parse(key)
	if !ok {
		return
	}
	// A newer authorization replaced this one before it was swept.
	if current, found := m.pending.Get(key); found && current != v {
		return
	}

	m.mu.Lock()
	timedOut := m.states[id] == Authenticating
	if timedOut {
		m.states[id] = Unauthenticated
	}
	m.mu.Unlock()

	if timedOut {
		slog.Warn("authorization timed out", "provider", key, "timeout", m.flowTimeout)
		m.publisher.Publish(events.New(events.KindAuthTimeout, key, fmt.Sprintf("Login with %s timed out", key)))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
