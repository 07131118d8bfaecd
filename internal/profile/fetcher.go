// Package profile retrieves the identity behind a provider token and keeps
// the UserProfile entries of the config document up to date.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/events"
	"github.com/florianilch/keysync/internal/metrics"
	"github.com/florianilch/keysync/internal/provider"
)

var (
	// ErrProfileFetchFailed is returned when an identity request fails or
	// answers with a non-success status.
	ErrProfileFetchFailed = errors.New("profile fetch failed")
	// ErrProfileParseFailed is returned when a response body cannot be decoded.
	ErrProfileParseFailed = errors.New("profile parse failed")
)

const defaultTimeout = 10 * time.Second

// maxBodySize caps identity responses.
const maxBodySize = 1 << 20

// TokenSource hands out valid access tokens. *lifecycle.Manager implements it.
type TokenSource interface {
	EnsureValid(ctx context.Context, id provider.ID) (string, error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithEndpoints overrides the identity endpoints of one provider.
func WithEndpoints(id provider.ID, ep Endpoints) Option {
	return func(f *Fetcher) {
		f.endpoints[id] = ep
	}
}

// WithTransport sets the base transport for identity requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.base = rt
	}
}

// WithPublisher sets where profile updates are announced.
func WithPublisher(p events.Publisher) Option {
	return func(f *Fetcher) {
		f.publisher = p
	}
}

// WithMetrics records fetch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// Fetcher retrieves and stores user profiles.
type Fetcher struct {
	tokens    TokenSource
	store     *configstore.Store
	endpoints map[provider.ID]Endpoints
	base      http.RoundTripper
	timeout   time.Duration
	publisher events.Publisher
	metrics   *metrics.Metrics
}

// NewFetcher creates a Fetcher.
func NewFetcher(tokens TokenSource, store *configstore.Store, opts ...Option) (*Fetcher, error) {
	if tokens == nil {
		return nil, fmt.Errorf("missing token source")
	}
	if store == nil {
		return nil, fmt.Errorf("missing config store")
	}

	f := &Fetcher{
		tokens:    tokens,
		store:     store,
		endpoints: DefaultEndpoints(),
		base:      http.DefaultTransport,
		timeout:   defaultTimeout,
		publisher: events.Discard,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch obtains a valid token for id, queries the provider's identity API and
// upserts the resulting profile into the config document. On failure the
// stored profile is left unchanged.
func (f *Fetcher) Fetch(ctx context.Context, id provider.ID) (p configstore.UserProfile, err error) {
	defer func() { f.metrics.ObserveProfileFetch(id.String(), err) }()

	ep, ok := f.endpoints[id]
	if !ok {
		return p, fmt.Errorf("%w: no identity endpoint for %s", ErrProfileFetchFailed, id)
	}

	token, err := f.tokens.EnsureValid(ctx, id)
	if err != nil {
		return p, err
	}

	client := &http.Client{
		Timeout: f.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   f.base,
		},
	}

	body, err := f.get(ctx, client, ep.UserURL, ep.Accept)
	if err != nil {
		return p, err
	}
	p, err = decodeUser(id, body)
	if err != nil {
		return configstore.UserProfile{}, fmt.Errorf("%w: %s user: %w", ErrProfileParseFailed, id, err)
	}

	// Users with a private address get no email from the user endpoint.
	if p.Email == "" && ep.EmailsURL != "" {
		body, err := f.get(ctx, client, ep.EmailsURL, ep.Accept)
		if err != nil {
			return configstore.UserProfile{}, err
		}
		var emails []Email
		if err := json.Unmarshal(body, &emails); err != nil {
			return configstore.UserProfile{}, fmt.Errorf("%w: %s emails: %w", ErrProfileParseFailed, id, err)
		}
		p.Email = SelectEmail(emails, ep.NoreplyDomain)
	}

	_, err = f.store.Update(ctx, func(cfg *configstore.Config) error {
		cfg.UpsertProfile(p)
		return nil
	})
	if err != nil {
		return configstore.UserProfile{}, err
	}

	slog.InfoContext(ctx, "profile updated", "provider", id.String())
	f.publisher.Publish(events.New(events.KindProfileUpdated, id.String(), fmt.Sprintf("Updated %s profile", id)))
	return p, nil
}

func (f *Fetcher) get(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProfileFetchFailed, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProfileFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrProfileFetchFailed, url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrProfileFetchFailed, url, resp.StatusCode)
	}

	slog.DebugContext(ctx, "identity response", "url", url, "bytes", len(body))
	return body, nil
}
