package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrTokenExchangeFailed is returned when the authorization-code grant fails,
	// including when the provider omits the refresh token.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrTokenRefreshFailed is returned when the refresh-token grant fails.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// DefaultTimeout bounds every token endpoint round trip.
const DefaultTimeout = 30 * time.Second

// Settings holds the credentials and endpoints for one provider client.
type Settings struct {
	ClientID        string
	ClientSecret    string
	Endpoint        oauth2.Endpoint
	RedirectURL     string
	Scopes          []string
	AuthCodeOptions []oauth2.AuthCodeOption
}

// Result is the outcome of a successful grant.
type Result struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime reported by the provider.
	// Zero when the provider did not report one.
	ExpiresIn time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
}

// WithTransport sets a custom base transport for token endpoint requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// Client performs the authorization-code and refresh-token grants against a
// single provider. It is safe for concurrent use.
type Client struct {
	id          ID
	config      *oauth2.Config
	authOptions []oauth2.AuthCodeOption
	httpClient  *http.Client
}

// NewClient creates a Client for id.
func NewClient(id ID, s Settings, opts ...ClientOption) (*Client, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("unknown provider %d", int(id))
	}
	if s.ClientID == "" {
		return nil, fmt.Errorf("%s: missing client id", id)
	}
	if s.Endpoint.AuthURL == "" || s.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("%s: missing endpoint", id)
	}

	cfg := &clientConfig{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		id: id,
		config: &oauth2.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			Endpoint:     s.Endpoint,
			RedirectURL:  s.RedirectURL,
			Scopes:       s.Scopes,
		},
		authOptions: s.AuthCodeOptions,
		httpClient: &http.Client{
			Timeout:   cfg.timeout,
			Transport: &acceptJSONTransport{base: cfg.baseTransport},
		},
	}, nil
}

// ID returns the provider this client talks to.
func (c *Client) ID() ID {
	return c.id
}

// AuthCodeURL returns the URL to open in the browser. state is echoed back
// by the provider on the redirect and must be verified by the caller.
func (c *Client) AuthCodeURL(state string) string {
	return c.config.AuthCodeURL(state, c.authOptions...)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (Result, error) {
	tok, err := c.config.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrTokenExchangeFailed, c.id, err)
	}
	// Silent renewal depends on the refresh token, so a grant without one is
	// as good as a failed grant.
	if tok.RefreshToken == "" {
		return Result{}, fmt.Errorf("%w: %s: response has no refresh token", ErrTokenExchangeFailed, c.id)
	}
	return resultFromToken(tok), nil
}

// Refresh trades a refresh token for a new access token. When the provider
// does not rotate refresh tokens the previous one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	if refreshToken == "" {
		return Result{}, fmt.Errorf("%w: %s: no refresh token stored", ErrTokenRefreshFailed, c.id)
	}
	// oauth2's refresher has no per-call context; it keeps the one given here.
	ts := c.config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrTokenRefreshFailed, c.id, err)
	}
	return resultFromToken(tok), nil
}

// withHTTPClient injects the client's HTTP client via the oauth2.HTTPClient
// context key, which is how the oauth2 package accepts custom clients.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func resultFromToken(tok *oauth2.Token) Result {
	r := Result{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	switch {
	case tok.ExpiresIn > 0:
		r.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		if d := time.Until(tok.Expiry).Round(time.Second); d > 0 {
			r.ExpiresIn = d
		}
	}
	return r
}

// acceptJSONTransport asks token endpoints for JSON. GitHub answers
// form-encoded otherwise, which drops typed fields such as expires_in.
// The oauth2 package guarantees this transport only receives token endpoint requests.
type acceptJSONTransport struct {
	base http.RoundTripper
}

// Compile-time check that acceptJSONTransport implements http.RoundTripper.
var _ http.RoundTripper = (*acceptJSONTransport)(nil)

// RoundTrip clones the request and sets the Accept header.
func (t *acceptJSONTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq := req.Clone(req.Context())
	newReq.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(newReq)
}
