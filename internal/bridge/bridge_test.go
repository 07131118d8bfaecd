package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/events"
	"github.com/florianilch/keysync/internal/lifecycle"
	"github.com/florianilch/keysync/internal/metrics"
	"github.com/florianilch/keysync/internal/profile"
	"github.com/florianilch/keysync/internal/provider"
	"github.com/florianilch/keysync/internal/redirect"
)

type fakeTokens struct {
	mu          sync.Mutex
	configured  []provider.ID
	initiateErr error
	redirectErr error
	redirects   []string
	panicOn     string
}

func (f *fakeTokens) Providers() []provider.ID { return f.configured }

func (f *fakeTokens) State(id provider.ID) lifecycle.State {
	if id == provider.GitHub {
		return lifecycle.Authenticated
	}
	return lifecycle.Unauthenticated
}

func (f *fakeTokens) Initiate(_ context.Context, id provider.ID) (string, error) {
	if f.initiateErr != nil {
		return "", f.initiateErr
	}
	return "https://auth.example/" + id.String(), nil
}

func (f *fakeTokens) HandleRedirect(_ context.Context, uri string) error {
	if uri == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	f.redirects = append(f.redirects, uri)
	f.mu.Unlock()
	return f.redirectErr
}

type fakeProfiles struct {
	err error
}

func (f *fakeProfiles) Fetch(_ context.Context, id provider.ID) (configstore.UserProfile, error) {
	if f.err != nil {
		return configstore.UserProfile{}, f.err
	}
	return configstore.UserProfile{Provider: id, Email: "me@example.com", Name: "Me"}, nil
}

type harness struct {
	store    *configstore.Store
	tokens   *fakeTokens
	profiles *fakeProfiles
	bridge   *Bridge
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store, err := configstore.New(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("configstore.New: %v", err)
	}
	h := &harness{
		store:    store,
		tokens:   &fakeTokens{configured: []provider.ID{provider.GitHub}},
		profiles: &fakeProfiles{},
	}
	h.bridge, err = New(store, h.tokens, h.profiles, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.bridge.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return e.Error
}

func TestGetConfig(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var cfg configstore.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Accounts.GitHub.Authenticated() || len(cfg.UserProfiles) != 0 {
		t.Errorf("expected empty document, got %+v", cfg)
	}
}

func TestSetConfig(t *testing.T) {
	const valid = `{
		"accounts": {"github": {"accessToken": "tok", "refreshToken": "ref", "expiryTimestamp": 1700003600}},
		"userProfiles": [{"provider": "github", "email": "a@b.c", "name": "A", "avatarUrl": ""}],
		"user": {"email": "local@example.com", "password": "pw"}
	}`

	h := newHarness(t)
	rec := h.do(t, http.MethodPut, "/config", valid)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	cfg, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Accounts.GitHub.AccessToken != "tok" || cfg.Accounts.GitHub.ExpiryTimestamp != 1700003600 {
		t.Errorf("github record = %+v", cfg.Accounts.GitHub)
	}
	if cfg.User == nil || cfg.User.Email != "local@example.com" {
		t.Errorf("user = %+v", cfg.User)
	}
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "unknown field", body: `{"accounts": {}, "extra": 1}`},
		{name: "access token without expiry", body: `{"accounts": {"discord": {"accessToken": "tok"}}}`},
		{name: "duplicate profiles", body: `{"userProfiles": [{"provider": "google"}, {"provider": "google"}]}`},
		{name: "unknown provider", body: `{"userProfiles": [{"provider": "gitlab"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if _, err := h.store.EnsureExists(context.Background()); err != nil {
				t.Fatal(err)
			}

			rec := h.do(t, http.MethodPut, "/config", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body)
			}
			if errorMessage(t, rec) == "" {
				t.Error("empty error message")
			}

			cfg, _ := h.store.Load(context.Background())
			if cfg.Accounts.Discord.Authenticated() || len(cfg.UserProfiles) != 0 {
				t.Errorf("document changed: %+v", cfg)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/login/github", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Provider != provider.GitHub || resp.AuthURL != "https://auth.example/github" {
		t.Errorf("response = %+v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "login unknown provider",
			method:     http.MethodPost,
			path:       "/login/gitlab",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "login unconfigured provider",
			setup:      func(h *harness) { h.tokens.initiateErr = fmt.Errorf("%w: google", lifecycle.ErrProviderNotConfigured) },
			method:     http.MethodPost,
			path:       "/login/google",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "userinfo not authenticated",
			setup:      func(h *harness) { h.profiles.err = fmt.Errorf("%w: github", lifecycle.ErrNotAuthenticated) },
			method:     http.MethodGet,
			path:       "/userinfo/github",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "userinfo refresh failed",
			setup: func(h *harness) {
				h.profiles.err = fmt.Errorf("%w: github: invalid_grant", provider.ErrTokenRefreshFailed)
			},
			method:     http.MethodGet,
			path:       "/userinfo/github",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "userinfo upstream failure",
			setup:      func(h *harness) { h.profiles.err = fmt.Errorf("%w: status 500", profile.ErrProfileFetchFailed) },
			method:     http.MethodGet,
			path:       "/userinfo/github",
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "userinfo unparsable",
			setup:      func(h *harness) { h.profiles.err = profile.ErrProfileParseFailed },
			method:     http.MethodGet,
			path:       "/userinfo/github",
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "callback malformed",
			setup:      func(h *harness) { h.tokens.redirectErr = redirect.ErrMalformedRedirect },
			method:     http.MethodPost,
			path:       "/callback",
			body:       `{"uri": "keysync://nope"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "callback forged state",
			setup:      func(h *harness) { h.tokens.redirectErr = lifecycle.ErrCSRFMismatch },
			method:     http.MethodPost,
			path:       "/callback",
			body:       `{"uri": "keysync://auth/github/callback?code=x&state=forged"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "callback exchange failed",
			setup:      func(h *harness) { h.tokens.redirectErr = provider.ErrTokenExchangeFailed },
			method:     http.MethodPost,
			path:       "/callback",
			body:       `{"uri": "keysync://auth/github/callback?code=x"}`,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "callback without uri",
			method:     http.MethodPost,
			path:       "/callback",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "config write failed",
			setup:      func(h *harness) { h.tokens.redirectErr = configstore.ErrConfigWriteFailed },
			method:     http.MethodPost,
			path:       "/callback",
			body:       `{"uri": "keysync://auth/github/callback?code=x"}`,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			rec := h.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if errorMessage(t, rec) == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestUserInfo(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/userinfo/discord", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var p configstore.UserProfile
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Provider != provider.Discord || p.Email != "me@example.com" {
		t.Errorf("profile = %+v", p)
	}
}

func TestCallbackForwardsURI(t *testing.T) {
	h := newHarness(t)
	const uri = "keysync://auth/github/callback?code=ABC123&state=s"

	rec := h.do(t, http.MethodPost, "/callback", `{"uri": "`+uri+`"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(h.tokens.redirects) != 1 || h.tokens.redirects[0] != uri {
		t.Errorf("redirects = %v", h.tokens.redirects)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Update(context.Background(), func(c *configstore.Config) error {
		return c.Accounts.Set(provider.GitHub, configstore.TokenRecord{AccessToken: "tok", RefreshToken: "ref", ExpiryTimestamp: 1_700_000_000})
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ConfigPath != h.store.Path() {
		t.Errorf("configPath = %q", resp.ConfigPath)
	}
	if len(resp.Providers) != len(provider.All) {
		t.Fatalf("providers = %+v", resp.Providers)
	}

	gh := resp.Providers[0]
	if gh.Provider != provider.GitHub || !gh.Configured || !gh.Authenticated || gh.State != "authenticated" {
		t.Errorf("github = %+v", gh)
	}
	if gh.ExpiresAt == nil || !gh.ExpiresAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("expiresAt = %v", gh.ExpiresAt)
	}
	if d := resp.Providers[1]; d.Configured || d.Authenticated || d.ExpiresAt != nil {
		t.Errorf("discord = %+v", d)
	}
}

func TestRejectCrossOrigin(t *testing.T) {
	h := newHarness(t, WithAllowedOrigins("http://localhost:5173"))

	if rec := h.do(t, http.MethodGet, "/config", "", "Origin", "https://evil.example"); rec.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/config", "", "Origin", "http://localhost:5173"); rec.Code != http.StatusOK {
		t.Errorf("allowed origin: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/config", ""); rec.Code != http.StatusOK {
		t.Errorf("no origin: status = %d", rec.Code)
	}
}

func TestRecovery(t *testing.T) {
	h := newHarness(t)
	h.tokens.panicOn = "keysync://auth/github/callback?code=panic"

	rec := h.do(t, http.MethodPost, "/callback", `{"uri": "keysync://auth/github/callback?code=panic"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.ObserveExchange("github", 10*time.Millisecond, nil)

	h := newHarness(t, WithMetrics(reg))
	rec := h.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `keysync_token_exchanges_total{provider="github",result="success"} 1`) {
		t.Errorf("metrics output missing exchange counter:\n%s", rec.Body)
	}

	// Without a gatherer the route does not exist.
	if rec := newHarness(t).do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status without metrics = %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus(4)
	h := newHarness(t, WithEvents(bus), WithHeartbeat(time.Hour))
	srv := httptest.NewServer(h.bridge)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}

	bus.Publish(events.New(events.KindAuthSuccess, "github", "Successfully logged in with github"))

	eventLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if eventLine != "event: auth.success\n" {
		t.Errorf("event line = %q", eventLine)
	}
	dataLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")), &ev); err != nil {
		t.Fatalf("data line %q: %v", dataLine, err)
	}
	if ev.Kind != events.KindAuthSuccess || ev.Provider != "github" || ev.Message != "Successfully logged in with github" {
		t.Errorf("event = %+v", ev)
	}
}

func TestNewValidation(t *testing.T) {
	store, err := configstore.New(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(nil, &fakeTokens{}, &fakeProfiles{}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(store, nil, &fakeProfiles{}); err == nil {
		t.Error("expected error for nil tokens")
	}
	if _, err := New(store, &fakeTokens{}, nil); err == nil {
		t.Error("expected error for nil profiles")
	}
}

func TestStartShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	errCh, err := h.bridge.Start(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.bridge.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err, ok := <-errCh; ok && err != nil {
		t.Errorf("runtime error: %v", err)
	}

	if err := (&Bridge{}).Shutdown(ctx); err != nil {
		t.Errorf("Shutdown before Start: %v", err)
	}
}
