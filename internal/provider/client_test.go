package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(GitHub, Settings{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/authorize",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: "app://auth/github/callback",
		Scopes:      []string{"read:user", "user:email"},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientAuthCodeURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	raw := c.AuthCodeURL("state-123")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL %q: %v", raw, err)
	}
	q := u.Query()
	expected := map[string]string{
		"client_id":     "client-id",
		"state":         "state-123",
		"redirect_uri":  "app://auth/github/callback",
		"response_type": "code",
		"scope":         "read:user user:email",
	}
	for key, want := range expected {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
}

func TestClientExchange(t *testing.T) {
	var gotCode, gotAccept string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		gotCode = r.PostForm.Get("code")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","refresh_token":"ref","token_type":"bearer","expires_in":3600}`))
	})

	res, err := c.Exchange(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if gotCode != "ABC123" {
		t.Errorf("code sent = %q, want ABC123", gotCode)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q, want application/json", gotAccept)
	}
	if res.AccessToken != "tok" || res.RefreshToken != "ref" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.ExpiresIn != time.Hour {
		t.Errorf("ExpiresIn = %v, want 1h", res.ExpiresIn)
	}
}

func TestClientExchangeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{
			name:   "provider rejects code",
			status: http.StatusBadRequest,
			body:   `{"error":"bad_verification_code","error_description":"The code passed is incorrect or expired."}`,
		},
		{
			name:   "missing refresh token",
			status: http.StatusOK,
			body:   `{"access_token":"tok","token_type":"bearer","expires_in":3600}`,
		},
		{
			name:   "missing access token",
			status: http.StatusOK,
			body:   `{"refresh_token":"ref"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Exchange(context.Background(), "code")
			if !errors.Is(err, ErrTokenExchangeFailed) {
				t.Fatalf("expected ErrTokenExchangeFailed, got %v", err)
			}
		})
	}
}

func TestClientRefresh(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "old-ref" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		// No refresh_token in the response: the previous one must be kept.
		_, _ = w.Write([]byte(`{"access_token":"new-tok","token_type":"bearer","expires_in":7200}`))
	})

	res, err := c.Refresh(context.Background(), "old-ref")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint called %d times, want 1", calls.Load())
	}
	if res.AccessToken != "new-tok" || res.RefreshToken != "old-ref" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.ExpiresIn != 2*time.Hour {
		t.Errorf("ExpiresIn = %v, want 2h", res.ExpiresIn)
	}
}

func TestClientRefreshFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	if _, err := c.Refresh(context.Background(), "ref"); !errors.Is(err, ErrTokenRefreshFailed) {
		t.Errorf("expected ErrTokenRefreshFailed, got %v", err)
	}
	if _, err := c.Refresh(context.Background(), ""); !errors.Is(err, ErrTokenRefreshFailed) {
		t.Errorf("empty refresh token: expected ErrTokenRefreshFailed, got %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	d, _ := DefaultsFor(Discord)
	if _, err := NewClient(Discord, Settings{Endpoint: d.Endpoint}); err == nil {
		t.Error("expected error for missing client id")
	}
	if _, err := NewClient(ID(42), Settings{ClientID: "x", Endpoint: d.Endpoint}); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := NewClient(Discord, Settings{ClientID: "x"}); err == nil {
		t.Error("expected error for missing endpoint")
	}
}

func TestGoogleDefaultsRequestOfflineAccess(t *testing.T) {
	d, ok := DefaultsFor(Google)
	if !ok {
		t.Fatal("no defaults for google")
	}
	c, err := NewClient(Google, Settings{
		ClientID:        "id",
		Endpoint:        d.Endpoint,
		Scopes:          d.Scopes,
		AuthCodeOptions: d.AuthCodeOptions,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	raw := c.AuthCodeURL("s")
	for _, part := range []string{"access_type=offline", "prompt=consent"} {
		if !strings.Contains(raw, part) {
			t.Errorf("URL missing %q: %s", part, raw)
		}
	}
}
