package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/provider"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// LoginResponse is returned by POST /login/{provider}.
type LoginResponse struct {
	Provider provider.ID `json:"provider"`
	AuthURL  string      `json:"authUrl"`
}

// CallbackRequest is the body of POST /callback.
type CallbackRequest struct {
	URI string `json:"uri"`
}

// ProviderStatus describes one provider in GET /status.
type ProviderStatus struct {
	Provider      provider.ID `json:"provider"`
	Configured    bool        `json:"configured"`
	State         string      `json:"state"`
	Authenticated bool        `json:"authenticated"`
	ExpiresAt     *time.Time  `json:"expiresAt,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	ConfigPath string           `json:"configPath"`
	Providers  []ProviderStatus `json:"providers"`
}

func (b *Bridge) getConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := b.store.Load(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, cfg, http.StatusOK)
}

// setConfig replaces the whole document. The result is validated before
// anything is written.
func (b *Bridge) setConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in configstore.Config
	if err := decodeBody(w, r, &in); err != nil {
		writeError(ctx, w, err)
		return
	}
	if in.UserProfiles == nil {
		in.UserProfiles = []configstore.UserProfile{}
	}
	if err := in.Validate(); err != nil {
		writeError(ctx, w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	cfg, err := b.store.Update(ctx, func(cfg *configstore.Config) error {
		*cfg = in
		return nil
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	slog.InfoContext(ctx, "config replaced")
	writeJSON(ctx, w, cfg, http.StatusOK)
}

func (b *Bridge) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathProvider(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	authURL, err := b.tokens.Initiate(ctx, id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, LoginResponse{Provider: id, AuthURL: authURL}, http.StatusAccepted)
}

func (b *Bridge) userInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathProvider(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	p, err := b.profiles.Fetch(ctx, id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, p, http.StatusOK)
}

// callback receives a redirect URI forwarded by another process.
func (b *Bridge) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CallbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}
	if req.URI == "" {
		writeError(ctx, w, fmt.Errorf("%w: uri is required", errBadRequest))
		return
	}

	if err := b.tokens.HandleRedirect(ctx, req.URI); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := b.store.Load(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	configured := make(map[provider.ID]bool)
	for _, id := range b.tokens.Providers() {
		configured[id] = true
	}

	resp := StatusResponse{ConfigPath: b.store.Path()}
	for _, id := range provider.All {
		ps := ProviderStatus{
			Provider:   id,
			Configured: configured[id],
			State:      b.tokens.State(id).String(),
		}
		if rec, err := cfg.Accounts.Get(id); err == nil && rec.Authenticated() {
			ps.Authenticated = true
			expiry := time.Unix(rec.ExpiryTimestamp, 0).UTC()
			ps.ExpiresAt = &expiry
		}
		resp.Providers = append(resp.Providers, ps)
	}
	writeJSON(ctx, w, resp, http.StatusOK)
}

func pathProvider(r *http.Request) (provider.ID, error) {
	name := r.PathValue("provider")
	id, ok := provider.Parse(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", errUnknownProvider, name)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON body", errBadRequest)
	}
	return nil
}

var (
	errBadRequest      = errors.New("bad request")
	errUnknownProvider = errors.New("unknown provider")
)
