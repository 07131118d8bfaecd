// Package redirect decodes the custom-scheme URIs that providers redirect the
// browser to after authorization, e.g.
//
//	keysync://auth/github/callback?code=5e03afbcc10d6b83c46e&state=...
package redirect

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultScheme is the URI scheme registered with the operating system.
const DefaultScheme = "keysync"

// ErrMalformedRedirect is returned for URIs that do not follow the callback layout.
var ErrMalformedRedirect = errors.New("malformed redirect")

const callbackMarker = "/callback?code="

// Redirect is a decoded authorization callback.
type Redirect struct {
	// Provider is the raw provider segment; it is not checked against the
	// supported providers.
	Provider string
	// Code is the authorization code, up to the next query delimiter.
	Code string
	// State is the anti-forgery token echoed back by the provider, if any.
	State string
}

// Decoder recognises callback URIs for one scheme.
type Decoder struct {
	prefix string
}

// NewDecoder creates a Decoder for scheme. An empty scheme selects DefaultScheme.
func NewDecoder(scheme string) *Decoder {
	if scheme == "" {
		scheme = DefaultScheme
	}
	return &Decoder{prefix: scheme + "://auth/"}
}

// Matches reports whether arg looks like an auth deep link for this scheme.
// Used to pick the link out of process arguments.
func (d *Decoder) Matches(arg string) bool {
	return strings.HasPrefix(arg, d.prefix)
}

// Decode splits uri into provider, code and state.
func (d *Decoder) Decode(uri string) (Redirect, error) {
	rest, ok := strings.CutPrefix(uri, d.prefix)
	if !ok {
		return Redirect{}, fmt.Errorf("%w: expected prefix %q", ErrMalformedRedirect, d.prefix)
	}

	provider, query, ok := strings.Cut(rest, callbackMarker)
	if !ok {
		return Redirect{}, fmt.Errorf("%w: missing %q", ErrMalformedRedirect, callbackMarker)
	}
	if provider == "" || strings.Contains(provider, "/") {
		return Redirect{}, fmt.Errorf("%w: invalid provider segment %q", ErrMalformedRedirect, provider)
	}

	code, params, _ := strings.Cut(query, "&")
	if code == "" {
		return Redirect{}, fmt.Errorf("%w: empty code", ErrMalformedRedirect)
	}

	r := Redirect{Provider: provider, Code: code}
	if params != "" {
		// A broken trailing parameter does not invalidate the code.
		values, _ := url.ParseQuery(params)
		r.State = values.Get("state")
	}
	return r, nil
}
