package provider

import "net/http"

// DefaultUserAgent identifies keysync to provider APIs. GitHub rejects
// requests without a User-Agent.
const DefaultUserAgent = "keysync"

// UserAgentTransport is an http.RoundTripper that sets the User-Agent on
// every outgoing provider request.
type UserAgentTransport struct {
	Base      http.RoundTripper
	UserAgent string
}

// Compile-time check that UserAgentTransport implements http.RoundTripper.
var _ http.RoundTripper = (*UserAgentTransport)(nil)

// RoundTrip implements http.RoundTripper interface.
func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	ua := t.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	// RoundTrippers must not modify the caller's request
	newReq := req.Clone(req.Context())
	newReq.Header.Set("User-Agent", ua)
	return base.RoundTrip(newReq)
}
