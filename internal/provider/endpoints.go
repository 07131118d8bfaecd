package provider

import (
	"golang.org/x/oauth2"
)

// Defaults describes the fixed OAuth2 surface of a provider: where to send the
// user, where to exchange codes, which scopes to request and any extra
// authorization parameters the provider needs to issue refresh tokens.
type Defaults struct {
	Endpoint        oauth2.Endpoint
	Scopes          []string
	AuthCodeOptions []oauth2.AuthCodeOption
}

// DefaultsFor returns the built-in endpoint configuration for id.
func DefaultsFor(id ID) (Defaults, bool) {
	d, ok := defaults[id]
	return d, ok
}

var defaults = map[ID]Defaults{
	GitHub: {
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://github.com/login/oauth/authorize",
			TokenURL:  "https://github.com/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"read:user", "user:email"},
	},
	Discord: {
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://discord.com/oauth2/authorize",
			TokenURL:  "https://discord.com/api/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{"identify", "email"},
	},
	Google: {
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:  "https://oauth2.googleapis.com/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"openid", "email", "profile"},
		// Google only returns a refresh token for offline access, and only on
		// the first consent unless consent is forced.
		AuthCodeOptions: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce},
	},
}
