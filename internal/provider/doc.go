// Package provider implements the OAuth2 authorization-code and refresh-token
// grants for the supported identity providers (GitHub, Discord, Google).
//
// Every provider is driven through the same Client type; only the endpoints,
// scopes and authorization parameters differ (see DefaultsFor).
//
//	d, _ := provider.DefaultsFor(provider.GitHub)
//	c, err := provider.NewClient(provider.GitHub, provider.Settings{
//		ClientID:     id,
//		ClientSecret: secret,
//		Endpoint:     d.Endpoint,
//		RedirectURL:  "keysync://auth/github/callback",
//		Scopes:       d.Scopes,
//	})
//
// # Custom Base Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or tests):
//
//	c, err := provider.NewClient(id, settings, provider.WithTransport(customTransport))
package provider
