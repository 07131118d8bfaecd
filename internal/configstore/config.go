package configstore

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/keysync/internal/provider"
)

// Config is the document persisted in config.json.
type Config struct {
	Accounts     Accounts         `json:"accounts"`
	UserProfiles []UserProfile    `json:"userProfiles" validate:"unique=Provider,dive"`
	User         *UserCredentials `json:"user"`
}

// Accounts holds one token record per provider. An empty record means the
// provider was never authenticated.
type Accounts struct {
	GitHub  TokenRecord `json:"github"`
	Discord TokenRecord `json:"discord"`
	Google  TokenRecord `json:"google"`
}

// TokenRecord is the persisted token state of one provider. It is always
// replaced as a whole.
type TokenRecord struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiryTimestamp is the access token expiry in unix seconds.
	ExpiryTimestamp int64 `json:"expiryTimestamp" validate:"required_with=AccessToken,gte=0"`
}

// UserProfile is the identity reported by a provider.
type UserProfile struct {
	Provider  provider.ID `json:"provider" validate:"required"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	AvatarURL string      `json:"avatarUrl"`
}

// UserCredentials are the optional local account credentials.
type UserCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Default returns the document written on first run.
func Default() *Config {
	return &Config{
		UserProfiles: []UserProfile{},
	}
}

// Authenticated reports whether the record holds an access token.
func (r TokenRecord) Authenticated() bool {
	return r.AccessToken != ""
}

// Get returns the record for id.
func (a *Accounts) Get(id provider.ID) (TokenRecord, error) {
	switch id {
	case provider.GitHub:
		return a.GitHub, nil
	case provider.Discord:
		return a.Discord, nil
	case provider.Google:
		return a.Google, nil
	default:
		return TokenRecord{}, fmt.Errorf("unknown provider %s", id)
	}
}

// Set replaces the record for id.
func (a *Accounts) Set(id provider.ID, r TokenRecord) error {
	switch id {
	case provider.GitHub:
		a.GitHub = r
	case provider.Discord:
		a.Discord = r
	case provider.Google:
		a.Google = r
	default:
		return fmt.Errorf("unknown provider %s", id)
	}
	return nil
}

// Profile returns the stored profile for id, if any.
func (c *Config) Profile(id provider.ID) (UserProfile, bool) {
	for _, p := range c.UserProfiles {
		if p.Provider == id {
			return p, true
		}
	}
	return UserProfile{}, false
}

// UpsertProfile stores p, replacing any existing profile of the same provider.
func (c *Config) UpsertProfile(p UserProfile) {
	kept := make([]UserProfile, 0, len(c.UserProfiles)+1)
	for _, existing := range c.UserProfiles {
		if existing.Provider != p.Provider {
			kept = append(kept, existing)
		}
	}
	c.UserProfiles = append(kept, p)
}

// Validate checks the document invariants: an access token always comes with
// an expiry, and there is at most one profile per provider.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
