package profile

import (
	"encoding/json"
	"fmt"

	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/provider"
)

// Endpoints locates a provider's identity API.
type Endpoints struct {
	// UserURL returns the authenticated user.
	UserURL string
	// EmailsURL lists the user's addresses; queried only when UserURL
	// returns no email. Empty if the provider has no such endpoint.
	EmailsURL string
	// NoreplyDomain is the provider's relay domain for private addresses.
	NoreplyDomain string
	// Accept is sent as the Accept header.
	Accept string
}

// DefaultEndpoints returns the public identity endpoints of each provider.
func DefaultEndpoints() map[provider.ID]Endpoints {
	return map[provider.ID]Endpoints{
		provider.GitHub: {
			UserURL:       "https://api.github.com/user",
			EmailsURL:     "https://api.github.com/user/emails",
			NoreplyDomain: "users.noreply.github.com",
			Accept:        "application/vnd.github+json",
		},
		provider.Discord: {
			UserURL: "https://discord.com/api/users/@me",
			Accept:  "application/json",
		},
		provider.Google: {
			UserURL: "https://openidconnect.googleapis.com/v1/userinfo",
			Accept:  "application/json",
		},
	}
}

// discordCDN hosts user avatars; the API only returns the avatar hash.
const discordCDN = "https://cdn.discordapp.com/avatars"

type githubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Email      string `json:"email"`
	Avatar     string `json:"avatar"`
}

type googleUser struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// decodeUser normalizes an identity response into a profile.
func decodeUser(id provider.ID, body []byte) (configstore.UserProfile, error) {
	p := configstore.UserProfile{Provider: id}

	switch id {
	case provider.GitHub:
		var u githubUser
		if err := json.Unmarshal(body, &u); err != nil {
			return p, err
		}
		p.Email, p.Name, p.AvatarURL = u.Email, u.Name, u.AvatarURL
		if p.Name == "" {
			p.Name = u.Login
		}
	case provider.Discord:
		var u discordUser
		if err := json.Unmarshal(body, &u); err != nil {
			return p, err
		}
		p.Email, p.Name = u.Email, u.GlobalName
		if p.Name == "" {
			p.Name = u.Username
		}
		if u.ID != "" && u.Avatar != "" {
			p.AvatarURL = fmt.Sprintf("%s/%s/%s.png", discordCDN, u.ID, u.Avatar)
		}
	case provider.Google:
		var u googleUser
		if err := json.Unmarshal(body, &u); err != nil {
			return p, err
		}
		p.Email, p.Name, p.AvatarURL = u.Email, u.Name, u.Picture
	default:
		return p, fmt.Errorf("unsupported provider %s", id)
	}
	return p, nil
}
