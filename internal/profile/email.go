package profile

import "strings"

// Email is one entry of a provider's email listing.
type Email struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// SelectEmail picks the address that represents the user: the primary one,
// else a verified one, else one on the provider's noreply domain, else the
// first listed. Returns "" for an empty list.
func SelectEmail(emails []Email, noreplyDomain string) string {
	for _, e := range emails {
		if e.Primary {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	if noreplyDomain != "" {
		for _, e := range emails {
			if strings.HasSuffix(strings.ToLower(e.Email), "@"+noreplyDomain) {
				return e.Email
			}
		}
	}
	if len(emails) > 0 {
		return emails[0].Email
	}
	return ""
}
