package provider

import "fmt"

// ID identifies one of the supported OAuth providers. The set is closed.
type ID int

const (
	GitHub ID = iota + 1
	Discord
	Google
)

// All lists every supported provider in display order.
var All = []ID{GitHub, Discord, Google}

var names = map[ID]string{
	GitHub:  "github",
	Discord: "discord",
	Google:  "google",
}

// Parse maps a provider name (as it appears in redirect URIs and config keys)
// to an ID. The second return value is false for names outside the set.
func Parse(name string) (ID, bool) {
	for id, n := range names {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// String returns the lowercase provider name.
func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("provider(%d)", int(id))
}

// Valid reports whether id is one of the supported providers.
func (id ID) Valid() bool {
	_, ok := names[id]
	return ok
}

// MarshalText encodes the provider as its lowercase name.
func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("unknown provider %d", int(id))
	}
	return []byte(id.String()), nil
}

// UnmarshalText decodes a lowercase provider name.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, ok := Parse(string(text))
	if !ok {
		return fmt.Errorf("unknown provider %q", string(text))
	}
	*id = parsed
	return nil
}
