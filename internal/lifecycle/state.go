package lifecycle

import (
	"encoding/json"
	"fmt"
)

// State is the authorization state of one provider.
type State int

const (
	// Unauthenticated: no flow in progress and no usable session known.
	Unauthenticated State = iota
	// Authenticating: the browser was opened, waiting for the callback.
	Authenticating
	// Authenticated: a token record is stored and was usable at last check.
	Authenticated
	// Refreshing: a refresh-token grant is in flight.
	Refreshing
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
