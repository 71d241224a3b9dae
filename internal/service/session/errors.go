package session

import (
	"errors"
	"fmt"
)

var (
	// ErrPersonaNotFound is returned when toggling an unknown persona.
	ErrPersonaNotFound = errors.New("persona not found")
	// ErrClosed is returned by Toggle after Shutdown.
	ErrClosed = errors.New("session registry closed")
	// ErrProxyInUse means the platform handed back a proxy that another
	// session already owns, typically two personas sharing a display name.
	ErrProxyInUse = errors.New("output proxy already owned by another session")
)

// ProxyError reports that a summon could not obtain an output proxy or a
// channel subscription. Use errors.Is with the platform sentinel errors to
// tell permission problems from rate limits.
type ProxyError struct {
	ChannelID string
	PersonaID string
	Err       error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("summon %s in %s: %v", e.PersonaID, e.ChannelID, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }
