// Package collab is the real-time collaboration core: live connections,
// per-view rooms with presence, direct chat and notification fan-out.
//
// The package knows nothing about transports. An adapter registers each
// live channel with a Sink and the core pushes Events into it; pushes are
// non-blocking and a refused push is never an error.
package collab

import "context"

// Identity is the authenticated user bound to a connection. It is supplied
// by an IdentityProvider and never changes for the life of the connection.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// Cursor is a pointer position in view coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is a room member's transient state.
type Presence struct {
	Identity  Identity `json:"identity"`
	Cursor    *Cursor  `json:"cursor,omitempty"`
	Selection []string `json:"selection"`
}

// IdentityProvider resolves a connection token to an identity.
type IdentityProvider interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
