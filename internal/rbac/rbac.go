// Package rbac maps the role carried in an access token to what its holder
// may do through the REST surface. Rooms, chat and the WebSocket gateway
// only require an authenticated identity and never consult it.
package rbac

import "strings"

type Role string
type Action string

const (
	// RoleViewer can open views, see presence and chat.
	RoleViewer Role = "viewer"
	// RoleEditor can also save view content.
	RoleEditor Role = "editor"
	// RoleAdmin can also notify users and broadcast.
	RoleAdmin Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionChat      Action = "chat"
	ActionWrite     Action = "write"
	ActionNotify    Action = "notify"
	ActionBroadcast Action = "broadcast"
)

// grants lists each role's actions. Every role includes the one below it.
var grants = map[Role][]Action{
	RoleViewer: {ActionRead, ActionChat},
	RoleEditor: {ActionRead, ActionChat, ActionWrite},
	RoleAdmin:  {ActionRead, ActionChat, ActionWrite, ActionNotify, ActionBroadcast},
}

func Can(role Role, action Action) bool {
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Actions returns what role may do, or nil for an unknown role.
func Actions(role Role) []Action {
	return append([]Action(nil), grants[role]...)
}

// Normalize maps a token claim to a known role. Matching ignores case and
// surrounding space; anything unrecognized becomes a viewer.
func Normalize(role string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if _, ok := grants[r]; ok {
		return r
	}
	return RoleViewer
}
