// Package session carries the caller's identity through every core call so
// nothing reads ambient session state.
package session

import "errors"

// Role is a portal role claim.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleCounselor  Role = "counselor"
	RoleSuperAdmin Role = "super_admin"
)

// ErrNoToken is returned when a call needs a bearer token and none is present.
var ErrNoToken = errors.New("session token missing")

// Session is the authenticated caller.
type Session struct {
	UserID string
	Role   Role
	Token  string
}

// Valid reports whether the session can be used for upstream calls.
func (s Session) Valid() bool {
	return s.Token != ""
}

// Key identifies the session for per-session state. The token is used so a
// re-issued token starts from a clean view.
func (s Session) Key() string {
	return s.Token
}
