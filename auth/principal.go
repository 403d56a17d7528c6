// Package auth provides token verification and principal identity for the
// collabd websocket gateway. The package never stores passwords; it consumes
// verified credentials and issues signed tokens that carry the principal's
// identity, role and permission set.
package auth

// Role is the coarse account role carried in access tokens.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
	RoleUser   Role = "USER"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer, RoleUser:
		return true
	}
	return false
}

// CanWrite reports whether the role permits write access at all. Viewers
// are capped to read regardless of per-document grants; admins may write
// everywhere.
func (r Role) CanWrite() bool {
	return r != RoleViewer
}

// Principal is the authenticated identity bound to a session. It is
// immutable for the lifetime of the session.
type Principal struct {
	ID          string   `json:"principalId"`
	DisplayName string   `json:"displayName"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}

// Summary is the subset of a principal shared with room peers.
type Summary struct {
	ID          string `json:"principalId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// Summary returns the peer-visible view of the principal.
func (p Principal) Summary() Summary {
	return Summary{ID: p.ID, DisplayName: p.DisplayName, Role: p.Role}
}
