package domain

// Role is the permission class of an actor.
type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor is the identity performing an action. It is always derived from the
// auth provider and never owned by the board engine.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Anonymous reports whether the actor has no identity and must be treated as
// a guest regardless of its role.
func (a Actor) Anonymous() bool {
	return a.ID == ""
}

// Profile maps an actor id to its display name.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
