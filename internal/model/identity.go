package model

// Identity is the caller resolved by the identity provider: which side of the
// conversation is speaking, and who exactly. The core treats it as an opaque
// precondition; commands without one fail closed.
type Identity struct {
	Role        Role   `json:"role"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Resolved reports whether the identity is usable for a mutation.
func (id Identity) Resolved() bool {
	return id.UserID != "" && id.Role.Valid()
}
