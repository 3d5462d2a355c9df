package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleCustomer  Role = "CUSTOMER"
	RoleAdmin     Role = "ADMIN"
	RoleMentor    Role = "MENTOR"
	RoleModerator Role = "MODERATOR"
)

var knownRoles = []Role{RoleCustomer, RoleAdmin, RoleMentor, RoleModerator}

// ParseRole normalizes a role string coming from a token claim or a route
// definition. It is the only place roles are case-folded; the backend may
// prefix authorities with "ROLE_".
func ParseRole(s string) (Role, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "ROLE_")
	for _, r := range knownRoles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Matches reports whether r and other name the same role.
func (r Role) Matches(other Role) bool {
	a, okA := ParseRole(string(r))
	b, okB := ParseRole(string(other))
	return okA && okB && a == b
}

func (r Role) String() string {
	return string(r)
}

// Account is a marketplace user as known to the identity provider.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
}
