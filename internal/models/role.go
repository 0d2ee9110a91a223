package models

import "strings"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
)

// IsValid reports whether r is one of the four school roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent, RoleParent:
		return true
	default:
		return false
	}
}

func (r Role) String() string { return string(r) }

// ParseRole accepts any letter case, "Teacher" and "teacher" are the same role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.IsValid()
}

// AllRoles lists the roles in the order they are shown to administrators.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleTeacher, RoleStudent, RoleParent}
}

// TokenPurpose selects which one-time token slot of a credential is addressed.
type TokenPurpose string

const (
	PurposeVerification TokenPurpose = "verification"
	PurposeReset        TokenPurpose = "reset"
)

func (p TokenPurpose) IsValid() bool {
	return p == PurposeVerification || p == PurposeReset
}
