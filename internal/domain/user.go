package domain

import (
	"strings"
	"time"
)

// Role represents the authorization role of a user.
type Role string

// Roles.
const (
	RolePublic   Role = "PUBLIC"
	RoleCustomer Role = "CUSTOMER"
	RoleEmployee Role = "EMPLOYEE"
	RoleAdmin    Role = "ADMIN"
)

// rolePrefix is the scheme prefix some clients put in front of role names.
const rolePrefix = "ROLE_"

// IsValid checks if the role is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RolePublic, RoleCustomer, RoleEmployee, RoleAdmin:
		return true
	}
	return false
}

// In reports whether the role is a member of roles.
func (r Role) In(roles ...Role) bool {
	for _, allowed := range roles {
		if r == allowed {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether a self-service role change from r to target is allowed.
// PUBLIC accounts may claim CUSTOMER or EMPLOYEE once; ADMIN is never self-service.
func (r Role) CanTransitionTo(target Role) bool {
	return r == RolePublic && (target == RoleCustomer || target == RoleEmployee)
}

// ParseRole normalizes a role name, stripping any "ROLE_" prefix.
func ParseRole(s string) Role {
	s = strings.ToUpper(strings.TrimSpace(s))
	return Role(strings.TrimPrefix(s, rolePrefix))
}

// User is an account that can authenticate against the service.
type User struct {
	ID                        string
	Email                     string
	Name                      string
	PasswordHash              string
	Role                      Role
	IsVerified                bool
	RequiresPasswordChange    bool
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	LastLogin                 *time.Time
	LastVerificationEmailSent *time.Time
}

// PublicUser is the part of a user that may be returned to clients.
type PublicUser struct {
	Email                  string `json:"email"`
	Name                   string `json:"name"`
	Role                   Role   `json:"role"`
	IsVerified             bool   `json:"is_verified"`
	RequiresPasswordChange bool   `json:"requires_password_change"`
}

// Public returns the client-safe view of the user.
func (u *User) Public() *PublicUser {
	return &PublicUser{
		Email:                  u.Email,
		Name:                   u.Name,
		Role:                   u.Role,
		IsVerified:             u.IsVerified,
		RequiresPasswordChange: u.RequiresPasswordChange,
	}
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
