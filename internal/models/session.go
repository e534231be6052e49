package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRole     = errors.New("invalid role")
	ErrMissingIdentity = errors.New("session identity is required")
)

// Role is the authorization role carried by a session.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

// Roles lists every known role.
var Roles = []Role{RoleStudent, RoleFaculty, RoleAdmin}

// ParseRole converts a string into a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleStudent, RoleFaculty, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Valid returns true if the role is one of the known roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

func (r Role) String() string {
	return string(r)
}

// SessionRecord represents the authenticated identity held by the client.
// Exactly one record exists per profile; every tab attached to the profile sees it.
type SessionRecord struct {
	Identity    string `json:"identity"` // opaque token issued by the auth collaborator
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`

	// Optional profile fields
	StudentID  string `json:"studentId,omitempty"`
	Department string `json:"department,omitempty"`

	IssuedAt time.Time `json:"issuedAt"`
}

// Validate checks the record carries an identity and a known role.
func (s *SessionRecord) Validate() error {
	if s.Identity == "" {
		return ErrMissingIdentity
	}
	if !s.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, s.Role)
	}
	return nil
}

// IsAdmin returns true if the session belongs to an administrator.
func (s *SessionRecord) IsAdmin() bool {
	return s != nil && s.Role == RoleAdmin
}
