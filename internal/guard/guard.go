// Package guard decides, for a session and a route requirement, whether a view
// renders or the visitor is redirected.
package guard

import (
	"fmt"
	"slices"
	"strings"

	"github.com/wolfeidau/coursepulse/internal/models"
)

// LoginPath is where visitors without a session are sent.
const LoginPath = "/login"

// Kind is the outcome of a guard decision.
type Kind int

const (
	Render Kind = iota
	RedirectToLogin
	RedirectToRoleHome
)

func (k Kind) String() string {
	switch k {
	case Render:
		return "render"
	case RedirectToLogin:
		return "redirect_to_login"
	case RedirectToRoleHome:
		return "redirect_to_role_home"
	default:
		return "unknown"
	}
}

// Access is the class of a route requirement.
type Access int

const (
	AccessPublic Access = iota
	AccessAuthenticated
	AccessAdminOnly
	AccessShared
	AccessRoles
)

// Requirement is what a route declares about who may view it.
type Requirement struct {
	Access Access
	Roles  []models.Role // only for AccessRoles
}

var (
	// Public routes render for everyone.
	Public = Requirement{Access: AccessPublic}
	// Authenticated routes render for any signed-in non-admin. Admins are sent home.
	Authenticated = Requirement{Access: AccessAuthenticated}
	// AdminOnly routes render for admins only.
	AdminOnly = Requirement{Access: AccessAdminOnly}
	// Shared routes render for admins and every other signed-in role.
	Shared = Requirement{Access: AccessShared}
)

// AllowList returns a requirement that renders only for the given roles.
func AllowList(roles ...models.Role) Requirement {
	return Requirement{Access: AccessRoles, Roles: roles}
}

func (r Requirement) String() string {
	switch r.Access {
	case AccessPublic:
		return "public"
	case AccessAuthenticated:
		return "authenticated"
	case AccessAdminOnly:
		return "admin-only"
	case AccessShared:
		return "shared"
	case AccessRoles:
		names := make([]string, len(r.Roles))
		for i, role := range r.Roles {
			names[i] = role.String()
		}
		return "roles:" + strings.Join(names, ",")
	default:
		return "unknown"
	}
}

// ParseRequirement parses the form produced by Requirement.String.
func ParseRequirement(s string) (Requirement, error) {
	switch s {
	case "public":
		return Public, nil
	case "authenticated":
		return Authenticated, nil
	case "admin-only":
		return AdminOnly, nil
	case "shared":
		return Shared, nil
	}

	list, ok := strings.CutPrefix(s, "roles:")
	if !ok || list == "" {
		return Requirement{}, fmt.Errorf("unknown requirement %q", s)
	}

	var roles []models.Role
	for _, name := range strings.Split(list, ",") {
		role, err := models.ParseRole(strings.TrimSpace(name))
		if err != nil {
			return Requirement{}, err
		}
		roles = append(roles, role)
	}
	return AllowList(roles...), nil
}

// Decision is the result of Evaluate.
type Decision struct {
	Kind Kind
	Role models.Role // set for RedirectToRoleHome
}

// Path returns the redirect target, or "" for Render.
func (d Decision) Path() string {
	switch d.Kind {
	case RedirectToLogin:
		return LoginPath
	case RedirectToRoleHome:
		return HomePath(d.Role)
	default:
		return ""
	}
}

// HomePath is the landing page for role.
func HomePath(role models.Role) string {
	switch role {
	case models.RoleAdmin:
		return "/admin/dashboard"
	case models.RoleFaculty:
		return "/faculty/dashboard"
	default:
		return "/dashboard"
	}
}

// Evaluate decides how to handle a navigation. It has no side effects; a record
// that fails validation is treated as no session.
func Evaluate(rec *models.SessionRecord, req Requirement) Decision {
	if req.Access == AccessPublic {
		return Decision{Kind: Render}
	}

	if rec == nil || rec.Validate() != nil {
		return Decision{Kind: RedirectToLogin}
	}

	home := Decision{Kind: RedirectToRoleHome, Role: rec.Role}

	switch req.Access {
	case AccessAdminOnly:
		if rec.Role != models.RoleAdmin {
			return home
		}
	case AccessRoles:
		if !slices.Contains(req.Roles, rec.Role) {
			return home
		}
	case AccessAuthenticated:
		if rec.Role == models.RoleAdmin {
			return home
		}
	}

	return Decision{Kind: Render}
}
