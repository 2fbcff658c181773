package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Action is an operation category. The set is closed.
type Action string

const (
	ActionView    Action = "view"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionAssign  Action = "assign"
	ActionAdmin   Action = "admin"
)

var allActions = []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionApprove, ActionAssign, ActionAdmin}

// Actions returns the global action enumeration in canonical order.
func Actions() []Action {
	return append([]Action(nil), allActions...)
}

// Valid reports whether a belongs to the action enumeration.
func (a Action) Valid() bool {
	for _, known := range allActions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction normalises raw and checks it against the enumeration.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, raw)
	}
	return a, nil
}

// Resource names a protectable module of the application.
type Resource string

const (
	ResourceUsers       Resource = "users"
	ResourceDepartments Resource = "departments"
	ResourceTeams       Resource = "teams"
	ResourceReviews     Resource = "reviews"
	ResourceGoals       Resource = "goals"
	ResourceMeetings    Resource = "meetings"
	ResourceSurveys     Resource = "surveys"
	ResourceFeedback    Resource = "feedback"
	ResourceAnalytics   Resource = "analytics"
	ResourceSettings    Resource = "settings"
)

// Permission is a (resource, action) pair.
type Permission struct {
	Resource Resource `json:"resource" yaml:"resource"`
	Action   Action   `json:"action" yaml:"action"`
}

// Perm is shorthand for building a Permission.
func Perm(resource Resource, action Action) Permission {
	return Permission{Resource: resource, Action: action}
}

// ID returns the stable identifier "resource:action".
func (p Permission) ID() string {
	return string(p.Resource) + ":" + string(p.Action)
}

func (p Permission) String() string {
	return p.ID()
}

// ParsePermission parses an identifier produced by Permission.ID.
func ParsePermission(id string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(id), ":")
	if !ok || resource == "" {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidRequest, id)
	}
	a, err := ParseAction(action)
	if err != nil {
		return Permission{}, err
	}
	return Permission{Resource: Resource(strings.ToLower(resource)), Action: a}, nil
}

// PermissionSet is an immutable-by-convention set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// IsSubsetOf reports whether every permission of s is in other.
func (s PermissionSet) IsSubsetOf(other PermissionSet) bool {
	for p := range s {
		if !other.Has(p) {
			return false
		}
	}
	return true
}

// Sorted returns the permissions ordered by identifier.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Role is a position in the inheritance chain. The set is closed.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleHR       Role = "hr"
	RoleAdmin    Role = "admin"
)

var allRoles = []Role{RoleEmployee, RoleManager, RoleHR, RoleAdmin}

// Valid reports whether r belongs to the role enumeration.
func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole normalises raw and checks it against the enumeration.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return r, nil
}

// Reason explains a Decision.
type Reason string

const (
	ReasonRoleGranted     Reason = "role_granted"
	ReasonOverrideGranted Reason = "override_granted"
	ReasonOverrideDenied  Reason = "override_denied"
	ReasonNoGrant         Reason = "no_grant"
	ReasonInvalidRequest  Reason = "invalid_request"
	// ReasonUnavailable is returned when the override store could not be read.
	ReasonUnavailable Reason = "unavailable"
)

// Message returns a user-facing explanation for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonRoleGranted:
		return "granted by role"
	case ReasonOverrideGranted:
		return "granted by a user-specific permission"
	case ReasonOverrideDenied:
		return "access has been explicitly revoked for this user"
	case ReasonNoGrant:
		return "your role does not allow this action"
	case ReasonInvalidRequest:
		return "the requested permission does not exist"
	case ReasonUnavailable:
		return "permissions could not be evaluated, try again later"
	default:
		return "access denied"
	}
}

// Decision is the ephemeral outcome of a permission query.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     Reason     `json:"reason"`
	Permission Permission `json:"permission"`
	Role       Role       `json:"role,omitempty"`
	OverrideID string     `json:"override_id,omitempty"`
	// ExpiresAt is set when the deciding override expires; the decision is stale after it.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UserOverride grants or denies one permission to one user, optionally until ExpiresAt.
type UserOverride struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	Permission Permission `json:"permission"`
	Granted    bool       `json:"granted"`
	GrantedBy  int64      `json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the override is still in force at now.
func (o UserOverride) ActiveAt(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}
