package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest indicates an unknown resource or an action the resource does not support.
	ErrInvalidRequest = errors.New("rbac: invalid request")
	// ErrDuplicateOverride indicates an active override already exists for the same user and permission.
	ErrDuplicateOverride = errors.New("rbac: duplicate override")
	// ErrResourceNotFound indicates the catalog has no resource with the given name.
	ErrResourceNotFound = errors.New("rbac: resource not found")
	// ErrValidation indicates malformed input to an administrative operation.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrUnknownRole indicates a role outside the role enumeration.
	ErrUnknownRole = errors.New("rbac: unknown role")
	// ErrUnavailable indicates a decision could not be evaluated and was denied.
	ErrUnavailable = errors.New("rbac: decision unavailable")
)

// ConfigurationError reports a malformed catalog or hierarchy. It is raised
// while loading a policy and must stop the process from starting.
type ConfigurationError struct {
	Component string
	Problems  []string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rbac: invalid %s: %s", e.Component, strings.Join(e.Problems, "; "))
}

type problemList struct {
	component string
	problems  []string
}

func (p *problemList) addf(format string, args ...any) {
	p.problems = append(p.problems, fmt.Sprintf(format, args...))
}

func (p *problemList) err() error {
	if len(p.problems) == 0 {
		return nil
	}
	return &ConfigurationError{Component: p.component, Problems: p.problems}
}
