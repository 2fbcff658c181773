package rbac

import "sync"

// Resolver computes effective permission sets for roles. Results are memoized
// for the lifetime of the Resolver, which is tied to one policy snapshot.
type Resolver struct {
	hierarchy *Hierarchy
	memo      sync.Map // Role -> PermissionSet
}

// NewResolver builds a Resolver over h.
func NewResolver(h *Hierarchy) *Resolver {
	return &Resolver{hierarchy: h}
}

// Resolve returns the role's direct grants merged with those of all ancestors.
// Unknown roles resolve to an empty set. The returned set must not be modified.
func (r *Resolver) Resolve(role Role) PermissionSet {
	if cached, ok := r.memo.Load(role); ok {
		return cached.(PermissionSet)
	}
	if !r.hierarchy.has(role) {
		return PermissionSet{}
	}
	set := make(PermissionSet)
	for p := range r.hierarchy.direct[role] {
		set[p] = struct{}{}
	}
	for _, ancestor := range r.hierarchy.ancestors[role] {
		for p := range r.hierarchy.direct[ancestor] {
			set[p] = struct{}{}
		}
	}
	// Concurrent first calls may both compute; they store equal sets.
	actual, _ := r.memo.LoadOrStore(role, set)
	return actual.(PermissionSet)
}

// HasEffectivePermission reports whether the role, directly or by inheritance,
// holds (resource, action).
func (r *Resolver) HasEffectivePermission(role Role, resource Resource, action Action) bool {
	return r.Resolve(role).Has(Perm(resource, action))
}
