package rbac

import (
	"sort"
	"strings"
)

// RoleDef declares a role's parents and its direct (non-inherited) grants.
type RoleDef struct {
	Name        Role         `json:"name"`
	Label       string       `json:"label,omitempty"`
	Parents     []Role       `json:"parents,omitempty"`
	Permissions []Permission `json:"permissions"`
}

// Hierarchy holds validated role inheritance and direct grants.
type Hierarchy struct {
	roles     map[Role]RoleDef
	direct    map[Role]PermissionSet
	ancestors map[Role][]Role
	ordered   []Role
}

// NewHierarchy validates defs against the catalog. Every enumerated role must be
// declared exactly once, parents must be known, inheritance must be acyclic and
// every direct grant must be valid in the catalog.
func NewHierarchy(catalog *Catalog, defs []RoleDef) (*Hierarchy, error) {
	problems := problemList{component: "role hierarchy"}
	h := &Hierarchy{
		roles:     make(map[Role]RoleDef, len(defs)),
		direct:    make(map[Role]PermissionSet, len(defs)),
		ancestors: make(map[Role][]Role, len(defs)),
	}
	for _, def := range defs {
		name := Role(strings.ToLower(strings.TrimSpace(string(def.Name))))
		if !name.Valid() {
			problems.addf("unknown role %q", def.Name)
			continue
		}
		if _, dup := h.roles[name]; dup {
			problems.addf("role %q declared twice", name)
			continue
		}
		def.Name = name
		def.Parents = append([]Role(nil), def.Parents...)
		set := make(PermissionSet, len(def.Permissions))
		for _, p := range def.Permissions {
			if !catalog.IsActionValidForResource(p.Resource, p.Action) {
				problems.addf("role %q grants %q which the catalog does not define", name, p.ID())
				continue
			}
			set[p] = struct{}{}
		}
		h.roles[name] = def
		h.direct[name] = set
	}
	for _, r := range allRoles {
		if _, ok := h.roles[r]; !ok {
			problems.addf("role %q is not declared", r)
		}
	}
	for name, def := range h.roles {
		for _, parent := range def.Parents {
			if parent == name {
				problems.addf("role %q inherits from itself", name)
				continue
			}
			if _, ok := h.roles[parent]; !ok {
				problems.addf("role %q inherits from unknown role %q", name, parent)
			}
		}
	}
	if err := problems.err(); err != nil {
		return nil, err
	}
	if cycle := findCycle(h.roles); len(cycle) > 0 {
		problems.addf("circular inheritance: %s", joinRoles(cycle, " -> "))
		return nil, problems.err()
	}
	for name := range h.roles {
		h.ancestors[name] = h.walkAncestors(name)
	}
	h.ordered = h.sortByDepth()
	return h, nil
}

// DirectPermissions returns the grants declared on the role itself.
func (h *Hierarchy) DirectPermissions(role Role) []Permission {
	return h.direct[role].Sorted()
}

// Ancestors returns every role the given role inherits from, nearest first.
func (h *Hierarchy) Ancestors(role Role) []Role {
	return append([]Role(nil), h.ancestors[role]...)
}

// Roles returns all declared roles with base roles first.
func (h *Hierarchy) Roles() []Role {
	return append([]Role(nil), h.ordered...)
}

// Definition returns the declaration of role.
func (h *Hierarchy) Definition(role Role) (RoleDef, bool) {
	def, ok := h.roles[role]
	return def, ok
}

func (h *Hierarchy) has(role Role) bool {
	_, ok := h.roles[role]
	return ok
}

// walkAncestors is a breadth-first walk so the nearest parent comes first even
// if the graph ever stops being a single chain.
func (h *Hierarchy) walkAncestors(role Role) []Role {
	var out []Role
	seen := map[Role]bool{role: true}
	queue := append([]Role(nil), h.roles[role].Parents...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, h.roles[next].Parents...)
	}
	return out
}

func (h *Hierarchy) sortByDepth() []Role {
	roles := make([]Role, 0, len(h.roles))
	for r := range h.roles {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool {
		di, dj := len(h.ancestors[roles[i]]), len(h.ancestors[roles[j]])
		if di != dj {
			return di < dj
		}
		return roles[i] < roles[j]
	})
	return roles
}

// findCycle returns the first cycle found as a path, or nil.
func findCycle(roles map[Role]RoleDef) []Role {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[Role]int, len(roles))
	names := make([]Role, 0, len(roles))
	for r := range roles {
		names = append(names, r)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var path []Role
	var visit func(Role) []Role
	visit = func(r Role) []Role {
		state[r] = inProgress
		path = append(path, r)
		for _, parent := range roles[r].Parents {
			switch state[parent] {
			case inProgress:
				for i, p := range path {
					if p == parent {
						return append(append([]Role(nil), path[i:]...), parent)
					}
				}
			case unvisited:
				if cycle := visit(parent); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[r] = done
		return nil
	}
	for _, r := range names {
		if state[r] == unvisited {
			if cycle := visit(r); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func joinRoles(roles []Role, sep string) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, sep)
}
