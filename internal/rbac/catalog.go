package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceDef declares a resource and the actions meaningful for it.
type ResourceDef struct {
	Name        Resource `json:"name" yaml:"name"`
	Label       string   `json:"label" yaml:"label"`
	Description string   `json:"description" yaml:"description"`
	Actions     []Action `json:"actions" yaml:"actions"`
	// Deprecated lists actions kept valid for existing grants but no longer offered.
	Deprecated []Action `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
}

// Supports reports whether action is valid for the resource.
func (d ResourceDef) Supports(action Action) bool {
	for _, a := range d.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// PermissionInfo describes a catalog permission for listings.
type PermissionInfo struct {
	ID          string     `json:"id"`
	Permission  Permission `json:"permission"`
	Description string     `json:"description"`
	Deprecated  bool       `json:"deprecated,omitempty"`
}

// Catalog is the validated, read-only set of resources.
type Catalog struct {
	resources map[Resource]ResourceDef
	names     []Resource
}

// NewCatalog validates defs and builds a Catalog. Any problem is reported as a
// *ConfigurationError listing every violation found.
func NewCatalog(defs []ResourceDef) (*Catalog, error) {
	problems := problemList{component: "catalog"}
	if len(defs) == 0 {
		problems.addf("no resources declared")
	}
	c := &Catalog{resources: make(map[Resource]ResourceDef, len(defs))}
	for _, def := range defs {
		name := Resource(strings.ToLower(strings.TrimSpace(string(def.Name))))
		if name == "" {
			problems.addf("resource with empty name")
			continue
		}
		if strings.Contains(string(name), ":") {
			problems.addf("resource %q: name must not contain ':'", name)
			continue
		}
		if _, dup := c.resources[name]; dup {
			problems.addf("resource %q declared twice", name)
			continue
		}
		if len(def.Actions) == 0 {
			problems.addf("resource %q declares no actions", name)
			continue
		}
		seen := make(map[Action]struct{}, len(def.Actions))
		actions := make([]Action, 0, len(def.Actions))
		for _, a := range def.Actions {
			if !a.Valid() {
				problems.addf("resource %q: unknown action %q", name, a)
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			actions = append(actions, a)
		}
		for _, a := range def.Deprecated {
			if _, ok := seen[a]; !ok {
				problems.addf("resource %q: deprecated action %q is not declared", name, a)
			}
		}
		sortActions(actions)
		def.Name = name
		def.Actions = actions
		def.Deprecated = append([]Action(nil), def.Deprecated...)
		if def.Label == "" {
			def.Label = titleCase(string(name))
		}
		c.resources[name] = def
		c.names = append(c.names, name)
	}
	if err := problems.err(); err != nil {
		return nil, err
	}
	sort.Slice(c.names, func(i, j int) bool { return c.names[i] < c.names[j] })
	return c, nil
}

// ListResources returns every resource ordered by name.
func (c *Catalog) ListResources() []ResourceDef {
	out := make([]ResourceDef, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, cloneResourceDef(c.resources[name]))
	}
	return out
}

// Resource returns the definition for name or ErrResourceNotFound.
func (c *Catalog) Resource(name Resource) (ResourceDef, error) {
	def, ok := c.resources[name]
	if !ok {
		return ResourceDef{}, fmt.Errorf("%w: %q", ErrResourceNotFound, name)
	}
	return cloneResourceDef(def), nil
}

// IsActionValidForResource reports whether action is declared for resource.
func (c *Catalog) IsActionValidForResource(resource Resource, action Action) bool {
	if c == nil {
		return false
	}
	def, ok := c.resources[resource]
	if !ok {
		return false
	}
	return def.Supports(action)
}

// Permissions lists every (resource, action) pair in the catalog.
func (c *Catalog) Permissions() []PermissionInfo {
	var out []PermissionInfo
	for _, name := range c.names {
		def := c.resources[name]
		deprecated := make(map[Action]struct{}, len(def.Deprecated))
		for _, a := range def.Deprecated {
			deprecated[a] = struct{}{}
		}
		for _, a := range def.Actions {
			p := Perm(name, a)
			_, dep := deprecated[a]
			out = append(out, PermissionInfo{
				ID:          p.ID(),
				Permission:  p,
				Description: fmt.Sprintf("%s %s", titleCase(string(a)), strings.ToLower(def.Label)),
				Deprecated:  dep,
			})
		}
	}
	return out
}

func cloneResourceDef(def ResourceDef) ResourceDef {
	def.Actions = append([]Action(nil), def.Actions...)
	def.Deprecated = append([]Action(nil), def.Deprecated...)
	return def
}

func sortActions(actions []Action) {
	rank := make(map[Action]int, len(allActions))
	for i, a := range allActions {
		rank[a] = i
	}
	sort.Slice(actions, func(i, j int) bool { return rank[actions[i]] < rank[actions[j]] })
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
