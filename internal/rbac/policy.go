package rbac

import (
	"context"
	"time"
)

// PolicyDefinition is the raw, unvalidated form of a catalog plus hierarchy.
type PolicyDefinition struct {
	Resources []ResourceDef
	Roles     []RoleDef
}

// PolicySource supplies policy definitions for loading and reloading.
type PolicySource interface {
	LoadPolicy(ctx context.Context) (PolicyDefinition, error)
}

// PolicySourceFunc adapts a function to PolicySource.
type PolicySourceFunc func(ctx context.Context) (PolicyDefinition, error)

// LoadPolicy implements PolicySource.
func (f PolicySourceFunc) LoadPolicy(ctx context.Context) (PolicyDefinition, error) {
	return f(ctx)
}

// Policy is one validated, immutable snapshot of catalog, hierarchy and resolver.
type Policy struct {
	Catalog   *Catalog
	Hierarchy *Hierarchy
	Resolver  *Resolver
	LoadedAt  time.Time
}

// NewPolicy validates def. Errors are *ConfigurationError.
func NewPolicy(def PolicyDefinition) (*Policy, error) {
	catalog, err := NewCatalog(def.Resources)
	if err != nil {
		return nil, err
	}
	hierarchy, err := NewHierarchy(catalog, def.Roles)
	if err != nil {
		return nil, err
	}
	return &Policy{
		Catalog:   catalog,
		Hierarchy: hierarchy,
		Resolver:  NewResolver(hierarchy),
		LoadedAt:  time.Now().UTC(),
	}, nil
}

// LoadPolicy reads def from source and validates it.
func LoadPolicy(ctx context.Context, source PolicySource) (*Policy, error) {
	def, err := source.LoadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	return NewPolicy(def)
}
