package rbac

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk YAML layout.
type policyFile struct {
	Resources []ResourceDef `yaml:"resources"`
	Roles     []roleEntry   `yaml:"roles"`
}

type roleEntry struct {
	Name    Role     `yaml:"name"`
	Label   string   `yaml:"label,omitempty"`
	Parents []Role   `yaml:"parents,omitempty"`
	Grants  []string `yaml:"grants"`
}

// FileSource loads a policy from a YAML file on every call.
type FileSource struct {
	Path string
}

// LoadPolicy implements PolicySource.
func (s FileSource) LoadPolicy(ctx context.Context) (PolicyDefinition, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return PolicyDefinition{}, fmt.Errorf("rbac: read policy file: %w", err)
	}
	return ParsePolicyYAML(data)
}

// ParsePolicyYAML decodes a YAML policy document. Grants use the "resource:action" form.
func ParsePolicyYAML(data []byte) (PolicyDefinition, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return PolicyDefinition{}, &ConfigurationError{Component: "policy file", Problems: []string{err.Error()}}
	}
	problems := problemList{component: "policy file"}
	def := PolicyDefinition{Resources: doc.Resources}
	for _, entry := range doc.Roles {
		role := RoleDef{Name: entry.Name, Label: entry.Label, Parents: entry.Parents}
		for _, raw := range entry.Grants {
			p, err := ParsePermission(raw)
			if err != nil {
				problems.addf("role %q: %v", entry.Name, err)
				continue
			}
			role.Permissions = append(role.Permissions, p)
		}
		def.Roles = append(def.Roles, role)
	}
	if err := problems.err(); err != nil {
		return PolicyDefinition{}, err
	}
	return def, nil
}

// MarshalPolicyYAML renders def in the layout ParsePolicyYAML accepts.
func MarshalPolicyYAML(def PolicyDefinition) ([]byte, error) {
	doc := policyFile{Resources: def.Resources}
	for _, r := range def.Roles {
		entry := roleEntry{Name: r.Name, Label: r.Label, Parents: r.Parents}
		for _, p := range r.Permissions {
			entry.Grants = append(entry.Grants, p.ID())
		}
		doc.Roles = append(doc.Roles, entry)
	}
	return yaml.Marshal(doc)
}
