package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nmang004/proxapeople-sub000/internal/rbac"
)

// PolicyOptions defines flags shared by the policy commands.
type PolicyOptions struct {
	Path       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// PolicySummary is the JSON output of policy validate.
type PolicySummary struct {
	OK        bool          `json:"ok"`
	Problems  []string      `json:"problems,omitempty"`
	Resources int           `json:"resources"`
	Roles     []RoleSummary `json:"roles,omitempty"`
}

// RoleSummary reports the size of a role's direct and effective grants.
type RoleSummary struct {
	Name      rbac.Role   `json:"name"`
	Ancestors []rbac.Role `json:"ancestors"`
	Direct    int         `json:"direct"`
	Effective int         `json:"effective"`
}

func (o *PolicyOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// ValidateCommand loads the policy file and reports whether it would be
// accepted at startup. Exit code 0 means valid, 10 means invalid policy.
func ValidateCommand(ctx context.Context, opts PolicyOptions) int {
	opts.defaults()
	if opts.Path == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "policy validate: --file is required")
		return 1
	}
	summary, err := validatePolicy(ctx, rbac.FileSource{Path: opts.Path})
	var cfgErr *rbac.ConfigurationError
	if err != nil && !errors.As(err, &cfgErr) {
		_, _ = fmt.Fprintf(opts.Stderr, "policy validate: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "policy validate: encode json: %v\n", err)
			return 1
		}
	} else {
		renderSummary(opts.Stdout, opts.Path, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

// ExportCommand writes the built-in policy as YAML, ready to be edited and
// served through the file source.
func ExportCommand(opts PolicyOptions) int {
	opts.defaults()
	data, err := rbac.MarshalPolicyYAML(rbac.DefaultPolicy())
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "policy export: %v\n", err)
		return 1
	}
	out := opts.Stdout
	if opts.Path != "" {
		if err := os.WriteFile(opts.Path, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "policy export: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(out, "wrote %s\n", opts.Path)
		return 0
	}
	_, _ = out.Write(data)
	return 0
}

func validatePolicy(ctx context.Context, source rbac.PolicySource) (PolicySummary, error) {
	def, err := source.LoadPolicy(ctx)
	if err != nil {
		return summaryFromError(err), err
	}
	policy, err := rbac.NewPolicy(def)
	if err != nil {
		summary := summaryFromError(err)
		summary.Resources = len(def.Resources)
		return summary, err
	}
	summary := PolicySummary{OK: true, Resources: len(policy.Catalog.ListResources())}
	for _, role := range policy.Hierarchy.Roles() {
		summary.Roles = append(summary.Roles, RoleSummary{
			Name:      role,
			Ancestors: policy.Hierarchy.Ancestors(role),
			Direct:    len(policy.Hierarchy.DirectPermissions(role)),
			Effective: len(policy.Resolver.Resolve(role)),
		})
	}
	return summary, nil
}

func summaryFromError(err error) PolicySummary {
	var cfgErr *rbac.ConfigurationError
	if errors.As(err, &cfgErr) {
		return PolicySummary{OK: false, Problems: append([]string(nil), cfgErr.Problems...)}
	}
	return PolicySummary{OK: false, Problems: []string{err.Error()}}
}

func renderSummary(out io.Writer, path string, summary PolicySummary) {
	if !summary.OK {
		_, _ = fmt.Fprintf(out, "%s is invalid, %d problem(s):\n", path, len(summary.Problems))
		for _, p := range summary.Problems {
			_, _ = fmt.Fprintf(out, "  - %s\n", p)
		}
		return
	}
	_, _ = fmt.Fprintf(out, "%s is valid: %d resources, %d roles\n", path, summary.Resources, len(summary.Roles))
	for _, r := range summary.Roles {
		_, _ = fmt.Fprintf(out, "  %-10s direct=%-3d effective=%-3d inherits=%v\n", r.Name, r.Direct, r.Effective, r.Ancestors)
	}
}
