package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmang004/proxapeople-sub000/internal/rbac"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateCommandJSONSuccess(t *testing.T) {
	data, err := rbac.MarshalPolicyYAML(rbac.DefaultPolicy())
	require.NoError(t, err)
	path := writePolicy(t, string(data))

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	code := ValidateCommand(context.Background(), PolicyOptions{Path: path, JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Zero(t, code)
	require.Empty(t, stderr.String())

	var summary PolicySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Equal(t, len(rbac.DefaultResources()), summary.Resources)
	require.Len(t, summary.Roles, 4)
}

func TestValidateCommandReportsProblems(t *testing.T) {
	path := writePolicy(t, `
resources:
  - name: goals
    actions: [view]
roles:
  - name: employee
    parents: [manager]
    grants: [goals:view]
  - name: manager
    parents: [employee]
    grants: [goals:view]
`)
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	code := ValidateCommand(context.Background(), PolicyOptions{Path: path, JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Equal(t, 10, code)

	var summary PolicySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.False(t, summary.OK)
	require.NotEmpty(t, summary.Problems)
}

func TestValidateCommandHumanOutput(t *testing.T) {
	path := writePolicy(t, "roles: [")
	stdout := new(bytes.Buffer)
	code := ValidateCommand(context.Background(), PolicyOptions{Path: path, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, 10, code)
	require.Contains(t, stdout.String(), "is invalid")
}

func TestValidateCommandMissingFile(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := ValidateCommand(context.Background(), PolicyOptions{Path: filepath.Join(t.TempDir(), "absent.yaml"), Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "policy validate")

	code = ValidateCommand(context.Background(), PolicyOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
}

func TestExportCommandRoundTripsThroughValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exported.yaml")
	stdout := new(bytes.Buffer)
	require.Zero(t, ExportCommand(PolicyOptions{Path: path, Stdout: stdout, Stderr: new(bytes.Buffer)}))
	require.Contains(t, stdout.String(), "wrote")

	code := ValidateCommand(context.Background(), PolicyOptions{Path: path, Stdout: new(bytes.Buffer), Stderr: new(bytes.Buffer)})
	require.Zero(t, code)
}
