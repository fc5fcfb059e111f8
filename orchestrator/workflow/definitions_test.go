// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaseReview = `
id: lease_review
name: Lease review
category: real_estate
available_tools: [key_facts_extraction, risk_analysis]
max_steps: 4
timeout_minutes: 20
default_plan:
  - id: facts
    name: Key facts
    task: key_facts
    tool: key_facts_extraction
    params:
      file_ids: "{{file_ids}}"
  - id: risks
    name: Risks
    task: risk
    tool: risk_analysis
    depends_on: [facts]
    max_retries: 1
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(leaseReview))
	require.NoError(t, err)

	assert.Equal(t, "lease_review", def.ID)
	assert.Equal(t, 20, def.TimeoutMinutes)
	assert.Equal(t, []string{"key_facts_extraction", "risk_analysis"}, def.AvailableTools)
	require.Len(t, def.DefaultPlan, 2)

	risks := def.DefaultPlan[1]
	assert.Equal(t, "risk_analysis", risks.ToolName)
	assert.Equal(t, []string{"facts"}, risks.DependsOn)
	assert.Equal(t, 1, risks.MaxRetries)
	assert.Equal(t, StepPending, risks.Status)
	assert.Equal(t, "{{file_ids}}", def.DefaultPlan[0].Params["file_ids"])
}

func TestParseDefinition_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing id":      "name: x\n",
		"step without id": "id: a\nname: b\ndefault_plan:\n  - tool: search\n",
		"not yaml":        "id: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_lease.yaml", leaseReview)
	writeFile(t, dir, "a_nda.yml", "id: nda\nname: NDA check\n")
	writeFile(t, dir, "notes.txt", "ignored")

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "nda", defs[0].ID)
	assert.Equal(t, "lease_review", defs[1].ID)
}

func TestLoadDefinitions_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", leaseReview)
	writeFile(t, dir, "two.yaml", leaseReview)

	_, err := LoadDefinitions(dir)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestLoadDefinitions_MissingDir(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, defs)
}
