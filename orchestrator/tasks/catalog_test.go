// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_Consistency(t *testing.T) {
	tools := make(map[string]string)
	for _, task := range All() {
		assert.NotEmpty(t, task.Tool, task.Name)
		assert.NotEmpty(t, task.Output, task.Name)
		if other, dup := tools[task.Tool]; dup {
			t.Errorf("tool %s bound to both %s and %s", task.Tool, other, task.Name)
		}
		tools[task.Tool] = task.Name
		for _, p := range task.Prerequisites {
			_, ok := Lookup(p)
			assert.True(t, ok, "%s requires unknown task %s", task.Name, p)
		}
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	risk, ok := Lookup(Risk)
	require.True(t, ok)
	risk.Prerequisites[0] = "changed"

	again, _ := Lookup(Risk)
	assert.Equal(t, []string{Discrepancy}, again.Prerequisites)
	assert.Equal(t, []string{Discrepancy}, Prerequisites()[Risk])
}

func TestAccessors(t *testing.T) {
	assert.Equal(t, "timeline_builder", ToolFor(Timeline))
	assert.Equal(t, "", ToolFor("unknown"))
	assert.Equal(t, "events", OutputKey(Timeline))
	assert.True(t, IsExtraction(DateExtraction))
	assert.False(t, IsExtraction(Risk))
	names := Names()
	assert.Len(t, names, len(All()))
	assert.IsIncreasing(t, names)
}
