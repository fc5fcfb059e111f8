// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow/platform/orchestrator/documents"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/shared/logger"
)

var sources = []*documents.Document{
	{ID: "d1", Content: "Арендная плата составляет 50 000 рублей в месяц. Договор от 01.03.2024."},
	{ID: "d2", Content: "Претензия направлена 15.04.2024."},
}

type fakeDetector struct {
	conflictWith string
	err          error
	panics       bool
	calls        int
}

func (f *fakeDetector) Conflicts(_ context.Context, _ Finding, b Finding) (bool, string, error) {
	f.calls++
	if f.panics {
		panic("detector bug")
	}
	if f.err != nil {
		return false, "", f.err
	}
	if b.ID == f.conflictWith {
		return true, "суммы не совпадают", nil
	}
	return false, "", nil
}

type fakeVerifier struct {
	agreement float64
	err       error
}

func (f *fakeVerifier) Verify(context.Context, Finding, string) (float64, string, error) {
	return f.agreement, "checked", f.err
}

func supported() Finding {
	return Finding{
		ID: "key_facts", Task: "key_facts",
		Text:         "Арендная плата составляет 50 000 рублей в месяц",
		Completeness: 0.9, SourceQuality: 0.8, Confidence: 0.9,
	}
}

func newValidator(d ConflictDetector, v Verifier) *Validator {
	return New(DefaultConfig(), d, v, logger.Discard("validator"))
}

func TestValidateFinding_SupportedFindingIsValid(t *testing.T) {
	v := newValidator(nil, nil)

	res := v.ValidateFinding(context.Background(), supported(), sources, nil, "")

	assert.True(t, res.Evidence.Passed)
	assert.True(t, res.Evidence.FoundInDocs)
	assert.Equal(t, 1.0, res.Evidence.Confidence)
	assert.Equal(t, []string{"d1"}, res.Evidence.SourceIDs)
	assert.True(t, res.Consistency.Skipped)
	assert.True(t, res.Circular.Skipped)
	assert.True(t, res.Circular.Confirmed)
	assert.InDelta(t, 0.935, res.Confidence.Score, 0.001)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Issues)
}

func TestValidateFinding_UnsupportedFindingIsInvalid(t *testing.T) {
	v := newValidator(&fakeDetector{}, &fakeVerifier{agreement: 1})
	finding := supported()
	finding.Text = "Ответчик признал долг в размере миллиона евро"
	finding.Confidence, finding.Completeness, finding.SourceQuality = 1, 1, 1

	res := v.ValidateFinding(context.Background(), finding, sources,
		[]Finding{{ID: "risk", Task: "risk", Text: "штраф"}}, "risk")

	assert.False(t, res.Evidence.Passed)
	assert.False(t, res.Evidence.FoundInDocs)
	assert.True(t, res.Consistency.Passed)
	assert.True(t, res.Circular.Confirmed)
	assert.False(t, res.IsValid)
	require.NotEmpty(t, res.Issues)
	assert.Contains(t, res.Issues[0], "not supported")
}

func TestValidateFinding_NoSources(t *testing.T) {
	v := newValidator(nil, nil)

	res := v.ValidateFinding(context.Background(), supported(), nil, nil, "")

	assert.False(t, res.Evidence.Passed)
	assert.Equal(t, "no source documents supplied", res.Evidence.Error)
	assert.False(t, res.IsValid)
}

func TestConsistencyCheck(t *testing.T) {
	others := []Finding{
		{ID: "key_facts_2", Task: "key_facts", Text: "тот же тип"},
		{ID: "risk", Task: "risk", Text: "штраф"},
		{ID: "discrepancy", Task: "discrepancy", Text: "суммы расходятся"},
	}

	t.Run("conflict with other task", func(t *testing.T) {
		d := &fakeDetector{conflictWith: "discrepancy"}
		res := newValidator(d, nil).ValidateFinding(context.Background(), supported(), sources, others, "")

		assert.Equal(t, 2, d.calls, "same-task findings are not compared")
		assert.False(t, res.Consistency.Passed)
		require.Len(t, res.Consistency.Conflicts, 1)
		assert.Equal(t, "discrepancy", res.Consistency.Conflicts[0].FindingID)
		assert.Equal(t, 0.5, res.Confidence.Components["consistency"])
		assert.False(t, res.IsValid)
	})

	t.Run("detector error degrades the check", func(t *testing.T) {
		res := newValidator(&fakeDetector{err: errors.New("timeout")}, nil).
			ValidateFinding(context.Background(), supported(), sources, others, "")

		assert.False(t, res.Consistency.Passed)
		assert.Contains(t, res.Consistency.Error, "timeout")
		assert.True(t, res.Evidence.Passed, "other checks still run")
		assert.Equal(t, 0.0, res.Confidence.Components["consistency"])
	})

	t.Run("detector panic degrades the check", func(t *testing.T) {
		res := newValidator(&fakeDetector{panics: true}, nil).
			ValidateFinding(context.Background(), supported(), sources, others, "")

		assert.False(t, res.Consistency.Passed)
		assert.Contains(t, res.Consistency.Error, "panicked")
		assert.True(t, res.Circular.Confirmed)
	})
}

func TestCircularVerification(t *testing.T) {
	tests := []struct {
		name          string
		verifier      Verifier
		task          string
		wantConfirmed bool
		wantErr       string
	}{
		{name: "agreement above threshold", verifier: &fakeVerifier{agreement: 0.8}, task: "discrepancy", wantConfirmed: true},
		{name: "agreement below threshold", verifier: &fakeVerifier{agreement: 0.5}, task: "discrepancy"},
		{name: "same task cannot verify", verifier: &fakeVerifier{agreement: 1}, task: "key_facts", wantErr: "must differ"},
		{name: "verifier error", verifier: &fakeVerifier{err: errors.New("rate limited")}, task: "risk", wantErr: "rate limited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newValidator(nil, tt.verifier).ValidateFinding(context.Background(), supported(), sources, nil, tt.task)

			assert.Equal(t, tt.wantConfirmed, res.Circular.Confirmed)
			assert.Equal(t, tt.wantConfirmed, res.IsValid)
			if tt.wantErr != "" {
				assert.Contains(t, res.Circular.Error, tt.wantErr)
			}
		})
	}
}

func TestConfidenceThreshold(t *testing.T) {
	finding := supported()
	finding.Completeness, finding.SourceQuality, finding.Confidence = 0.1, 0.1, 0.1

	res := newValidator(nil, nil).ValidateFinding(context.Background(), finding, sources, nil, "")

	assert.True(t, res.Evidence.Passed)
	assert.InDelta(t, 0.55, res.Confidence.Score, 0.001)
	assert.False(t, res.Confidence.Passed)
	assert.False(t, res.IsValid)
}

func TestKeyPhrases(t *testing.T) {
	phrases := KeyPhrases("Договор от 01.03.2024. Срок 11 месяцев")

	assert.Equal(t, []string{"договор от 01", "03 2024", "срок 11 месяцев"}, phrases)
	assert.Empty(t, KeyPhrases(" . "))
	assert.Equal(t, []string{"аренда"}, KeyPhrases("Аренда"))
}

func TestFindingFromResult(t *testing.T) {
	value := []interface{}{
		map[string]interface{}{"fact": "Договор от 01.03.2024", "source": "d1"},
		map[string]interface{}{"party": "ООО Ромашка", "role": "арендодатель"},
		"Претензия направлена",
	}

	f := FindingFromResult("key_facts", "key_facts", value, 0.8, 1)

	assert.Equal(t, "Договор от 01.03.2024. ООО Ромашка арендодатель. Претензия направлена", f.Text)
	assert.Equal(t, 0.8, f.Confidence)
}

func TestLLMConflictDetectorAndVerifier(t *testing.T) {
	mock := llm.NewMockProvider("m").
		On("detect factual contradictions", `{"conflict": true, "reason": "разные суммы"}`).
		On("Independently check", "```json\n{\"agreement\": 0.9, \"rationale\": \"подтверждено\"}\n```")

	conflict, reason, err := (&LLMConflictDetector{Provider: mock}).Conflicts(context.Background(), supported(), Finding{Task: "risk", Text: "x"})
	require.NoError(t, err)
	assert.True(t, conflict)
	assert.Equal(t, "разные суммы", reason)

	agreement, rationale, err := (&LLMVerifier{Provider: mock}).Verify(context.Background(), supported(), "discrepancy")
	require.NoError(t, err)
	assert.Equal(t, 0.9, agreement)
	assert.Equal(t, "подтверждено", rationale)

	bad := llm.NewMockProvider("bad").Default(func(llm.CompletionRequest) (string, error) { return "не знаю", nil })
	_, _, err = (&LLMVerifier{Provider: bad}).Verify(context.Background(), supported(), "risk")
	assert.Error(t, err)
}
