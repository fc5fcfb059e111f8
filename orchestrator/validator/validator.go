// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package validator runs the multi-level acceptance checks on a finding:
// evidence in the source documents, consistency with other findings, a
// weighted confidence score and optional independent re-verification.
package validator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"lexflow/platform/orchestrator/documents"
	"lexflow/platform/shared/logger"
)

// Confidence blend weights.
const (
	weightEvidence       = 0.3
	weightConsistency    = 0.2
	weightCompleteness   = 0.2
	weightSourceQuality  = 0.15
	weightTaskConfidence = 0.15

	phraseLen    = 3
	maxPhrases   = 12
	neutralScore = 0.5
)

// Finding is a single result subject to validation.
type Finding struct {
	ID   string `json:"id"`
	Task string `json:"task"`
	Text string `json:"text"`
	// Completeness, SourceQuality and Confidence are declared by the
	// producing step. Zero means unknown.
	Completeness  float64 `json:"completeness,omitempty"`
	SourceQuality float64 `json:"source_quality,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// ConflictDetector decides whether two findings contradict each other.
type ConflictDetector interface {
	Conflicts(ctx context.Context, a, b Finding) (bool, string, error)
}

// Verifier asks an independent task to assess a finding. It returns an
// agreement score between 0 and 1.
type Verifier interface {
	Verify(ctx context.Context, finding Finding, verifyingTask string) (float64, string, error)
}

// Config holds validator thresholds.
type Config struct {
	EvidencePassRatio   float64 `yaml:"evidence_pass_ratio"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	AgreementThreshold  float64 `yaml:"agreement_threshold"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{EvidencePassRatio: 0.5, ConfidenceThreshold: 0.7, AgreementThreshold: 0.7}
}

// EvidenceCheck reports whether the finding's key phrases occur in the
// source documents.
type EvidenceCheck struct {
	Passed         bool     `json:"passed"`
	FoundInDocs    bool     `json:"found_in_docs"`
	Confidence     float64  `json:"confidence"`
	MatchedPhrases int      `json:"matched_phrases"`
	TotalPhrases   int      `json:"total_phrases"`
	SourceIDs      []string `json:"source_ids,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Conflict is one contradiction with another finding.
type Conflict struct {
	FindingID string `json:"finding_id"`
	Task      string `json:"task"`
	Reason    string `json:"reason"`
}

// ConsistencyCheck reports conflicts with findings of other tasks.
type ConsistencyCheck struct {
	Passed    bool       `json:"passed"`
	Skipped   bool       `json:"skipped,omitempty"`
	Compared  int        `json:"compared"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ConfidenceScore is the weighted blend of the evidence and declared scores.
type ConfidenceScore struct {
	Score      float64            `json:"score"`
	Passed     bool               `json:"passed"`
	Components map[string]float64 `json:"components"`
	Error      string             `json:"error,omitempty"`
}

// CircularVerification reports independent confirmation by another task.
type CircularVerification struct {
	Confirmed     bool    `json:"confirmed"`
	Skipped       bool    `json:"skipped,omitempty"`
	Agreement     float64 `json:"agreement"`
	VerifyingTask string  `json:"verifying_task,omitempty"`
	Rationale     string  `json:"rationale,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Result aggregates the four checks.
type Result struct {
	FindingID         string               `json:"finding_id"`
	Evidence          EvidenceCheck        `json:"evidence"`
	Consistency       ConsistencyCheck     `json:"consistency"`
	Confidence        ConfidenceScore      `json:"confidence"`
	Circular          CircularVerification `json:"circular"`
	IsValid           bool                 `json:"is_valid"`
	OverallConfidence float64              `json:"overall_confidence"`
	Issues            []string             `json:"issues,omitempty"`
	Recommendations   []string             `json:"recommendations,omitempty"`
}

// Map renders the result for embedding in a step result.
func (r *Result) Map() map[string]interface{} {
	issues := make([]interface{}, len(r.Issues))
	for i, s := range r.Issues {
		issues[i] = s
	}
	return map[string]interface{}{
		"is_valid":           r.IsValid,
		"overall_confidence": r.OverallConfidence,
		"evidence_passed":    r.Evidence.Passed,
		"consistency_passed": r.Consistency.Passed,
		"confidence_score":   r.Confidence.Score,
		"circular_confirmed": r.Circular.Confirmed,
		"circular_skipped":   r.Circular.Skipped,
		"issues":             issues,
	}
}

// Validator runs the checks. It is stateless between calls.
type Validator struct {
	cfg      Config
	detector ConflictDetector
	verifier Verifier
	log      *logger.Logger
}

// New creates a validator. detector and verifier may be nil, in which case
// the consistency and circular checks are skipped.
func New(cfg Config, detector ConflictDetector, verifier Verifier, log *logger.Logger) *Validator {
	def := DefaultConfig()
	if cfg.EvidencePassRatio <= 0 {
		cfg.EvidencePassRatio = def.EvidencePassRatio
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.AgreementThreshold <= 0 {
		cfg.AgreementThreshold = def.AgreementThreshold
	}
	if log == nil {
		log = logger.New("validator")
	}
	return &Validator{cfg: cfg, detector: detector, verifier: verifier, log: log}
}

// ValidateFinding runs all four checks. A failing or panicking check is
// reported as failed with its reason; it never aborts the others.
func (v *Validator) ValidateFinding(ctx context.Context, finding Finding, sources []*documents.Document, others []Finding, verifyingTask string) *Result {
	res := &Result{FindingID: finding.ID}

	res.Evidence = v.evidenceCheck(finding, sources)
	res.Consistency = v.consistencyCheck(ctx, finding, others)
	res.Confidence = v.confidenceScore(finding, res.Evidence, res.Consistency)
	res.Circular = v.circularVerification(ctx, finding, verifyingTask)

	res.OverallConfidence = res.Confidence.Score
	res.IsValid = res.Evidence.Passed &&
		res.Consistency.Passed &&
		res.Confidence.Score > v.cfg.ConfidenceThreshold &&
		res.Circular.Confirmed

	if !res.Evidence.Passed {
		res.Issues = append(res.Issues, withReason("finding is not supported by the source documents", res.Evidence.Error))
		res.Recommendations = append(res.Recommendations, "re-run the extraction on the cited documents or cite the exact passage")
	}
	if !res.Consistency.Passed {
		res.Issues = append(res.Issues, withReason(fmt.Sprintf("finding conflicts with %d other findings", len(res.Consistency.Conflicts)), res.Consistency.Error))
		res.Recommendations = append(res.Recommendations, "review the conflicting findings before relying on either")
	}
	if !res.Confidence.Passed {
		res.Issues = append(res.Issues, withReason(fmt.Sprintf("confidence %.2f is below %.2f", res.Confidence.Score, v.cfg.ConfidenceThreshold), res.Confidence.Error))
	}
	if !res.Circular.Confirmed {
		res.Issues = append(res.Issues, withReason("independent verification did not confirm the finding", res.Circular.Error))
		res.Recommendations = append(res.Recommendations, "request human review of the finding")
	}

	v.log.Debug("", "", "Finding validated", map[string]interface{}{
		"finding_id": finding.ID,
		"task":       finding.Task,
		"is_valid":   res.IsValid,
		"confidence": res.OverallConfidence,
	})
	return res
}

func withReason(msg, reason string) string {
	if reason == "" {
		return msg
	}
	return msg + ": " + reason
}

func (v *Validator) evidenceCheck(finding Finding, sources []*documents.Document) (check EvidenceCheck) {
	defer func() {
		if rec := recover(); rec != nil {
			check = EvidenceCheck{Error: fmt.Sprintf("evidence check panicked: %v", rec)}
		}
	}()

	phrases := KeyPhrases(finding.Text)
	check.TotalPhrases = len(phrases)
	if len(phrases) == 0 {
		check.Error = "finding has no text to verify"
		return check
	}
	if len(sources) == 0 {
		check.Error = "no source documents supplied"
		return check
	}

	indexed := make(map[string]string, len(sources))
	for _, doc := range sources {
		if doc != nil {
			indexed[doc.ID] = " " + strings.Join(documents.Tokenize(doc.Content), " ") + " "
		}
	}

	matchedBy := make(map[string]bool)
	for _, phrase := range phrases {
		matched := false
		for id, joined := range indexed {
			if strings.Contains(joined, " "+phrase+" ") {
				matched = true
				matchedBy[id] = true
			}
		}
		if matched {
			check.MatchedPhrases++
		}
	}

	ratio := float64(check.MatchedPhrases) / float64(len(phrases))
	check.Confidence = ratio
	check.FoundInDocs = check.MatchedPhrases > 0
	check.Passed = ratio >= v.cfg.EvidencePassRatio
	for id := range matchedBy {
		check.SourceIDs = append(check.SourceIDs, id)
	}
	sort.Strings(check.SourceIDs)
	return check
}

func (v *Validator) consistencyCheck(ctx context.Context, finding Finding, others []Finding) (check ConsistencyCheck) {
	defer func() {
		if rec := recover(); rec != nil {
			check = ConsistencyCheck{Error: fmt.Sprintf("consistency check panicked: %v", rec)}
		}
	}()

	if v.detector == nil {
		return ConsistencyCheck{Passed: true, Skipped: true}
	}
	for _, other := range others {
		if other.Task == finding.Task || other.ID == finding.ID {
			continue
		}
		check.Compared++
		conflict, reason, err := v.detector.Conflicts(ctx, finding, other)
		if err != nil {
			return ConsistencyCheck{Compared: check.Compared, Conflicts: check.Conflicts, Error: fmt.Sprintf("conflict detection failed: %v", err)}
		}
		if conflict {
			check.Conflicts = append(check.Conflicts, Conflict{FindingID: other.ID, Task: other.Task, Reason: reason})
		}
	}
	check.Passed = len(check.Conflicts) == 0
	return check
}

func (v *Validator) confidenceScore(finding Finding, evidence EvidenceCheck, consistency ConsistencyCheck) (score ConfidenceScore) {
	defer func() {
		if rec := recover(); rec != nil {
			score = ConfidenceScore{Error: fmt.Sprintf("confidence scoring panicked: %v", rec)}
		}
	}()

	consistencyScore := 1.0
	switch {
	case consistency.Error != "":
		consistencyScore = 0
	case consistency.Compared > 0:
		consistencyScore = 1 - float64(len(consistency.Conflicts))/float64(consistency.Compared)
	}

	components := map[string]float64{
		"evidence":        evidence.Confidence,
		"consistency":     consistencyScore,
		"completeness":    orNeutral(finding.Completeness),
		"source_quality":  orNeutral(finding.SourceQuality),
		"task_confidence": orNeutral(finding.Confidence),
	}
	total := weightEvidence*components["evidence"] +
		weightConsistency*components["consistency"] +
		weightCompleteness*components["completeness"] +
		weightSourceQuality*components["source_quality"] +
		weightTaskConfidence*components["task_confidence"]

	score.Score = float64(int(total*1000+0.5)) / 1000
	score.Components = components
	score.Passed = score.Score > v.cfg.ConfidenceThreshold
	return score
}

func (v *Validator) circularVerification(ctx context.Context, finding Finding, verifyingTask string) (check CircularVerification) {
	defer func() {
		if rec := recover(); rec != nil {
			check = CircularVerification{VerifyingTask: verifyingTask, Error: fmt.Sprintf("verification panicked: %v", rec)}
		}
	}()

	check.VerifyingTask = verifyingTask
	if verifyingTask == "" || v.verifier == nil {
		check.Skipped = true
		check.Confirmed = true
		return check
	}
	if verifyingTask == finding.Task {
		check.Error = "verifying task must differ from the producing task"
		return check
	}

	agreement, rationale, err := v.verifier.Verify(ctx, finding, verifyingTask)
	if err != nil {
		check.Error = fmt.Sprintf("verification failed: %v", err)
		return check
	}
	check.Agreement = agreement
	check.Rationale = rationale
	check.Confirmed = agreement >= v.cfg.AgreementThreshold
	return check
}

func orNeutral(f float64) float64 {
	if f <= 0 || f > 1 {
		return neutralScore
	}
	return f
}

// KeyPhrases splits text into consecutive token windows used for evidence
// matching.
func KeyPhrases(text string) []string {
	var phrases []string
	for _, clause := range splitClauses(text) {
		tokens := documents.Tokenize(clause)
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) < phraseLen {
			phrases = append(phrases, strings.Join(tokens, " "))
			continue
		}
		for i := 0; i+phraseLen <= len(tokens); i += phraseLen {
			phrases = append(phrases, strings.Join(tokens[i:i+phraseLen], " "))
		}
		if rest := len(tokens) % phraseLen; rest >= 2 {
			phrases = append(phrases, strings.Join(tokens[len(tokens)-rest:], " "))
		}
	}
	if len(phrases) > maxPhrases {
		phrases = phrases[:maxPhrases]
	}
	return phrases
}

// splitClauses breaks text at sentence punctuation. A period only ends a
// clause when followed by a space, so dates like 01.03.2024 stay whole.
func splitClauses(text string) []string {
	text = strings.ReplaceAll(text, ". ", "\n")
	return strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case ';', '!', '?', '\n':
			return true
		}
		return false
	})
}
