// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package intent

import (
	"regexp"
	"strings"
	"unicode"

	"lexflow/platform/orchestrator/tasks"
)

// Openers are anchored at the start of the normalized text. Go's \b is
// ASCII-only, so word ends are matched explicitly.
var (
	greetingPattern = regexp.MustCompile(
		`^(привет|здравствуй(те)?|добр(ый|ое|ого) (день|утро|вечер|дня)|доброе утро|hello|hi|hey|good (morning|afternoon|evening)|спасибо|thanks|thank you)([^\p{L}]|$)`)
	questionPattern = regexp.MustCompile(
		`^(что|как|какой|какая|какие|каков|когда|где|кто|почему|зачем|сколько|можно ли|есть ли|what|how|when|where|who|why|which|is|are|does|do|can)([^\p{L}]|$)`)
)

// imperativeStems start verbs that ask for work to be done.
var imperativeStems = []string{
	"извлеки", "выдели", "составь", "построй", "проанализируй", "проверь",
	"найди", "сравни", "подготовь", "создай", "оцени", "перечисли",
	"сделай", "напиши", "кратко изложи", "суммируй", "выяви", "определи",
	"extract", "build", "analyze", "analyse", "check", "find", "compare",
	"draft", "prepare", "create", "assess", "list", "summarize", "summarise", "review",
}

// taskStems maps word stems to catalog tasks.
var taskStems = []struct {
	stem string
	task string
}{
	{"дат", tasks.DateExtraction},
	{"срок", tasks.DateExtraction},
	{"date", tasks.DateExtraction},
	{"deadline", tasks.DateExtraction},
	{"таблиц", tasks.TableExtraction},
	{"table", tasks.TableExtraction},
	{"хронолог", tasks.Timeline},
	{"timeline", tasks.Timeline},
	{"chronolog", tasks.Timeline},
	{"противореч", tasks.Discrepancy},
	{"несоответств", tasks.Discrepancy},
	{"расхожден", tasks.Discrepancy},
	{"discrepanc", tasks.Discrepancy},
	{"contradict", tasks.Discrepancy},
	{"риск", tasks.Risk},
	{"risk", tasks.Risk},
	{"рекомендац", tasks.Recommendations},
	{"recommend", tasks.Recommendations},
	{"факт", tasks.KeyFacts},
	{"fact", tasks.KeyFacts},
	{"сторон", tasks.EntityExtraction},
	{"участник", tasks.EntityExtraction},
	{"сущност", tasks.EntityExtraction},
	{"part", tasks.EntityExtraction},
	{"entit", tasks.EntityExtraction},
	{"резюме", tasks.Summary},
	{"summar", tasks.Summary},
	{"закон", tasks.LegalResearch},
	{"практик", tasks.LegalResearch},
	{"прецедент", tasks.LegalResearch},
	{"statute", tasks.LegalResearch},
	{"precedent", tasks.LegalResearch},
	{"сравн", tasks.Comparison},
	{"compar", tasks.Comparison},
	{"проект", tasks.DocumentDraft},
	{"претензи", tasks.DocumentDraft},
	{"draft", tasks.DocumentDraft},
}

// ruleMatch is the outcome of the rule stage.
type ruleMatch struct {
	label      Label
	confidence float64
	tasks      []string
	rationale  string
}

// matchRules returns nil when no rule is decisive.
func matchRules(normalized string) *ruleMatch {
	ws := words(normalized)
	found := taskMentions(ws)
	imperative := hasImperative(normalized, ws)

	switch {
	case imperative && len(found) > 0:
		conf := 0.9
		if len(found) > 1 {
			conf = 0.95
		}
		return &ruleMatch{label: LabelComplex, confidence: conf, tasks: found,
			rationale: "imperative request naming analysis tasks"}
	case greetingPattern.MatchString(normalized) && len(found) == 0:
		return &ruleMatch{label: LabelSimple, confidence: 0.95, rationale: "greeting or small talk"}
	case questionPattern.MatchString(normalized) && !imperative && len(found) == 0:
		return &ruleMatch{label: LabelSimple, confidence: 0.9, rationale: "direct question"}
	}
	return nil
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hasImperative(normalized string, ws []string) bool {
	for _, stem := range imperativeStems {
		if strings.Contains(stem, " ") {
			if strings.Contains(normalized, stem) {
				return true
			}
			continue
		}
		for _, w := range ws {
			if w == stem {
				return true
			}
		}
	}
	return false
}

// taskMentions returns catalog tasks named in the text, in first-mention
// order without duplicates.
func taskMentions(ws []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range ws {
		for _, ts := range taskStems {
			if strings.HasPrefix(w, ts.stem) && !seen[ts.task] {
				seen[ts.task] = true
				out = append(out, ts.task)
			}
		}
	}
	return out
}
