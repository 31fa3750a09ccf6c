package router

import "strings"

// DefaultSimpleKeywords mark single-fact lookups and one-shot logging that a
// small model handles well.
var DefaultSimpleKeywords = []string{
	"how many calories", "calories in", "how much protein", "protein in",
	"what did i eat", "what i ate", "today", "yesterday", "my weight",
	"current weight", "log", "add", "record", "track", "show me", "list",
	"what is my", "whats my", "remaining", "left today", "last workout",
	"cuantas calorias", "registra", "quantas calorias", "registrar",
	"combien de calories", "wie viele kalorien", "quante calorie",
}

// DefaultComplexKeywords mark multi-step reasoning, planning and analysis.
var DefaultComplexKeywords = []string{
	"plan", "program", "programme", "routine", "schedule", "why", "analyze",
	"analyse", "analysis", "compare", "trend", "progress", "recommend",
	"should i", "strategy", "adjust", "optimize", "optimise", "explain",
	"this week", "this month", "last month", "over time", "plateau",
	"injury", "macro split", "periodization", "deficit", "bulk", "cut",
	"meal prep", "improve", "advice", "help me",
	"por que", "plano", "pourquoi", "warum", "perche", "programa",
}

type keywordSet struct {
	phrases []string // normalized, space padded
}

func newKeywordSet(raw []string) keywordSet {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, kw := range raw {
		n := normalizeText(kw)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, " "+n+" ")
	}
	return keywordSet{phrases: out}
}

// count returns how many distinct keywords appear as whole words in the
// padded normalized text.
func (k keywordSet) count(padded string) int {
	n := 0
	for _, p := range k.phrases {
		if strings.Contains(padded, p) {
			n++
		}
	}
	return n
}

func padNormalized(message string) string {
	return " " + normalizeText(message) + " "
}
