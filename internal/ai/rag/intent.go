package rag

import (
	"sort"
	"strings"
	"unicode"

	"github.com/floegence/coach-agent/internal/textfold"
)

type Intent string

const (
	IntentNutrition   Intent = "nutrition"
	IntentTraining    Intent = "training"
	IntentMeasurement Intent = "measurement"
	IntentGeneral     Intent = "general"
)

// Data domains, at most seven per query.
const (
	DomainProfile      = "profile"
	DomainPrograms     = "programs"
	DomainNutrition    = "nutrition"
	DomainTraining     = "training"
	DomainMeasurements = "measurements"
	DomainEntries      = "entries"
	DomainHistory      = "history"
)

const (
	generalConfidence = 0.3
	recentDays        = 7
	historicalDays    = 30
)

var intentKeywords = map[Intent][]string{
	IntentNutrition: {
		"eat", "ate", "eating", "food", "meal", "meals", "breakfast", "lunch", "dinner", "snack",
		"calorie", "calories", "kcal", "protein", "carb", "carbs", "fat", "fats", "macro", "macros",
		"diet", "nutrition", "hungry", "sugar", "fiber", "drink", "water",
		"comida", "comer", "desayuno", "almuerzo", "cena", "calorias", "proteina", "dieta",
		"refeicao", "cafe da manha", "almoco", "jantar",
		"repas", "manger", "petit dejeuner", "dejeuner", "diner",
		"essen", "mahlzeit", "fruhstuck", "mittagessen", "abendessen", "kalorien",
		"pasto", "mangiare", "colazione", "pranzo",
	},
	IntentTraining: {
		"workout", "workouts", "train", "training", "exercise", "exercises", "run", "running", "ran",
		"lift", "lifting", "gym", "squat", "squats", "deadlift", "bench", "cardio", "hiit", "swim",
		"cycling", "bike", "steps", "sets", "reps", "session", "stretch", "yoga", "pr",
		"entrenamiento", "entrenar", "ejercicio", "correr", "treino", "treinar", "exercicio",
		"entrainement", "seance", "courir", "ubung", "laufen",
		"allenamento", "esercizio", "correre", "palestra",
	},
	IntentMeasurement: {
		"weight", "weigh", "weighed", "kg", "lbs", "pounds", "body fat", "bodyfat", "bmi", "waist",
		"hips", "chest", "measurement", "measurements", "scale", "heart rate", "resting hr", "sleep",
		"peso", "pesar", "cintura", "medidas", "poids", "tour de taille", "gewicht", "taille",
		"misure", "girovita",
	},
}

var historicalMarkers = []string{
	"last month", "past month", "this month", "over time", "trend", "trends", "history", "historical",
	"since", "progress", "weeks", "months", "ago", "long term", "overall", "average", "usually",
	"last 30 days", "past 30 days", "mes pasado", "ultimo mes", "tendencia", "progreso",
	"mes passado", "progresso", "mois dernier", "tendance", "letzten monat", "verlauf",
	"mese scorso", "andamento",
}

var referentialMarkers = []string{
	"you said", "you told", "you mentioned", "you suggested", "you recommended", "earlier",
	"last time", "we talked", "we discussed", "as i said", "i told you", "i mentioned", "remember",
	"previously", "before you", "dijiste", "me dijiste", "antes dijiste", "mencionaste",
	"voce disse", "voce falou", "tu as dit", "tu m as dit", "du hast gesagt", "du sagtest",
	"hai detto", "mi hai detto", "prima hai",
}

type Scope string

const (
	ScopeRecent     Scope = "recent"
	ScopeHistorical Scope = "historical"
)

// Analysis is the outcome of intent analysis for one query.
type Analysis struct {
	Primary     Intent         `json:"primary"`
	Confidence  float64        `json:"confidence"`
	Scores      map[Intent]int `json:"scores,omitempty"`
	Scope       Scope          `json:"scope"`
	Days        int            `json:"days"`
	Referential bool           `json:"referential"`
}

// Intents that tie on score resolve in this order.
var intentOrder = []Intent{IntentNutrition, IntentTraining, IntentMeasurement}

// Analyze scores query against the per-domain keyword sets. No match yields
// the general intent with a fixed low confidence.
func Analyze(query string) Analysis {
	return analyze(query, recentDays, historicalDays)
}

func analyze(query string, recent int, historical int) Analysis {
	padded := " " + normalize(query) + " "
	out := Analysis{Primary: IntentGeneral, Confidence: generalConfidence, Scope: ScopeRecent, Days: recent}

	total, top := 0, 0
	for _, intent := range intentOrder {
		n := countMarkers(padded, intentKeywords[intent])
		if n == 0 {
			continue
		}
		if out.Scores == nil {
			out.Scores = make(map[Intent]int, len(intentOrder))
		}
		out.Scores[intent] = n
		total += n
		if n > top {
			top = n
			out.Primary = intent
		}
	}
	if top > 0 {
		out.Confidence = 0.5 + 0.5*float64(top)/float64(total)
	}
	if countMarkers(padded, historicalMarkers) > 0 {
		out.Scope = ScopeHistorical
		out.Days = historical
	}
	out.Referential = countMarkers(padded, referentialMarkers) > 0
	return out
}

// SelectSources maps an analysis to the ordered domain list. Profile always
// comes first; conversation history is added for referential queries.
func SelectSources(a Analysis) []string {
	out := []string{DomainProfile, DomainPrograms}
	switch a.Primary {
	case IntentNutrition:
		out = append(out, DomainNutrition)
	case IntentTraining:
		out = append(out, DomainTraining)
	case IntentMeasurement:
		out = append(out, DomainMeasurements)
	default:
		out = append(out, DomainNutrition, DomainTraining, DomainMeasurements)
	}
	// Secondary intents that also scored ride along after the primary one.
	secondary := make([]Intent, 0, 2)
	for intent := range a.Scores {
		if intent != a.Primary {
			secondary = append(secondary, intent)
		}
	}
	sort.Slice(secondary, func(i, j int) bool { return intentRank(secondary[i]) < intentRank(secondary[j]) })
	for _, intent := range secondary {
		out = appendUnique(out, intentDomain(intent))
	}
	out = append(out, DomainEntries)
	if a.Referential {
		out = append(out, DomainHistory)
	}
	return out
}

func intentDomain(i Intent) string {
	switch i {
	case IntentNutrition:
		return DomainNutrition
	case IntentTraining:
		return DomainTraining
	case IntentMeasurement:
		return DomainMeasurements
	}
	return ""
}

func intentRank(i Intent) int {
	for n, it := range intentOrder {
		if it == i {
			return n
		}
	}
	return len(intentOrder)
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, it := range list {
		if it == v {
			return list
		}
	}
	return append(list, v)
}

func countMarkers(padded string, markers []string) int {
	n := 0
	for _, m := range markers {
		if strings.Contains(padded, " "+normalize(m)+" ") {
			n++
		}
	}
	return n
}

func normalize(s string) string {
	s = textfold.Fold(s)
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
