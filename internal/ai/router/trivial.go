package router

import (
	"strings"
	"unicode"

	"github.com/floegence/coach-agent/internal/textfold"
)

// Trivial phrase categories.
const (
	CategoryGreeting = "greeting"
	CategoryThanks   = "thanks"
	CategoryAck      = "ack"
	CategoryConfirm  = "confirm"
	CategoryGoodbye  = "goodbye"
)

// When a message mixes categories ("ok thanks bye") the reply follows the
// highest ranked one.
var categoryRank = map[string]int{
	CategoryGoodbye:  5,
	CategoryThanks:   4,
	CategoryGreeting: 3,
	CategoryConfirm:  2,
	CategoryAck:      1,
}

const (
	maxTrivialTokens  = 8
	maxPhraseWords    = 3
	defaultTrivialLng = "en"
)

type trivialPhrase struct {
	category string
	lang     string
}

// Phrases are written in normalized form (lowercase, no accents, no
// punctuation). Registration order decides ownership of phrases shared by
// several languages.
var trivialPhraseTable = []struct {
	lang    string
	entries map[string][]string
}{
	{lang: "en", entries: map[string][]string{
		CategoryGreeting: {"hi", "hello", "hey", "hiya", "howdy", "yo", "good morning", "good afternoon", "good evening", "morning", "evening"},
		CategoryThanks:   {"thanks", "thank you", "thankyou", "thx", "ty", "cheers", "much appreciated", "appreciate it", "thanks a lot", "many thanks"},
		CategoryAck:      {"ok", "okay", "k", "cool", "great", "nice", "got it", "alright", "all right", "sounds good", "perfect", "awesome", "noted", "understood", "fine", "good"},
		CategoryConfirm:  {"yes", "yeah", "yep", "yup", "sure", "no", "nope", "nah", "of course", "no thanks", "no thank you"},
		CategoryGoodbye:  {"bye", "goodbye", "bye bye", "see you", "see ya", "see you later", "good night", "goodnight", "later", "take care"},
	}},
	{lang: "es", entries: map[string][]string{
		CategoryGreeting: {"hola", "buenas", "buenos dias", "buenas tardes", "buenas noches"},
		CategoryThanks:   {"gracias", "muchas gracias", "mil gracias"},
		CategoryAck:      {"vale", "de acuerdo", "entendido", "perfecto", "genial", "bien", "muy bien", "listo"},
		CategoryConfirm:  {"si", "claro", "por supuesto", "no gracias"},
		CategoryGoodbye:  {"adios", "hasta luego", "hasta manana", "chao", "nos vemos"},
	}},
	{lang: "pt", entries: map[string][]string{
		CategoryGreeting: {"ola", "oi", "bom dia", "boa tarde", "boa noite"},
		CategoryThanks:   {"obrigado", "obrigada", "valeu", "muito obrigado", "muito obrigada"},
		CategoryAck:      {"beleza", "entendi", "otimo", "perfeito", "tudo bem", "ta bom", "show"},
		CategoryConfirm:  {"sim", "nao", "com certeza"},
		CategoryGoodbye:  {"tchau", "ate logo", "ate mais", "ate amanha"},
	}},
	{lang: "fr", entries: map[string][]string{
		CategoryGreeting: {"bonjour", "salut", "bonsoir", "coucou"},
		CategoryThanks:   {"merci", "merci beaucoup", "merci bien"},
		CategoryAck:      {"d accord", "entendu", "parfait", "tres bien", "ca marche", "compris"},
		CategoryConfirm:  {"oui", "non", "bien sur", "non merci"},
		CategoryGoodbye:  {"au revoir", "a bientot", "bonne nuit", "a plus", "a demain"},
	}},
	{lang: "de", entries: map[string][]string{
		CategoryGreeting: {"hallo", "guten morgen", "guten tag", "guten abend", "servus", "moin"},
		CategoryThanks:   {"danke", "danke schon", "danke schoen", "vielen dank", "dankeschon"},
		CategoryAck:      {"alles klar", "gut", "super", "verstanden", "prima", "genau", "passt"},
		CategoryConfirm:  {"ja", "nein", "jawohl", "klar", "nein danke"},
		CategoryGoodbye:  {"tschuss", "tschuess", "auf wiedersehen", "bis bald", "bis spater", "gute nacht", "bis morgen"},
	}},
	{lang: "it", entries: map[string][]string{
		CategoryGreeting: {"ciao", "buongiorno", "buonasera", "salve"},
		CategoryThanks:   {"grazie", "grazie mille", "grazie tante"},
		CategoryAck:      {"va bene", "perfetto", "capito", "ottimo", "d accordo"},
		CategoryConfirm:  {"certo", "certamente", "no grazie"},
		CategoryGoodbye:  {"arrivederci", "a presto", "buonanotte", "ci vediamo", "a domani"},
	}},
}

// Words that may surround a trivial phrase without making the message
// substantive ("thanks so much coach").
var trivialFillers = map[string]struct{}{
	"there": {}, "coach": {}, "again": {}, "so": {}, "much": {}, "very": {}, "really": {},
	"a": {}, "lot": {}, "you": {}, "too": {}, "mate": {}, "buddy": {}, "all": {}, "then": {},
	"muy": {}, "muito": {}, "tres": {}, "molto": {}, "sehr": {}, "tutto": {},
}

var trivialPhrases = buildTrivialPhrases()

func buildTrivialPhrases() map[string]trivialPhrase {
	out := make(map[string]trivialPhrase)
	for _, lang := range trivialPhraseTable {
		for category, phrases := range lang.entries {
			for _, p := range phrases {
				key := squeeze(strings.Join(normalizeTokens(p), " "))
				if key == "" {
					continue
				}
				if _, exists := out[key]; exists {
					continue
				}
				out[key] = trivialPhrase{category: category, lang: lang.lang}
			}
		}
	}
	return out
}

// matchTrivial reports whether the whole message is small talk. Every token
// must belong to a known phrase or be a filler word.
func matchTrivial(message string) (category string, lang string, ok bool) {
	tokens := normalizeTokens(message)
	if len(tokens) == 0 {
		if isSymbolOnly(message) {
			return CategoryAck, defaultTrivialLng, true
		}
		return "", "", false
	}
	if len(tokens) > maxTrivialTokens {
		return "", "", false
	}
	for i := range tokens {
		tokens[i] = squeeze(tokens[i])
	}

	bestRank := 0
	for i := 0; i < len(tokens); {
		matched := false
		for n := min(maxPhraseWords, len(tokens)-i); n >= 1; n-- {
			p, found := trivialPhrases[strings.Join(tokens[i:i+n], " ")]
			if !found {
				continue
			}
			if r := categoryRank[p.category]; r > bestRank {
				bestRank = r
				category, lang = p.category, p.lang
			}
			i += n
			matched = true
			break
		}
		if matched {
			continue
		}
		if _, filler := trivialFillers[tokens[i]]; filler {
			i++
			continue
		}
		return "", "", false
	}
	if bestRank == 0 {
		return "", "", false
	}
	return category, lang, true
}

// normalizeText lowercases, folds common Latin accents and turns everything
// that is not a letter or digit into a single space.
func normalizeText(s string) string {
	s = textfold.Fold(s)
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func normalizeTokens(s string) []string {
	return strings.Fields(normalizeText(s))
}

// squeeze collapses runs of the same letter so "thanksss" and "goood
// morning" compare equal to their dictionary form.
func squeeze(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune = -1
	for _, r := range s {
		if r == prev && unicode.IsLetter(r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// isSymbolOnly is true for messages made only of emoji and punctuation
// with at least one symbol ("👍", "🙏🙏").
func isSymbolOnly(s string) bool {
	hasSymbol := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return false
		case unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r):
			hasSymbol = true
		}
	}
	return hasSymbol
}
