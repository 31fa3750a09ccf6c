package router

import "math/rand/v2"

var cannedPool = map[string]map[string][]string{
	"en": {
		CategoryGreeting: {"Hi! How can I help with your nutrition or training today?", "Hey there! What are we working on today?", "Hello! Ready when you are."},
		CategoryThanks:   {"You're welcome! Keep it up.", "Anytime. Happy to help!", "Glad I could help!"},
		CategoryAck:      {"Great. Let me know if you need anything else.", "Sounds good!", "Got it."},
		CategoryConfirm:  {"Understood.", "Okay, noted.", "Alright!"},
		CategoryGoodbye:  {"See you soon! Stay consistent.", "Bye for now. Take care!", "Talk soon!"},
	},
	"es": {
		CategoryGreeting: {"¡Hola! ¿En qué te ayudo hoy con tu nutrición o entrenamiento?", "¡Hola! ¿Qué trabajamos hoy?"},
		CategoryThanks:   {"¡De nada! Sigue así.", "¡Con gusto!"},
		CategoryAck:      {"Perfecto. Avísame si necesitas algo más.", "¡Genial!"},
		CategoryConfirm:  {"Entendido.", "De acuerdo."},
		CategoryGoodbye:  {"¡Hasta pronto! Mantén la constancia.", "¡Nos vemos!"},
	},
	"pt": {
		CategoryGreeting: {"Olá! Como posso ajudar com sua alimentação ou treino hoje?", "Oi! No que vamos trabalhar hoje?"},
		CategoryThanks:   {"De nada! Continue assim.", "Por nada!"},
		CategoryAck:      {"Ótimo. Me avise se precisar de algo.", "Beleza!"},
		CategoryConfirm:  {"Entendido.", "Certo."},
		CategoryGoodbye:  {"Até logo! Mantenha a constância.", "Tchau!"},
	},
	"fr": {
		CategoryGreeting: {"Bonjour ! Comment puis-je t'aider avec ta nutrition ou ton entraînement ?", "Salut ! On travaille sur quoi aujourd'hui ?"},
		CategoryThanks:   {"Avec plaisir ! Continue comme ça.", "De rien !"},
		CategoryAck:      {"Parfait. Dis-moi si tu as besoin d'autre chose.", "Super !"},
		CategoryConfirm:  {"Compris.", "D'accord."},
		CategoryGoodbye:  {"À bientôt ! Reste régulier.", "Au revoir !"},
	},
	"de": {
		CategoryGreeting: {"Hallo! Wobei kann ich dir heute bei Ernährung oder Training helfen?", "Hi! Woran arbeiten wir heute?"},
		CategoryThanks:   {"Gern geschehen! Weiter so.", "Immer gern!"},
		CategoryAck:      {"Super. Sag Bescheid, wenn du noch etwas brauchst.", "Alles klar!"},
		CategoryConfirm:  {"Verstanden.", "In Ordnung."},
		CategoryGoodbye:  {"Bis bald! Bleib dran.", "Tschüss!"},
	},
	"it": {
		CategoryGreeting: {"Ciao! Come posso aiutarti oggi con alimentazione o allenamento?", "Ciao! Su cosa lavoriamo oggi?"},
		CategoryThanks:   {"Prego! Continua così.", "Figurati!"},
		CategoryAck:      {"Perfetto. Fammi sapere se ti serve altro.", "Ottimo!"},
		CategoryConfirm:  {"Capito.", "D'accordo."},
		CategoryGoodbye:  {"A presto! Resta costante.", "Ciao, alla prossima!"},
	},
}

// CannedReplies serves static replies for trivial messages.
type CannedReplies struct {
	pick func(n int) int
}

// NewCannedReplies returns a reply pool. pick chooses an index in [0, n);
// nil picks uniformly at random.
func NewCannedReplies(pick func(n int) int) *CannedReplies {
	if pick == nil {
		pick = rand.IntN
	}
	return &CannedReplies{pick: pick}
}

// Reply returns a canned reply for category in lang, falling back to English
// and then to the acknowledgement pool.
func (c *CannedReplies) Reply(category string, lang string) string {
	pool := cannedPool[lang][category]
	if len(pool) == 0 {
		pool = cannedPool[defaultTrivialLng][category]
	}
	if len(pool) == 0 {
		pool = cannedPool[defaultTrivialLng][CategoryAck]
	}
	pick := rand.IntN
	if c != nil && c.pick != nil {
		pick = c.pick
	}
	i := pick(len(pool))
	if i < 0 || i >= len(pool) {
		i = 0
	}
	return pool[i]
}
