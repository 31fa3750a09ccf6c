package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(context.Context, string, string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func newTestRouter(c Completer) *Router {
	return New(Options{
		Completer: c,
		Providers: map[Tier]string{TierSimple: "groq/llama-3.1-8b-instant", TierComplex: "anthropic/claude-sonnet-4-5"},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestClassify_TrivialPatterns(t *testing.T) {
	t.Parallel()

	cases := []struct {
		msg      string
		category string
		lang     string
	}{
		{msg: "thanks!", category: CategoryThanks, lang: "en"},
		{msg: "Thanksss so much coach!!", category: CategoryThanks, lang: "en"},
		{msg: "hi there", category: CategoryGreeting, lang: "en"},
		{msg: "Goooood morning", category: CategoryGreeting, lang: "en"},
		{msg: "ok", category: CategoryAck, lang: "en"},
		{msg: "ok thanks, bye", category: CategoryGoodbye, lang: "en"},
		{msg: "yes", category: CategoryConfirm, lang: "en"},
		{msg: "¡Muchas gracias!", category: CategoryThanks, lang: "es"},
		{msg: "Olá", category: CategoryGreeting, lang: "pt"},
		{msg: "obrigada", category: CategoryThanks, lang: "pt"},
		{msg: "Merci beaucoup", category: CategoryThanks, lang: "fr"},
		{msg: "d'accord", category: CategoryAck, lang: "fr"},
		{msg: "Tschüss!", category: CategoryGoodbye, lang: "de"},
		{msg: "vielen Dank", category: CategoryThanks, lang: "de"},
		{msg: "grazie mille", category: CategoryThanks, lang: "it"},
		{msg: "👍", category: CategoryAck, lang: "en"},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			t.Parallel()
			fc := &fakeCompleter{err: errors.New("must not be called")}
			r := newTestRouter(fc)
			// Attachments and repeated calls do not change the outcome.
			for _, attach := range []bool{false, true, false} {
				got := r.Classify(context.Background(), tc.msg, attach)
				if got.Tier != TierTrivial || got.Confidence != 1.0 {
					t.Fatalf("tier=%q confidence=%v, want trivial 1.0", got.Tier, got.Confidence)
				}
				if got.Category != tc.category {
					t.Fatalf("category=%q, want %q", got.Category, tc.category)
				}
				if got.Language != tc.lang {
					t.Fatalf("language=%q, want %q", got.Language, tc.lang)
				}
				if got.Provider != "" {
					t.Fatalf("provider=%q, want none", got.Provider)
				}
			}
			if fc.calls != 0 {
				t.Fatalf("completer calls=%d, want 0", fc.calls)
			}
		})
	}
}

func TestClassify_NotTrivial(t *testing.T) {
	t.Parallel()

	for _, msg := range []string{
		"thanks, can you log 2 eggs for breakfast",
		"hello what should I eat before my run",
		"no",
	} {
		_, _, ok := matchTrivial(msg)
		if msg == "no" {
			if !ok {
				t.Fatalf("%q should be trivial", msg)
			}
			continue
		}
		if ok {
			t.Fatalf("%q should not be trivial", msg)
		}
	}
}

func TestClassify_AttachmentRoutesComplex(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{}
	r := newTestRouter(fc)
	got := r.Classify(context.Background(), "what is this?", true)
	if got.Tier != TierComplex || got.Confidence != 0.95 || got.Stage != StageAttachment {
		t.Fatalf("got=%+v", got)
	}
	if got.Provider != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("provider=%q", got.Provider)
	}
	if fc.calls != 0 {
		t.Fatalf("completer calls=%d, want 0", fc.calls)
	}
}

func TestClassify_Keywords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		msg  string
		want Tier
	}{
		{msg: "How many calories in a banana?", want: TierSimple},
		{msg: "log 200g chicken for lunch", want: TierSimple},
		{msg: "Can you build me a training plan?", want: TierComplex},
		{msg: "log my lunch and tell me why my weight plateau happened", want: TierComplex},
	}
	for _, tc := range cases {
		fc := &fakeCompleter{err: errors.New("must not be called")}
		r := newTestRouter(fc)
		got := r.Classify(context.Background(), tc.msg, false)
		if got.Tier != tc.want || got.Stage != StageKeyword {
			t.Fatalf("%q: tier=%q stage=%q, want %q keyword", tc.msg, got.Tier, got.Stage, tc.want)
		}
		if fc.calls != 0 {
			t.Fatalf("%q: completer calls=%d", tc.msg, fc.calls)
		}
	}
}

func TestClassify_ModelStage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		reply      string
		err        error
		wantTier   Tier
		wantStage  string
		wantConf   float64
		wantReason string
	}{
		{name: "plain json", reply: `{"tier":"simple","confidence":0.8,"reasoning":"single fact"}`, wantTier: TierSimple, wantStage: StageModel, wantConf: 0.8, wantReason: "single_fact"},
		{name: "fenced json", reply: "```json\n{\"tier\":\"complex\",\"confidence\":0.9,\"reasoning\":\"multi_step\"}\n```", wantTier: TierComplex, wantStage: StageModel, wantConf: 0.9, wantReason: "multi_step"},
		{name: "embedded json", reply: `Sure: {"tier":"simple","reasoning":"lookup"} hope that helps`, wantTier: TierSimple, wantStage: StageModel, wantConf: defaultModelConfidence, wantReason: "lookup"},
		{name: "trivial maps to simple", reply: `{"tier":"trivial","confidence":1}`, wantTier: TierSimple, wantStage: StageModel, wantConf: 1, wantReason: "model_classifier"},
		{name: "confidence clamped", reply: `{"tier":"complex","confidence":7}`, wantTier: TierComplex, wantStage: StageModel, wantConf: 1, wantReason: "model_classifier"},
		{name: "invalid tier", reply: `{"tier":"medium"}`, wantTier: TierComplex, wantStage: StageFallback, wantConf: 0.5, wantReason: "classifier_failed"},
		{name: "garbage", reply: "I think it's hard", wantTier: TierComplex, wantStage: StageFallback, wantConf: 0.5, wantReason: "classifier_failed"},
		{name: "provider error", err: errors.New("429 rate limited"), wantTier: TierComplex, wantStage: StageFallback, wantConf: 0.5, wantReason: "classifier_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fc := &fakeCompleter{reply: tc.reply, err: tc.err}
			r := newTestRouter(fc)
			got := r.Classify(context.Background(), "what about sourdough", false)
			if fc.calls != 1 {
				t.Fatalf("completer calls=%d, want 1", fc.calls)
			}
			if got.Tier != tc.wantTier || got.Stage != tc.wantStage {
				t.Fatalf("tier=%q stage=%q, want %q %q", got.Tier, got.Stage, tc.wantTier, tc.wantStage)
			}
			if got.Confidence != tc.wantConf {
				t.Fatalf("confidence=%v, want %v", got.Confidence, tc.wantConf)
			}
			if got.Rationale != tc.wantReason {
				t.Fatalf("rationale=%q, want %q", got.Rationale, tc.wantReason)
			}
		})
	}
}

func TestClassify_NoCompleterFallsBackToComplex(t *testing.T) {
	t.Parallel()

	r := newTestRouter(nil)
	got := r.Classify(context.Background(), "what about sourdough", false)
	if got.Tier != TierComplex || got.Rationale != "classifier_failed" {
		t.Fatalf("got=%+v", got)
	}
}

func TestCannedReplies(t *testing.T) {
	t.Parallel()

	c := NewCannedReplies(func(n int) int { return n - 1 })
	if got := c.Reply(CategoryThanks, "de"); got != "Immer gern!" {
		t.Fatalf("reply=%q", got)
	}
	// Unknown language falls back to English.
	if got := c.Reply(CategoryGoodbye, "ja"); got != "Talk soon!" {
		t.Fatalf("reply=%q", got)
	}
	// Out-of-range picks are clamped.
	bad := NewCannedReplies(func(int) int { return 99 })
	if got := bad.Reply(CategoryAck, "en"); got != "Great. Let me know if you need anything else." {
		t.Fatalf("reply=%q", got)
	}
}
