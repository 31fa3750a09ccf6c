package textfold

import "testing"

func TestFold(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Olá":            "ola",
		"MERCI BEAUCOUP": "merci beaucoup",
		"Straße":         "strasse",
		"ação":           "acao",
		"Grazie mille!":  "grazie mille!",
		"gut 👍":          "gut 👍",
	}
	for in, want := range cases {
		if got := Fold(in); got != want {
			t.Fatalf("Fold(%q)=%q, want %q", in, got, want)
		}
	}
}
