package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSecretsStore_EnvWinsOverFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "secrets.json")
	s := NewSecretsStore(path)
	env := map[string]string{}
	s.getenv = func(k string) string { return env[k] }

	if _, err := s.ResolveAPIKey("groq", "GROQ_API_KEY"); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("err=%v, want ErrNoAPIKey", err)
	}
	if err := s.SetAPIKey("groq", "  sk-file  "); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	got, err := s.ResolveAPIKey("groq", "GROQ_API_KEY")
	if err != nil || got != "sk-file" {
		t.Fatalf("key=%q err=%v, want sk-file", got, err)
	}
	if src, _ := s.Source("groq", "GROQ_API_KEY"); src != KeySourceFile {
		t.Fatalf("source=%q, want file", src)
	}

	env["GROQ_API_KEY"] = "sk-env"
	got, err = s.ResolveAPIKey("groq", "GROQ_API_KEY")
	if err != nil || got != "sk-env" {
		t.Fatalf("key=%q err=%v, want sk-env", got, err)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := st.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm=%o, want 600", perm)
	}
}

func TestSecretsStore_SetClearList(t *testing.T) {
	t.Parallel()

	s := NewSecretsStore(filepath.Join(t.TempDir(), "nested", "secrets.json"))
	s.getenv = func(string) string { return "" }

	for _, id := range []string{"openai", "anthropic"} {
		if err := s.SetAPIKey(id, "sk-"+id); err != nil {
			t.Fatalf("SetAPIKey(%s): %v", id, err)
		}
	}
	ids, err := s.Providers()
	if err != nil {
		t.Fatalf("Providers: %v", err)
	}
	if len(ids) != 2 || ids[0] != "anthropic" || ids[1] != "openai" {
		t.Fatalf("providers=%v", ids)
	}
	if err := s.ClearAPIKey("openai"); err != nil {
		t.Fatalf("ClearAPIKey: %v", err)
	}
	if _, err := s.ResolveAPIKey("openai", ""); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("err=%v after clear", err)
	}
	if err := s.SetAPIKey("openai", " "); err == nil {
		t.Fatalf("blank key accepted")
	}
}
