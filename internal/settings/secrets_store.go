// Package settings keeps user-managed secrets out of config.yaml.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNoAPIKey means neither the environment nor the secrets file has a key.
var ErrNoAPIKey = errors.New("api key not set")

// SecretsStore persists provider API keys to a local 0600 file.
//
// Keys are never printed back; callers only see whether a key is set and
// where it came from.
type SecretsStore struct {
	path   string
	getenv func(string) string
	mu     sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path)), getenv: os.Getenv}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion   int               `json:"schema_version"`
	ProviderAPIKeys map[string]string `json:"provider_api_keys,omitempty"`
}

// KeySource says where a provider key was found.
type KeySource string

const (
	KeySourceNone KeySource = ""
	KeySourceEnv  KeySource = "env"
	KeySourceFile KeySource = "file"
)

// ResolveAPIKey returns the key for providerID: the provider's environment
// variable wins over the secrets file.
func (s *SecretsStore) ResolveAPIKey(providerID string, envName string) (string, error) {
	key, _, err := s.lookup(providerID, envName)
	if err != nil {
		return "", err
	}
	if key == "" {
		if envName = strings.TrimSpace(envName); envName != "" {
			return "", fmt.Errorf("%w: set %s or run `coach secrets set %s`", ErrNoAPIKey, envName, providerID)
		}
		return "", fmt.Errorf("%w: run `coach secrets set %s`", ErrNoAPIKey, providerID)
	}
	return key, nil
}

// Source reports where the key for providerID would be read from.
func (s *SecretsStore) Source(providerID string, envName string) (KeySource, error) {
	_, src, err := s.lookup(providerID, envName)
	return src, err
}

func (s *SecretsStore) lookup(providerID string, envName string) (string, KeySource, error) {
	if s == nil {
		return "", KeySourceNone, errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", KeySourceNone, errors.New("missing provider id")
	}
	if envName = strings.TrimSpace(envName); envName != "" && s.getenv != nil {
		if v := strings.TrimSpace(s.getenv(envName)); v != "" {
			return v, KeySourceEnv, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return "", KeySourceNone, err
	}
	if v := strings.TrimSpace(sf.ProviderAPIKeys[providerID]); v != "" {
		return v, KeySourceFile, nil
	}
	return "", KeySourceNone, nil
}

func (s *SecretsStore) SetAPIKey(providerID string, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}
	return s.update(providerID, &apiKey)
}

func (s *SecretsStore) ClearAPIKey(providerID string) error {
	return s.update(providerID, nil)
}

// Providers lists provider ids that have a key in the file.
func (s *SecretsStore) Providers() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(sf.ProviderAPIKeys))
	for id, v := range sf.ProviderAPIKeys {
		if strings.TrimSpace(v) != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *SecretsStore) update(providerID string, apiKey *string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("missing provider id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.ProviderAPIKeys == nil {
		sf.ProviderAPIKeys = make(map[string]string)
	}
	if apiKey == nil {
		delete(sf.ProviderAPIKeys, providerID)
	} else {
		sf.ProviderAPIKeys[providerID] = *apiKey
	}
	if len(sf.ProviderAPIKeys) == 0 {
		sf.ProviderAPIKeys = nil
	}
	return s.saveLocked(sf)
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return errors.New("missing secrets path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
