package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for coach-agent.
//
// NOTE: API keys never live in this file. Providers reference an environment
// variable (api_key_env) or an entry in the local secrets file.
type Config struct {
	// DBPath is the SQLite database path. Relative paths resolve against the
	// config file directory.
	DBPath string `yaml:"db_path"`

	// SecretsPath overrides the secrets file location (default: <state dir>/secrets.json).
	SecretsPath string `yaml:"secrets_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	// Timezone is the IANA zone used for "today" and date-only entries.
	// Empty means the host's local zone.
	Timezone string `yaml:"timezone,omitempty"`

	AI      AIConfig      `yaml:"ai"`
	Cache   CacheConfig   `yaml:"cache"`
	Router  RouterConfig  `yaml:"router"`
	Memory  MemoryConfig  `yaml:"memory"`
	RAG     RAGConfig     `yaml:"rag"`
	Agent   AgentConfig   `yaml:"agent"`
	Indexer IndexerConfig `yaml:"indexer"`
	Summary SummaryConfig `yaml:"summary"`
	Audit   AuditConfig   `yaml:"audit"`
}

// CacheConfig configures the capability cache.
type CacheConfig struct {
	// MaxEntries bounds the number of live entries. Least recently used
	// entries are evicted first once the bound is reached.
	MaxEntries int `yaml:"max_entries,omitempty"`

	// DefaultTTL applies to operations without an explicit entry in TTLs.
	DefaultTTL time.Duration `yaml:"default_ttl,omitempty"`

	// TTLs overrides the per-operation time-to-live (keyed by tool name).
	TTLs map[string]time.Duration `yaml:"ttls,omitempty"`
}

// RouterConfig holds the keyword heuristics used by the complexity router.
// Empty lists fall back to the built-in defaults.
type RouterConfig struct {
	SimpleKeywords  []string `yaml:"simple_keywords,omitempty"`
	ComplexKeywords []string `yaml:"complex_keywords,omitempty"`
}

type MemoryConfig struct {
	// WindowSize is the number of most recent messages loaded verbatim.
	WindowSize int `yaml:"window_size,omitempty"`
	// RetrievalLimit caps similarity-retrieved older messages.
	RetrievalLimit int `yaml:"retrieval_limit,omitempty"`
	// MinWindow is the floor the sliding window is never trimmed below.
	MinWindow int `yaml:"min_window,omitempty"`
	// SimilarityThreshold is the minimum cosine similarity for retrieval.
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty"`
	// TokenBudget is the default token budget for conversation history.
	TokenBudget int `yaml:"token_budget,omitempty"`
}

type RAGConfig struct {
	MaxTokens           int           `yaml:"max_tokens,omitempty"`
	RecentDays          int           `yaml:"recent_days,omitempty"`
	HistoricalDays      int           `yaml:"historical_days,omitempty"`
	DomainTimeout       time.Duration `yaml:"domain_timeout,omitempty"`
	SimilarityThreshold float64       `yaml:"similarity_threshold,omitempty"`
	SearchLimit         int           `yaml:"search_limit,omitempty"`
}

type AgentConfig struct {
	MaxIterations    int           `yaml:"max_iterations,omitempty"`
	MaxParallelTools int           `yaml:"max_parallel_tools,omitempty"`
	ToolTimeout      time.Duration `yaml:"tool_timeout,omitempty"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout,omitempty"`
}

type IndexerConfig struct {
	Workers   int `yaml:"workers,omitempty"`
	QueueSize int `yaml:"queue_size,omitempty"`
}

// SummaryConfig drives `coach summarize`, which refreshes conversation
// summaries out of band.
type SummaryConfig struct {
	// Staleness is the idle time before a conversation is summarized.
	Staleness   time.Duration `yaml:"staleness,omitempty"`
	MaxMessages int           `yaml:"max_messages,omitempty"`
	BatchSize   int           `yaml:"batch_size,omitempty"`
}

// AuditConfig bounds the per-turn usage log under the state directory.
type AuditConfig struct {
	Disabled   bool  `yaml:"disabled,omitempty"`
	MaxBytes   int64 `yaml:"max_bytes,omitempty"`
	MaxBackups int   `yaml:"max_backups,omitempty"`
}

const (
	defaultCacheMaxEntries = 2048
	defaultCacheTTL        = 5 * time.Minute

	defaultMemoryWindowSize     = 10
	defaultMemoryRetrievalLimit = 5
	defaultMemoryMinWindow      = 3
	defaultMemorySimilarity     = 0.75
	defaultMemoryTokenBudget    = 2000

	defaultRAGMaxTokens      = 1500
	defaultRAGRecentDays     = 7
	defaultRAGHistoricalDays = 30
	defaultRAGDomainTimeout  = 5 * time.Second
	defaultRAGSimilarity     = 0.7
	defaultRAGSearchLimit    = 5

	defaultAgentMaxIterations    = 5
	defaultAgentMaxParallelTools = 6
	defaultAgentToolTimeout      = 10 * time.Second
	defaultAgentProviderTimeout  = 60 * time.Second

	defaultIndexerWorkers   = 2
	defaultIndexerQueueSize = 256

	defaultSummaryStaleness   = 30 * time.Minute
	defaultSummaryMaxMessages = 40
	defaultSummaryBatchSize   = 50
)

// ApplyDefaults fills zero-valued knobs. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = "coach.sqlite"
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = defaultCacheMaxEntries
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = defaultCacheTTL
	}

	m := &c.Memory
	if m.WindowSize <= 0 {
		m.WindowSize = defaultMemoryWindowSize
	}
	if m.RetrievalLimit <= 0 {
		m.RetrievalLimit = defaultMemoryRetrievalLimit
	}
	if m.MinWindow <= 0 {
		m.MinWindow = defaultMemoryMinWindow
	}
	if m.SimilarityThreshold <= 0 {
		m.SimilarityThreshold = defaultMemorySimilarity
	}
	if m.TokenBudget <= 0 {
		m.TokenBudget = defaultMemoryTokenBudget
	}

	r := &c.RAG
	if r.MaxTokens <= 0 {
		r.MaxTokens = defaultRAGMaxTokens
	}
	if r.RecentDays <= 0 {
		r.RecentDays = defaultRAGRecentDays
	}
	if r.HistoricalDays <= 0 {
		r.HistoricalDays = defaultRAGHistoricalDays
	}
	if r.DomainTimeout <= 0 {
		r.DomainTimeout = defaultRAGDomainTimeout
	}
	if r.SimilarityThreshold <= 0 {
		r.SimilarityThreshold = defaultRAGSimilarity
	}
	if r.SearchLimit <= 0 {
		r.SearchLimit = defaultRAGSearchLimit
	}

	a := &c.Agent
	if a.MaxIterations <= 0 {
		a.MaxIterations = defaultAgentMaxIterations
	}
	if a.MaxParallelTools <= 0 {
		a.MaxParallelTools = defaultAgentMaxParallelTools
	}
	if a.ToolTimeout <= 0 {
		a.ToolTimeout = defaultAgentToolTimeout
	}
	if a.ProviderTimeout <= 0 {
		a.ProviderTimeout = defaultAgentProviderTimeout
	}

	if c.Indexer.Workers <= 0 {
		c.Indexer.Workers = defaultIndexerWorkers
	}
	if c.Indexer.QueueSize <= 0 {
		c.Indexer.QueueSize = defaultIndexerQueueSize
	}
	if c.Summary.Staleness <= 0 {
		c.Summary.Staleness = defaultSummaryStaleness
	}
	if c.Summary.MaxMessages <= 0 {
		c.Summary.MaxMessages = defaultSummaryMaxMessages
	}
	if c.Summary.BatchSize <= 0 {
		c.Summary.BatchSize = defaultSummaryBatchSize
	}
	c.AI.applyDefaults()
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c == nil || strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(strings.TrimSpace(c.Timezone))
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("missing db_path")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Memory.MinWindow > c.Memory.WindowSize {
		return fmt.Errorf("memory.min_window (%d) exceeds memory.window_size (%d)", c.Memory.MinWindow, c.Memory.WindowSize)
	}
	if c.Memory.SimilarityThreshold > 1 || c.RAG.SimilarityThreshold > 1 {
		return errors.New("similarity thresholds must be within (0, 1]")
	}
	if c.RAG.HistoricalDays < c.RAG.RecentDays {
		return errors.New("rag.historical_days must be >= rag.recent_days")
	}
	for op, ttl := range c.Cache.TTLs {
		if strings.TrimSpace(op) == "" {
			return errors.New("cache.ttls: empty operation name")
		}
		if ttl <= 0 {
			return fmt.Errorf("cache.ttls[%s]: ttl must be positive", op)
		}
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("invalid ai: %w", err)
	}
	return nil
}

// ResolvePath resolves p relative to the directory of the config file.
func ResolvePath(configPath string, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

// DefaultConfigPath returns the default config path:
//
//	~/.coach-agent/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "coach-agent.config.yaml"
	}
	return filepath.Join(home, ".coach-agent", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
