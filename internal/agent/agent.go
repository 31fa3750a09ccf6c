// Package agent wires the coaching engine from a config file. Every
// long-lived component (store, cache, providers, indexer) is constructed
// here exactly once and injected downward.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/floegence/coach-agent/internal/ai"
	"github.com/floegence/coach-agent/internal/ai/cache"
	"github.com/floegence/coach-agent/internal/ai/data"
	"github.com/floegence/coach-agent/internal/ai/embed"
	"github.com/floegence/coach-agent/internal/ai/memory"
	"github.com/floegence/coach-agent/internal/ai/rag"
	"github.com/floegence/coach-agent/internal/ai/router"
	"github.com/floegence/coach-agent/internal/ai/tools"
	"github.com/floegence/coach-agent/internal/auditlog"
	"github.com/floegence/coach-agent/internal/config"
	"github.com/floegence/coach-agent/internal/lockfile"
	"github.com/floegence/coach-agent/internal/settings"
	"github.com/floegence/coach-agent/internal/store"
)

type Options struct {
	Config *config.Config
	// ConfigPath is the path used to load the config file (used to derive the state dir).
	ConfigPath string
	// LogOutput receives structured logs. Defaults to stderr so stdout stays
	// free for replies and the MCP stdio transport.
	LogOutput io.Writer

	Version   string
	Commit    string
	BuildTime string
}

type Agent struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string
	stateDir  string

	store      *store.Store
	cache      *cache.Cache
	tools      *tools.Registry
	tiers      *ai.Tiers
	engine     *ai.Engine
	indexer    *ai.Indexer
	summarizer *ai.Summarizer
	audit      *auditlog.Store
	secrets    *settings.SecretsStore

	closeOnce sync.Once
}

func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger, err := newLogger(out, strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	cfgPath := strings.TrimSpace(opts.ConfigPath)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgPathAbs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Dir(cfgPathAbs)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		stateDir:  stateDir,
		secrets:   settings.NewSecretsStore(SecretsPath(cfg, cfgPathAbs)),
	}

	if err := a.init(cfgPathAbs, loc); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// SecretsPath is where provider keys live when no env var is set.
func SecretsPath(cfg *config.Config, configPath string) string {
	if cfg != nil && strings.TrimSpace(cfg.SecretsPath) != "" {
		return config.ResolvePath(configPath, cfg.SecretsPath)
	}
	return filepath.Join(filepath.Dir(configPath), "secrets.json")
}

func (a *Agent) init(cfgPath string, loc *time.Location) error {
	cfg := a.cfg
	logger := a.log

	dbPath := config.ResolvePath(cfgPath, cfg.DBPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return err
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = s

	c, err := cache.New(cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: cfg.Cache.DefaultTTL,
		TTLs:       cfg.Cache.TTLs,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	a.cache = c

	embedder, err := a.newEmbedder()
	if err != nil {
		return err
	}

	reader, err := data.New(data.Options{
		Store:               s,
		Cache:               c,
		Embedder:            embedder,
		SimilarityThreshold: cfg.RAG.SimilarityThreshold,
		SearchLimit:         cfg.RAG.SearchLimit,
		Location:            loc,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("init reader: %w", err)
	}

	asm, err := rag.New(rag.Options{
		Source:         reader,
		MaxTokens:      cfg.RAG.MaxTokens,
		RecentDays:     cfg.RAG.RecentDays,
		HistoricalDays: cfg.RAG.HistoricalDays,
		DomainTimeout:  cfg.RAG.DomainTimeout,
		Location:       loc,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init context assembler: %w", err)
	}

	var (
		entries tools.EntrySink
		indexed ai.MessageIndexer
	)
	if embedder != nil {
		ix, err := ai.NewIndexer(ai.IndexerOptions{
			Embedder:  embedder,
			Store:     s,
			Workers:   cfg.Indexer.Workers,
			QueueSize: cfg.Indexer.QueueSize,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("init indexer: %w", err)
		}
		a.indexer = ix
		entries, indexed = ix, ix
	}

	ttls := make(map[string]time.Duration, len(data.DefaultTTLs))
	for op := range data.DefaultTTLs {
		ttls[op] = c.TTL(op)
	}
	reg, err := tools.NewRegistry(tools.Options{
		Reader:   reader,
		Context:  asm,
		Writer:   s,
		Cache:    c,
		Entries:  entries,
		TTLs:     ttls,
		Location: loc,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init tools: %w", err)
	}
	a.tools = reg

	mem, err := memory.New(memory.Options{
		Store:               s,
		Embedder:            embedder,
		WindowSize:          cfg.Memory.WindowSize,
		RetrievalLimit:      cfg.Memory.RetrievalLimit,
		MinWindow:           cfg.Memory.MinWindow,
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		TokenBudget:         cfg.Memory.TokenBudget,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("init memory: %w", err)
	}

	tiers, err := ai.NewTiers(cfg.AI, a.secrets.ResolveAPIKey)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}
	a.tiers = tiers

	rt := router.New(router.Options{
		SimpleKeywords:  cfg.Router.SimpleKeywords,
		ComplexKeywords: cfg.Router.ComplexKeywords,
		Completer:       ai.NewClassifier(tiers),
		Providers:       tiers.ModelIDs(),
		Logger:          logger,
	})

	if !cfg.Audit.Disabled {
		audit, err := auditlog.New(auditlog.Options{
			Logger:     logger,
			StateDir:   a.stateDir,
			MaxBytes:   cfg.Audit.MaxBytes,
			MaxBackups: cfg.Audit.MaxBackups,
		})
		if err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
		a.audit = audit
	}

	opts := ai.Options{
		Store:             s,
		Router:            rt,
		Memory:            mem,
		Tools:             reg,
		Tiers:             tiers,
		Pricing:           ai.NewPricing(cfg.AI.Pricing),
		Indexer:           indexed,
		MaxIterations:     cfg.Agent.MaxIterations,
		MaxParallelTools:  cfg.Agent.MaxParallelTools,
		ToolTimeout:       cfg.Agent.ToolTimeout,
		ProviderTimeout:   cfg.Agent.ProviderTimeout,
		MemoryTokenBudget: cfg.Memory.TokenBudget,
		Logger:            logger,
	}
	if a.audit != nil {
		opts.Audit = a.audit
	}
	eng, err := ai.NewEngine(opts)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	a.engine = eng

	sum, err := ai.NewSummarizer(ai.SummarizerOptions{
		Store:       s,
		Binding:     tiers.Simple,
		Staleness:   cfg.Summary.Staleness,
		MaxMessages: cfg.Summary.MaxMessages,
		Timeout:     cfg.Agent.ProviderTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init summarizer: %w", err)
	}
	a.summarizer = sum
	return nil
}

// newEmbedder returns nil when embeddings are not configured or the key is
// missing; similarity search then degrades instead of failing startup.
func (a *Agent) newEmbedder() (embed.Embedder, error) {
	ec := a.cfg.AI.Embedding
	if ec == nil {
		return nil, nil
	}
	p, ok := a.cfg.AI.FindProvider(ec.ProviderID)
	if !ok {
		return nil, fmt.Errorf("embedding: unknown provider %q", ec.ProviderID)
	}
	key, err := a.secrets.ResolveAPIKey(p.ID, p.APIKeyEnv)
	if err != nil {
		if errors.Is(err, settings.ErrNoAPIKey) {
			a.log.Warn("embeddings disabled", "provider", p.ID, "error", err)
			return nil, nil
		}
		return nil, err
	}
	e, err := embed.NewOpenAI(embed.OpenAIOptions{
		APIKey:     key,
		BaseURL:    p.BaseURL,
		Model:      ec.Model,
		Dimensions: ec.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return e, nil
}

// Start launches background workers. It returns immediately; workers stop
// when ctx ends or Close is called.
func (a *Agent) Start(ctx context.Context) {
	a.log.Info("agent starting",
		"version", a.version,
		"commit", a.commit,
		"build_time", a.buildTime,
		"state_dir", a.stateDir,
		"simple_model", modelID(a.tiers.Simple),
		"complex_model", modelID(a.tiers.Complex),
		"embeddings", a.indexer != nil,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)
	if a.indexer != nil {
		a.indexer.Start(ctx)
	}
}

// Close drains the indexer and closes the store. Safe to call twice.
func (a *Agent) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		if a.indexer != nil {
			a.indexer.Close()
		}
		if a.cache != nil {
			st := a.CacheStats()
			a.log.Info("agent stopped", "cache_hits", st.Hits, "cache_misses", st.Misses, "cache_hit_rate", st.HitRate, "cache_size", st.Size)
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Warn("close store failed", "error", err)
			}
		}
	})
}

func (a *Agent) HandleMessage(ctx context.Context, req ai.Request) (ai.Result, error) {
	return a.engine.HandleMessage(ctx, req)
}

func (a *Agent) ConfirmAction(ctx context.Context, userID string, act tools.Action) (tools.Action, error) {
	return a.engine.ConfirmAction(ctx, userID, act)
}

// Summarize refreshes summaries of idle conversations. Only one process
// summarizes a state directory at a time.
func (a *Agent) Summarize(ctx context.Context) (int, error) {
	lock, err := lockfile.Acquire(filepath.Join(a.stateDir, "summarize.lock"))
	if err != nil {
		return 0, fmt.Errorf("summarize: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			a.log.Warn("release summarize lock failed", "error", err)
		}
	}()
	return a.summarizer.Run(ctx, a.cfg.Summary.BatchSize)
}

func (a *Agent) Tools() *tools.Registry { return a.tools }

func (a *Agent) CacheStats() cache.Stats { return a.cache.Stats() }

func (a *Agent) Logger() *slog.Logger { return a.log }

func (a *Agent) Version() string { return a.version }

func (a *Agent) StateDir() string { return a.stateDir }

func modelID(b *ai.Binding) string {
	if b == nil {
		return ""
	}
	return b.ModelID
}

// --- logger ---

func newLogger(w io.Writer, format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
