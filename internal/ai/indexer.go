package ai

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/floegence/coach-agent/internal/ai/embed"
	"github.com/floegence/coach-agent/internal/store"
)

const (
	defaultIndexerWorkers   = 2
	defaultIndexerQueueSize = 256
	indexTimeout            = 20 * time.Second
)

// EmbeddingWriter stores vectors. *store.Store implements it.
type EmbeddingWriter interface {
	PutEmbedding(ctx context.Context, e store.Embedding) error
}

type IndexerOptions struct {
	Embedder  embed.Embedder
	Store     EmbeddingWriter
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// Indexer embeds messages and logged entries in the background. Enqueueing
// never blocks: when the queue is full the item is dropped with a warning.
type Indexer struct {
	embedder embed.Embedder
	store    EmbeddingWriter
	workers  int
	log      *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan store.Embedding
	wg      sync.WaitGroup
	started bool
}

func NewIndexer(opts IndexerOptions) (*Indexer, error) {
	if opts.Embedder == nil {
		return nil, errors.New("missing embedder")
	}
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultIndexerWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultIndexerQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{
		embedder: opts.Embedder,
		store:    opts.Store,
		workers:  workers,
		log:      log,
		queue:    make(chan store.Embedding, size),
	}, nil
}

// Start launches the workers. They exit when ctx is done or Close drains
// the queue.
func (ix *Indexer) Start(ctx context.Context) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.started || ix.closed {
		return
	}
	ix.started = true
	for i := 0; i < ix.workers; i++ {
		ix.wg.Add(1)
		go func() {
			defer ix.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-ix.queue:
					if !ok {
						return
					}
					ix.process(ctx, item)
				}
			}
		}()
	}
}

// Close stops accepting work and waits for queued items to finish.
func (ix *Indexer) Close() {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.closed = true
	close(ix.queue)
	ix.mu.Unlock()
	ix.wg.Wait()
}

func (ix *Indexer) IndexMessage(m store.Message) {
	if m.Role != store.RoleUser && m.Role != store.RoleAssistant {
		return
	}
	ix.enqueue(store.Embedding{
		Kind:            store.EmbeddingKindMessage,
		RefID:           m.MessageID,
		UserID:          m.UserID,
		ConversationID:  m.ConversationID,
		Content:         m.Content,
		CreatedAtUnixMs: m.CreatedAtUnixMs,
	})
}

func (ix *Indexer) IndexEntry(userID string, refID string, content string) {
	ix.enqueue(store.Embedding{
		Kind:            store.EmbeddingKindEntry,
		RefID:           refID,
		UserID:          userID,
		Content:         content,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	})
}

func (ix *Indexer) enqueue(item store.Embedding) bool {
	if ix == nil || strings.TrimSpace(item.Content) == "" || strings.TrimSpace(item.RefID) == "" {
		return false
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return false
	}
	select {
	case ix.queue <- item:
		return true
	default:
		ix.log.Warn("index queue full, dropping item", "user_id", item.UserID, "kind", item.Kind, "ref_id", item.RefID)
		return false
	}
}

func (ix *Indexer) process(ctx context.Context, item store.Embedding) {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()
	vec, err := ix.embedder.Embed(ctx, item.Content)
	if err != nil {
		ix.log.Warn("embed failed", "user_id", item.UserID, "kind", item.Kind, "ref_id", item.RefID, "error", err)
		return
	}
	item.Vector = vec
	if err := ix.store.PutEmbedding(ctx, item); err != nil {
		ix.log.Warn("store embedding failed", "user_id", item.UserID, "kind", item.Kind, "ref_id", item.RefID, "error", err)
	}
}
