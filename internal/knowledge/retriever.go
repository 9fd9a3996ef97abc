package knowledge

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/kbchat/internal/config"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
)

// QueryEmbedder turns query text into a vector. *llm.Embedder satisfies it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkSearcher runs nearest-neighbour search over stored chunks.
// *ChunkStore satisfies it.
type ChunkSearcher interface {
	Search(ctx context.Context, embedding []float32, limit int) ([]ScoredChunk, error)
}

// Retriever embeds a query and searches the chunk corpus. Retrieval is
// best-effort: failures are logged and surface as an empty result set so a
// degraded corpus never fails a chat turn.
type Retriever struct {
	embedder  QueryEmbedder
	searcher  ChunkSearcher
	cfg       config.Retrieval
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewRetriever wires a retriever over an embedder and a chunk searcher.
func NewRetriever(embedder QueryEmbedder, searcher ChunkSearcher, cfg config.Retrieval, collector *metrics.Collector, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder:  embedder,
		searcher:  searcher,
		cfg:       cfg,
		collector: collector,
		logger:    logger,
	}
}

// Search returns up to k results above the score threshold, best first.
// k is clamped to [1, MaxK]; k <= 0 selects the configured default. The
// returned slice is never nil and the error is always nil: provider or
// database trouble degrades to zero results.
func (r *Retriever) Search(ctx context.Context, query string, k int) []models.RetrievalResult {
	start := time.Now()

	if k <= 0 {
		k = r.cfg.K
	}
	if k > r.cfg.MaxK {
		k = r.cfg.MaxK
	}
	if k < 1 {
		k = 1
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("retrieval embedding failed", "error", err)
		return []models.RetrievalResult{}
	}

	chunks, err := r.searcher.Search(ctx, embedding, k)
	if err != nil {
		r.logger.Warn("retrieval search failed", "error", err)
		return []models.RetrievalResult{}
	}

	results := []models.RetrievalResult{}
	for _, chunk := range chunks {
		if chunk.Score < r.cfg.ScoreThreshold {
			continue
		}
		results = append(results, models.RetrievalResult{
			Kind:     chunk.Kind,
			Title:    chunk.Title,
			URL:      chunk.URL,
			Snippet:  truncateSnippet(chunk.Content, r.cfg.SnippetMaxLen),
			Score:    chunk.Score,
			MimeType: chunk.MimeType,
		})
	}

	if r.collector != nil {
		r.collector.RecordTiming(metrics.OpRetrieval, time.Since(start))
	}
	r.logger.Debug("retrieval complete",
		"query_len", len(query),
		"k", k,
		"candidates", len(chunks),
		"results", len(results),
		"duration_ms", time.Since(start).Milliseconds())

	return results
}

// truncateSnippet bounds s to max bytes without splitting a rune.
func truncateSnippet(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
