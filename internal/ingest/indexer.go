// Package ingest walks a knowledge root, chunks Markdown documents, embeds
// the chunks and writes them to the corpus store.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/parser"
)

// Embedder produces embeddings for a batch of texts. *llm.Embedder
// satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkWriter persists embedded chunks. *knowledge.ChunkStore satisfies it.
type ChunkWriter interface {
	Upsert(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error
	DeleteBySource(ctx context.Context, source string) error
}

// Stats summarizes one indexing run.
type Stats struct {
	Files   int
	Chunks  int
	Skipped int
}

// Indexer ingests Markdown files into the chunk store.
type Indexer struct {
	embedder Embedder
	writer   ChunkWriter
	baseURL  string
	logger   *slog.Logger
}

// New wires an indexer. baseURL, when non-empty, prefixes document URLs for
// files without an explicit url in their frontmatter.
func New(embedder Embedder, writer ChunkWriter, baseURL string, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		embedder: embedder,
		writer:   writer,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

// Run indexes every .md file under root. A file that fails to parse or
// embed is logged and skipped; the run continues.
func (i *Indexer) Run(ctx context.Context, root string) (Stats, error) {
	var stats Stats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}

		count, err := i.indexFile(ctx, path, rel)
		if err != nil {
			i.logger.Warn("skipping file", "file", rel, "error", err)
			stats.Skipped++
			return nil
		}
		stats.Files++
		stats.Chunks += count
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk %s: %w", root, err)
	}

	i.logger.Info("indexing complete",
		"files", stats.Files, "chunks", stats.Chunks, "skipped", stats.Skipped)
	return stats, nil
}

func (i *Indexer) indexFile(ctx context.Context, path, rel string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the walked root
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}

	doc, err := parser.ParseMarkdown(string(data))
	if err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}

	title := doc.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	}
	url := doc.GetFrontmatterString("url")
	if url == "" && i.baseURL != "" {
		url = i.baseURL + "/" + filepath.ToSlash(rel)
	}

	results := parser.ChunkMarkdown(doc, parser.DefaultChunkConfig())
	if len(results) == 0 {
		return 0, fmt.Errorf("no content")
	}

	chunks := make([]models.Chunk, 0, len(results))
	texts := make([]string, 0, len(results))
	for _, res := range results {
		content := res.Content
		if res.HeadingPath != "" {
			content = res.HeadingPath + "\n\n" + content
		}
		chunks = append(chunks, models.Chunk{
			ID:      fmt.Sprintf("%s#%d", filepath.ToSlash(rel), res.Position),
			Source:  filepath.ToSlash(rel),
			Title:   title,
			URL:     url,
			Kind:    models.RetrievalKindText,
			Content: content,
		})
		texts = append(texts, content)
	}

	embeddings, err := i.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	// Replace the file's previous chunks so removed sections don't linger.
	if err := i.writer.DeleteBySource(ctx, filepath.ToSlash(rel)); err != nil {
		return 0, err
	}
	if err := i.writer.Upsert(ctx, chunks, embeddings); err != nil {
		return 0, err
	}

	i.logger.Debug("indexed file", "file", rel, "chunks", len(chunks))
	return len(chunks), nil
}
