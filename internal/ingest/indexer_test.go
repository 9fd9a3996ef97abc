package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kbchat/internal/models"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeWriter struct {
	upserts [][]models.Chunk
	deleted []string
}

func (f *fakeWriter) Upsert(_ context.Context, chunks []models.Chunk, _ [][]float32) error {
	f.upserts = append(f.upserts, chunks)
	return nil
}

func (f *fakeWriter) DeleteBySource(_ context.Context, source string) error {
	f.deleted = append(f.deleted, source)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunIndexesMarkdownFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "guide.md", "# Deployment Guide\n\nHow to deploy the service.")
	writeFile(t, dir, "nested/faq.md", "---\ntitle: FAQ\nurl: https://kb.example/faq\n---\n\nAnswers to common questions.")
	writeFile(t, dir, "notes.txt", "not markdown, ignored")

	writer := &fakeWriter{}
	idx := New(&fakeEmbedder{}, writer, "https://kb.example", slog.Default())

	stats, err := idx.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 0, stats.Skipped)
	require.Len(t, writer.upserts, 2)

	byTitle := map[string]models.Chunk{}
	for _, batch := range writer.upserts {
		for _, c := range batch {
			byTitle[c.Title] = c
		}
	}

	guide := byTitle["Deployment Guide"]
	assert.Equal(t, "guide.md#0", guide.ID)
	assert.Equal(t, "https://kb.example/guide.md", guide.URL)
	assert.Equal(t, models.RetrievalKindText, guide.Kind)

	faq := byTitle["FAQ"]
	assert.Equal(t, "nested/faq.md#0", faq.ID)
	assert.Equal(t, "https://kb.example/faq", faq.URL, "frontmatter url wins over base")
}

func TestRunSkipsEmptyAndBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.md", "   \n\n")
	writeFile(t, dir, "good.md", "# Good\n\nReal content.")

	writer := &fakeWriter{}
	idx := New(&fakeEmbedder{}, writer, "", slog.Default())

	stats, err := idx.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.Skipped)
}

func TestRunSkipsFileOnEmbedFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc.md", "# Doc\n\nContent.")

	writer := &fakeWriter{}
	idx := New(&fakeEmbedder{err: errors.New("provider down")}, writer, "", slog.Default())

	stats, err := idx.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Files)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, writer.upserts)
}

func TestRunReplacesPreviousChunks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc.md", "# Doc\n\nContent.")

	writer := &fakeWriter{}
	idx := New(&fakeEmbedder{}, writer, "", slog.Default())

	_, err := idx.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"doc.md"}, writer.deleted)
}
