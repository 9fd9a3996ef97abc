package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kbchat/internal/ingest"
	"github.com/raphaelgruber/kbchat/internal/knowledge"
	"github.com/raphaelgruber/kbchat/internal/llm"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/store"
)

var indexCmd = &cobra.Command{
	Use:   "index [root]",
	Short: "Index Markdown documents into the knowledge base",
	Long:  `Walks the knowledge root (argument or configured default), chunks every Markdown file, embeds the chunks and writes them to the corpus.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := cfg.KnowledgeRoot
		if len(args) == 1 {
			root = args[0]
		}

		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		pool, err := store.Connect(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		embedder, err := llm.NewEmbedder(cfg, metrics.NewCollector(), logger)
		if err != nil {
			return fmt.Errorf("init embedder: %w", err)
		}

		chunks := knowledge.NewChunkStore(pool, logger)
		indexer := ingest.New(embedder, chunks, cfg.KnowledgeBase, logger)

		stats, err := indexer.Run(cmd.Context(), root)
		if err != nil {
			return err
		}

		fmt.Printf("Indexed %d files (%d chunks, %d skipped)\n", stats.Files, stats.Chunks, stats.Skipped)
		return nil
	},
}
