package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kbchat/internal/chat"
	"github.com/raphaelgruber/kbchat/internal/knowledge"
	"github.com/raphaelgruber/kbchat/internal/llm"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/server"
	"github.com/raphaelgruber/kbchat/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Long:  `Runs migrations, connects to Postgres and the model providers, and serves the REST and websocket endpoints until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		collector := metrics.NewCollector()

		model, err := llm.NewModel(cfg, collector, logger)
		if err != nil {
			return fmt.Errorf("init model: %w", err)
		}
		embedder, err := llm.NewEmbedder(cfg, collector, logger)
		if err != nil {
			return fmt.Errorf("init embedder: %w", err)
		}

		sessions := store.New(pool, logger)
		chunks := knowledge.NewChunkStore(pool, logger)
		retriever := knowledge.NewRetriever(embedder, chunks, cfg.Retrieval, collector, logger)
		registry := chat.NewRegistry(chat.NewKBSearchTool(retriever))
		orchestrator := chat.New(sessions, model, registry, cfg.Chat, logger)

		srv := server.New(cfg.Addr, sessions, orchestrator, chunks, collector, logger)
		logger.Info("starting kbchat",
			"addr", cfg.Addr,
			"llm", cfg.LLMProvider+"/"+model.Model(),
			"embeddings", cfg.EmbedProvider+"/"+embedder.Model())
		return srv.Run(ctx)
	},
}
