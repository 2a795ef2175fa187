package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/connexus-ai/entityrag/pkg/api"
	"github.com/connexus-ai/entityrag/pkg/chunker"
	"github.com/connexus-ai/entityrag/pkg/config"
	"github.com/connexus-ai/entityrag/pkg/embed"
	"github.com/connexus-ai/entityrag/pkg/events"
	"github.com/connexus-ai/entityrag/pkg/kvstore"
	"github.com/connexus-ai/entityrag/pkg/llm"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/manager"
	"github.com/connexus-ai/entityrag/pkg/metrics"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/rag"
	"github.com/connexus-ai/entityrag/pkg/session"
	"github.com/connexus-ai/entityrag/pkg/workerpool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "entityrag",
	Short: "EntityRAG - entity-scoped retrieval-augmented research service",
	Long: `EntityRAG maintains an isolated vector store per entity and answers
questions about an entity through a tool-calling research agent that
searches, navigates, and cites the entity's indexed documents.

State lives on local disk: a sharded JSON document store for metadata
and per-entity directories for vectors and chunks.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"EntityRAG version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the EntityRAG HTTP service",
	Long: `Start the full service: the sharded metadata store, per-entity vector
stores, the CPU-governed ingestion worker pool, the session sweeper,
and the HTTP API with Prometheus metrics.

Configuration is read from the JSON file named by ENTITYRAG_CONFIG;
flags override individual fields.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.BackendPort = port
		}
		return runServe(cfg)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(cfg)
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Data directory for storage, entities, and uploads")
	serveCmd.Flags().Int("port", 0, "HTTP listen port")
}

func runServe(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	store, err := kvstore.NewStore(cfg.StorageDir())
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	metrics.RegisterProbe("store", func() error {
		if _, err := os.Stat(store.Root()); err != nil {
			return fmt.Errorf("storage directory unavailable: %w", err)
		}
		return nil
	})

	meter := pricing.NewMeter(cfg.PricingOverrides)

	embedder := embed.NewOpenAIEmbedder(embed.Config{
		Endpoint: firstNonEmpty(cfg.EmbeddingsEndpoint, cfg.LLMEndpoint),
		APIKey:   firstNonEmpty(cfg.EmbeddingsAPIKey, cfg.LLMAPIKey),
		Model:    cfg.EmbeddingsModel,
	})

	var chk chunker.Chunker = chunker.NewFixedSizeChunker()
	if cfg.ChunkerBaseURL != "" {
		chk = chunker.NewHTTPChunker(cfg.ChunkerBaseURL)
	}

	client := llm.NewOpenAIClient(llm.Config{
		Endpoint:   cfg.LLMEndpoint,
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.GPTModel,
		Deployment: cfg.LLMDeployment,
		APIVersion: cfg.LLMAPIVersion,
	})

	pool := workerpool.New(workerpool.Config{})
	metrics.RegisterProbe("pool", func() error {
		if pool.Workers() == 0 {
			return fmt.Errorf("no workers running")
		}
		return nil
	})

	locks := session.NewLockRegistry()
	agents := session.NewAgentCache()

	broker := events.NewBroker()
	broker.Start()

	mgr := manager.New(manager.Deps{
		Config: cfg,
		Store:  store,
		RAG: rag.NewManager(rag.Config{
			EntitiesDir: cfg.EntitiesDir(),
			Embedder:    embedder,
			Chunker:     chk,
			Meter:       meter,
		}),
		Pool:   pool,
		Locks:  locks,
		Agents: agents,
		Broker: broker,
		Client: client,
		Meter:  meter,
	})

	sweeper := session.NewSweeper(agents, locks, 0, 0, func(sessionID string) {
		sessionLogger := log.WithSessionID(sessionID)
		sessionLogger.Info().Msg("offloaded idle session agent")
		broker.Publish(events.New(events.EventSessionOffload, "session agent offloaded", map[string]string{
			"session_id": sessionID,
		}))
	})
	sweeper.Start()

	collector := metrics.NewCollector(mgr, 0)
	collector.Start()

	server := api.NewServer(cfg, mgr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.BackendPort).
		Msg("entityrag started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}

	sweeper.Stop()
	collector.Stop()
	pool.Stop()
	broker.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
