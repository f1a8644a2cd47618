package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/analysis/escalation"
	"github.com/zhouzirui/harbour-desk/backend/internal/channel/messenger"
	"github.com/zhouzirui/harbour-desk/backend/internal/config"
	"github.com/zhouzirui/harbour-desk/backend/internal/handler"
	"github.com/zhouzirui/harbour-desk/backend/internal/realtime"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/ai"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/conversation"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/handoff"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/queue"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/retrieval"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/ticket"
	"github.com/zhouzirui/harbour-desk/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	repo, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	sessions := chat.NewService(repo, logger)
	hub := realtime.NewHub(cfg.Engine.HubBuffer, logger)
	analyzer := escalation.NewAnalyzer(policy.Thresholds(), policy.Escalation.AgentRequests, policy.Escalation.FrustrationWords)
	detector := handoff.NewDetector(policy.Escalation.Phrases)

	var engine conversation.Engine
	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			logger.Warn("failed to initialize chat model, every message will be escalated", zap.Error(err))
		} else {
			engine = ai.NewService(
				ai.NewEinoModel(chatModel),
				ai.NewCapabilities(ticket.NewMemoryDesk()),
				analyzer,
				ai.WithPolicy(policy.Prompt()),
				ai.WithMaxRounds(cfg.Engine.MaxRounds),
				ai.WithLogger(logger),
			)
			logger.Info("response engine initialized", zap.String("model", cfg.AI.Model))
		}
	} else {
		logger.Warn("ark credentials not configured, every message will be escalated")
	}

	fetcher := newRetrieval(ctx, cfg, logger)

	conv := conversation.NewService(
		sessions,
		fetcher,
		engine,
		detector,
		hub,
		conversation.NewWorkers(cfg.Engine.Mailbox),
		conversation.Config{
			EngineTimeout: cfg.Engine.Timeout,
			HandoffNotice: policy.Messages.HandoffNotice,
			EngineFailure: policy.Messages.EngineFailure,
		},
		logger,
	)

	deps := handler.Deps{
		Conversation:   conv,
		Queue:          queue.NewService(sessions),
		Hub:            hub,
		VerifyToken:    cfg.Messenger.VerifyToken,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	}

	var relay *messenger.Relay
	if cfg.Messenger.Enabled() {
		client := messenger.NewClient(messenger.Config{
			PageAccessToken: cfg.Messenger.PageAccessToken,
			GraphURL:        cfg.Messenger.GraphURL,
		}, nil, logger)
		relay = messenger.NewRelay(hub, client, logger)
		deps.Relay = relay
		logger.Info("messenger delivery enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("support relay listening", zap.String("addr", cfg.Server.Addr))
	serveErr := runServer(ctx, srv, cfg.Server.ShutdownTimeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := conv.Shutdown(drainCtx); err != nil {
		logger.Warn("conversation workers did not drain", zap.Error(err))
	}
	if relay != nil {
		relay.Close()
	}
	return serveErr
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (store.Repository, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory store, sessions are lost on restart")
		return store.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return store.NewSQLite(cfg.Path, logger)
}

// newRetrieval returns nil when no embedding model or index is configured.
func newRetrieval(ctx context.Context, cfg *config.Config, logger *zap.Logger) conversation.ContextFetcher {
	if !cfg.Embedding.Enabled() || cfg.Retrieval.IndexPath == "" {
		logger.Info("retrieval disabled, answers will not be grounded")
		return nil
	}

	embedder, err := retrieval.NewOpenAIEmbedder(retrieval.OpenAIConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		logger.Warn("failed to initialize embedder", zap.Error(err))
		return nil
	}
	cached, err := retrieval.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize)
	if err != nil {
		logger.Warn("failed to initialize embedding cache", zap.Error(err))
		return nil
	}

	index, err := retrieval.LoadSQLiteIndex(ctx, cfg.Retrieval.IndexPath, logger)
	if err != nil {
		logger.Warn("failed to load vector index", zap.String("path", cfg.Retrieval.IndexPath), zap.Error(err))
		return nil
	}
	logger.Info("vector index loaded", zap.Int("passages", index.Len()))

	return retrieval.NewProvider(cached, index, cfg.Retrieval.TopK, logger)
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
