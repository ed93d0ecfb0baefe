// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"email-triage-pipeline/internal/config"
	"email-triage-pipeline/internal/domain/ports/adapter"
	aiAdapters "email-triage-pipeline/internal/infra/adapters/ai"
	pg "email-triage-pipeline/internal/infra/db/postgres"
	"email-triage-pipeline/internal/infra/logging"
	"email-triage-pipeline/internal/infra/metrics"
	red "email-triage-pipeline/internal/infra/redis"
	"email-triage-pipeline/internal/infra/sched"
	"email-triage-pipeline/internal/infra/web"
	"email-triage-pipeline/internal/infra/worker"
	"email-triage-pipeline/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (noop AI, relaxed cookies)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer func() { _ = redisClient.Close() }()
	locker := red.NewLocker(redisClient)

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	itemRepo := pg.NewItemRepo(pool)
	requestRepo := pg.NewBatchRequestRepo(pool, tm)
	jobRepo := pg.NewBatchJobRepo(pool)
	pricingRepo := pg.NewModelPricingRepoCacheDecorator(pg.NewModelPricingRepo(pool), redisClient, cfg.Redis.TTL)

	// ---- AI clients ----
	var completion adapter.CompletionClient
	var batchClient adapter.BatchClient
	switch {
	case cfg.Runtime.Dev && cfg.AI.OpenAIKey == "":
		noop := aiAdapters.NewNoopAIClient()
		completion, batchClient = noop, noop
		logger.Warn().Msg("ai transport: noop (dev)")
	case cfg.AI.OpenAIKey != "":
		oa, err := aiAdapters.NewOpenAIClient(cfg.AI.OpenAIKey, cfg.AI.DefaultModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("openai client")
		}
		completion, batchClient = oa, oa
		logger.Info().Str("model", cfg.AI.DefaultModel).Msg("ai transport: openai")
	default:
		// Gemini has no bulk endpoint; without an OpenAI key the batch
		// path cannot run.
		logger.Fatal().Msg("ai.openai_key is required for the batch transport")
	}
	if cfg.AI.GeminiKey != "" && cfg.AI.OpenAIKey != "" {
		// Direct calls (spam gate, backlog sweep) prefer the cheaper
		// secondary provider when configured.
		gm, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("gemini adapter")
		}
		completion = gm
		logger.Info().Str("base", cfg.AI.GeminiURL).Msg("direct calls: gemini")
	}
	completion = aiAdapters.NewLimitedCompletion(completion, cfg.AI.ConcurrentLimit)

	// ---- Use cases ----
	queueUC := usecase.NewQueueUseCase(requestRepo, cfg.Batch, logger)
	pricingUC := usecase.NewPricingUseCase(pricingRepo, logger)
	analysisUC := usecase.NewAnalysisUseCase(itemRepo, queueUC, completion, cfg.AI, cfg.Analysis, logger)
	batchUC := usecase.NewBatchJobUseCase(queueUC, requestRepo, jobRepo, batchClient, pricingUC, analysisUC, cfg.Batch, logger)

	// ---- Scheduler ----
	wpool := worker.NewPool(4, logger)
	wpool.Start(ctx)
	runner := sched.NewRunner(wpool, locker, logger)
	runner.Add(
		sched.NewAnalysisDriverJob(analysisUC, cfg.Batch),
		sched.NewQueueFlusherJob(batchUC, cfg.Batch),
		sched.NewJobPollerJob(batchUC, cfg.Batch),
		sched.NewBacklogSweeperJob(analysisUC, cfg.Analysis),
	)
	runner.Start(ctx)

	// ---- Admin HTTP ----
	auth := web.NewSessionManager(cfg.Admin.JWTSecret, 30*time.Minute, !cfg.Runtime.Dev)
	srv := web.NewServer(analysisUC, queueUC, batchUC, pricingUC, auth, cfg.Admin.APIKey, logger)
	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Admin.Port), Handler: srv.Router()}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	runner.Stop()
	cancel()
	wpool.Stop()
}
