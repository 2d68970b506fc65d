package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/broker"
	"github.com/stockelper/orchestrator/internal/config"
	"github.com/stockelper/orchestrator/internal/httpapi"
	"github.com/stockelper/orchestrator/internal/kg"
	"github.com/stockelper/orchestrator/internal/listing"
	"github.com/stockelper/orchestrator/internal/llm"
	_ "github.com/stockelper/orchestrator/internal/metrics" // register collectors
	"github.com/stockelper/orchestrator/internal/portfolio"
	"github.com/stockelper/orchestrator/internal/resolver"
	"github.com/stockelper/orchestrator/internal/specialist"
	"github.com/stockelper/orchestrator/internal/state"
	"github.com/stockelper/orchestrator/internal/streamer"
	"github.com/stockelper/orchestrator/internal/supervisor"
)

func main() {
	// .env is optional; absence is the normal case in containers.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential store and broker session manager.
	pg, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pg.Close()
	brokerMgr := broker.NewManager(broker.NewSQLStore(pg), broker.Config{
		BaseURL:       cfg.Broker.BaseURL,
		TRIDBalance:   cfg.Broker.TRIDBalance,
		TRIDOrderBuy:  cfg.Broker.TRIDOrderBuy,
		TRIDOrderSell: cfg.Broker.TRIDOrderSell,
		TRIDPrice:     cfg.Broker.TRIDPrice,
		AppKey:        cfg.Broker.AppKey,
		AppSecret:     cfg.Broker.AppSecret,
	}, logger)

	// Listing table builds lazily on first lookup, so a slow exchange
	// mirror never delays startup.
	listings := listing.NewCache(
		listing.NewDownloader(cfg.Listing.URLs, cfg.Listing.Timeout, logger),
		logger,
	)

	graphDriver, err := kg.NewDriver(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password)
	if err != nil {
		logger.Fatal("connect neo4j", zap.Error(err))
	}
	defer graphDriver.Close(ctx)
	graph := kg.NewClient(graphDriver, logger)

	llmClient := llm.New(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)

	entities := resolver.New(llmClient, listings, graph, 10, 10, logger)

	news := specialist.NewNaverNews(cfg.News.BaseURL, cfg.News.ClientID, cfg.News.ClientSecret, cfg.News.Timeout)
	catalog := specialist.Catalog(specialist.Deps{
		LLM:    llmClient,
		Broker: brokerMgr,
		Graph:  graph,
		News:   news,
	})
	runner := specialist.NewRunner(llmClient, specialist.Config{
		RunToolLimit:         cfg.Specialist.RunToolLimit,
		ThreadToolLimit:      cfg.Specialist.ThreadToolLimit,
		SummarizeAfterTokens: cfg.Specialist.SummarizeAfterTokens,
		KeepRecent:           cfg.Specialist.KeepRecentMessages,
	}, logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	checkpoints := state.NewRedisStore(rdb, cfg.Redis.TTL, logger)

	streams := streamer.NewManager(cfg.Streaming.RingCapacity)

	sup := supervisor.New(llmClient, runner, catalog, entities, checkpoints, supervisor.Config{
		MaxDelegationRounds: cfg.Supervisor.MaxDelegationRounds,
		MaxMessages:         cfg.Supervisor.MaxMessages,
		MaxResults:          cfg.Supervisor.MaxResults,
	}, logger)

	trigger := portfolio.NewTrigger(llmClient, cfg.Services.PortfolioURL, cfg.Services.BacktestingURL, cfg.Listing.Timeout, logger)

	mux := http.NewServeMux()
	httpapi.NewServer(streams, sup, trigger, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open past any fixed deadline
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("orchestrator listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
