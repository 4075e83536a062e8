package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/broadcast"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/config"
	"github.com/suPer8Hu/ai-relay/internal/db"
	"github.com/suPer8Hu/ai-relay/internal/httpapi"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-relay/internal/relay"
	"github.com/suPer8Hu/ai-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-relay/internal/store/redisstore"
	"github.com/suPer8Hu/ai-relay/internal/usage"
	"github.com/suPer8Hu/ai-relay/internal/users"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]handlers.Checker{}

	// storage
	var (
		durable  chat.Store      = chat.NewMemoryStore()
		dir      users.Directory = users.StaticDirectory{}
		userRepo *users.Repo
		userUse  usage.Counter = usage.NewMemoryCounter()
		guestUse usage.Counter = usage.NewMemoryCounter()
	)
	if cfg.Persistent() {
		gdb, err := db.Connect(ctx, cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		if err := db.Migrate(gdb); err != nil {
			return err
		}
		durable = chat.NewRepo(gdb)
		userRepo = users.NewRepo(gdb)
		dir = userRepo
		userUse = usage.NewDBCounter(gdb)
		checks["db"] = func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	} else {
		slog.Warn("DB_DSN not set, chat history and accounts are kept in memory")
	}
	stores := chat.Stores{Durable: durable, Ephemeral: chat.NewMemoryStore()}

	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			slog.Warn("redis unavailable, guest usage kept in memory", "addr", cfg.RedisAddr, "err", err)
		} else {
			guestUse = usage.NewRedisCounter(rds)
			checks["redis"] = rds.Ping
		}
	}
	var counter usage.Counter = usage.Router{Users: userUse, Guests: guestUse}
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			slog.Warn("rabbitmq unavailable, usage applied inline", "err", err)
		} else {
			defer pub.Close()
			counter = usage.Queued{Publisher: pub, Reader: counter}
			slog.Info("usage updates queued", "queue", cfg.RabbitQueue)
		}
	}

	// models
	catalog, err := ai.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		return err
	}
	reg := ai.NewRegistry()
	if cfg.MockMode {
		reg.Register("mock", ai.NewMockProvider())
		reg.SetDefault("mock")
		slog.Info("mock mode: every model is simulated")
	} else {
		if cfg.HFAccessToken == "" {
			slog.Warn("HF_ACCESS_TOKEN not set, gateway calls will be rejected")
		}
		reg.Register("huggingface", ai.NewGateway(ai.GatewayConfig{
			BaseURL:     cfg.HFBaseURL,
			Token:       cfg.HFAccessToken,
			Timeout:     cfg.LLMTimeout,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: cfg.LLMTemperature,
		}))
		reg.SetDefault("huggingface")
		reg.Register("ollama", ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.LLMTimeout))
	}

	detach := common.NewDetacher(logger, 10*time.Second)
	coord := relay.New(relay.Deps{
		Stores:  stores,
		Context: chat.NewContextBuilder(stores, cfg.ChatContextWindowSize, chat.FirstModelVoice{}, logger),
		Models:  reg,
		Hub:     broadcast.NewHub(logger),
		Users:   dir,
		Usage:   counter,
		Detach:  detach,
		Log:     logger,
	}, relay.Config{
		DefaultModels:   catalog.Defaults(),
		MaxTokens:       cfg.LLMMaxTokens,
		Temperature:     cfg.LLMTemperature,
		ModelTimeout:    cfg.ModelTimeout,
		HistoryPageSize: cfg.HistoryPageSize,
	})

	router := httpapi.NewRouter(handlers.Deps{
		Cfg:         cfg,
		Users:       userRepo,
		Stores:      stores,
		Coordinator: coord,
		Models:      reg,
		Catalog:     catalog,
		Usage:       counter,
		Checks:      checks,
		Log:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", cfg.HTTPAddr, "store", durable.Kind(), "models", len(catalog.Models))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("api shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	// srv does not track hijacked sockets; drain their fan-outs here
	if err := coord.Shutdown(shutdownCtx); err != nil {
		slog.Error("fan-outs still running at shutdown", "err", err)
	}
	detach.Close()
	return nil
}
