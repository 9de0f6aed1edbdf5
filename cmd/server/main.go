package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/chatstore/internal/api"
	"github.com/RichardoC/chatstore/internal/chat"
	"github.com/RichardoC/chatstore/internal/config"
	"github.com/RichardoC/chatstore/internal/db"
	"github.com/RichardoC/chatstore/internal/llm"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHATSTORE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.Driver, cfg.DSN())
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("driver", cfg.Driver))
	}
	defer database.Close()

	opts := []chat.Option{}
	if cfg.LLMBaseURL != "" {
		llmService, err := llm.New(cfg.LLMBaseURL, cfg.LLMToken, cfg.LLMModel)
		if err != nil {
			logger.Fatal("failed to initialize LLM service", zap.Error(err))
		}
		opts = append(opts, chat.WithResponder(llmService))
	} else {
		logger.Info("No LLM configured, replies will echo the user")
	}

	chatService := chat.NewService(database, logger, opts...)
	go chatService.RunRetention(ctx, cfg.RetentionInterval, cfg.RetentionKeep)

	handler := api.NewHandler(chatService, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down server", zap.Error(err))
		}
	}()

	logger.Info("Starting server", zap.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
