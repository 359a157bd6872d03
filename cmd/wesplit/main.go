// Package main запускает HTTP-сервер движка расчётов по общим счетам.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesplit/settlement/internal/config"
	"github.com/wesplit/settlement/internal/handler"
	"github.com/wesplit/settlement/internal/oracle"
	"github.com/wesplit/settlement/internal/repository"
	"github.com/wesplit/settlement/internal/service"
	"github.com/wesplit/settlement/internal/token"
	"github.com/wesplit/settlement/internal/transfer"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	feeds, err := oracle.ParseFeeds(cfg.PriceFeeds)
	if err != nil {
		sugar.Fatalw("price feed configuration error", "error", err.Error())
	}
	priceClient := oracle.NewClient(cfg.OracleAddress, feeds)

	var tokenClient service.MetadataSource
	if cfg.TokenAPIAddress != "" {
		tokenClient = token.NewClient(cfg.TokenAPIAddress, cfg.ChainID)
	}

	var transferAdapter transfer.Adapter
	if cfg.ExecutorAddress != "" {
		transferAdapter = transfer.NewClient(cfg.ExecutorAddress)
	}

	svc := service.NewService(repo, priceClient, transferAdapter, tokenClient, cfg.PriceMaxAge)
	defer svc.Close()

	h := handler.NewHandler(svc, logger)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового подтверждения ценового покрытия счетов
	g.Go(func() error {
		svc.StartVerification(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting settlement server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
