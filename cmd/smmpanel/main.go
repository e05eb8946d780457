// Package main запускает HTTP-сервер SMM-панели и фоновую сверку заказов.
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

	"github.com/mmeshcher/smmpanel-system/internal/clock"
	"github.com/mmeshcher/smmpanel-system/internal/config"
	"github.com/mmeshcher/smmpanel-system/internal/dispatch"
	"github.com/mmeshcher/smmpanel-system/internal/events"
	"github.com/mmeshcher/smmpanel-system/internal/handler"
	"github.com/mmeshcher/smmpanel-system/internal/middleware"
	"github.com/mmeshcher/smmpanel-system/internal/provider"
	"github.com/mmeshcher/smmpanel-system/internal/recon"
	"github.com/mmeshcher/smmpanel-system/internal/repository"
	"github.com/mmeshcher/smmpanel-system/internal/service"
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

	registry := buildRegistry(cfg, sugar)
	clk := clock.NewSystem()
	sink := events.NewSink(repo, logger)
	finder := dispatch.NewDuplicateFinder(sink, logger, clk)
	dispatcher := dispatch.New(repo, registry, finder, sink, logger, clk)

	normalizer := provider.NewStatusNormalizer(logger)
	sweeper := recon.NewSweeper(repo, registry, normalizer, finder, sink, logger, clk, cfg.EscalateAfter)
	ghosts := recon.NewGhostDetector(repo, registry, sink, logger, clk)
	anomalies := recon.NewAnomalyDetector(repo, sink, logger, clk)

	svc := service.NewService(repo)
	defer svc.Close()

	authSecret := cfg.AuthSecret
	if authSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, using an insecure default")
		authSecret = "smmpanel-secret"
	}
	authMiddleware := middleware.NewAuthMiddleware(authSecret)
	h := handler.NewHandler(svc, dispatcher, sweeper, logger, authMiddleware)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка статусов с провайдерами
	g.Go(func() error {
		err := sweeper.Run(ctx, cfg.ReconcileInterval)
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// Поиск заказов-призраков
	g.Go(func() error {
		err := ghosts.Run(ctx, cfg.GhostScanInterval)
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// Детектор аномалий
	g.Go(func() error {
		err := anomalies.Run(ctx, cfg.AnomalyScanInterval)
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting smmpanel server",
			"addr", cfg.RunAddress,
			"providers", len(registry.All()))
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

// buildRegistry создаёт адаптеры для провайдеров, указанных в конфигурации.
func buildRegistry(cfg *config.Config, sugar *zap.SugaredLogger) *provider.Registry {
	var adapters []provider.Adapter
	for name, pc := range cfg.Providers() {
		switch name {
		case "smmgen":
			adapters = append(adapters, provider.NewSMMGen(pc.BaseURL, pc.APIKey))
		case "peakerr":
			adapters = append(adapters, provider.NewPeakerr(pc.BaseURL, pc.APIKey))
		case "smmkings":
			adapters = append(adapters, provider.NewSMMKings(pc.BaseURL, pc.APIKey))
		case "viralhq":
			adapters = append(adapters, provider.NewViralHQ(pc.BaseURL, pc.APIKey))
		case "boostlab":
			adapters = append(adapters, provider.NewBoostLab(pc.BaseURL, pc.APIKey))
		}
		sugar.Infow("provider configured", "provider", name)
	}
	return provider.NewRegistry(adapters...)
}
