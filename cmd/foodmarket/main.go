// Package main запускает HTTP-сервер сервиса фудмаркет.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ovoronin/foodmarket-system/internal/address"
	"github.com/ovoronin/foodmarket-system/internal/checkout"
	"github.com/ovoronin/foodmarket-system/internal/config"
	"github.com/ovoronin/foodmarket-system/internal/gateway"
	"github.com/ovoronin/foodmarket-system/internal/handler"
	"github.com/ovoronin/foodmarket-system/internal/middleware"
	"github.com/ovoronin/foodmarket-system/internal/ordersys"
	"github.com/ovoronin/foodmarket-system/internal/repository"
	"github.com/ovoronin/foodmarket-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ordersClient := ordersys.NewClient(cfg.OrderSystemAddress, cfg.OrderSystemToken)
	gatewayAdapter := gateway.NewAdapter(cfg.GatewayAddress, cfg.GatewaySecretKey, cfg.GatewayBootstrapTimeout, logger)
	resolver := address.NewResolver(ordersClient, logger)

	svc := service.NewService(repo)
	defer svc.Close()

	orchestrator := checkout.NewOrchestrator(repo, ordersClient, resolver, gatewayAdapter, cfg.Currency, cfg.PaymentTimeout, logger)

	authMiddleware, err := middleware.NewAuthMiddleware(cfg.JWTSecret)
	if err != nil {
		sugar.Fatalw("auth initialization error", "error", err.Error())
	}
	h := handler.NewHandler(svc, orchestrator, gatewayAdapter, cfg.GatewaySecretKey, logger, authMiddleware)

	checkoutLimiter := middleware.NewRateLimiter(rate.Every(time.Second), 5)
	r := h.SetupRouter(checkoutLimiter)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	})

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: corsHandler.Handler(r),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Разовая инициализация платёжного шлюза при старте
	g.Go(func() error {
		if err := gatewayAdapter.Bootstrap(ctx); err != nil {
			sugar.Errorw("gateway bootstrap error", "error", err.Error())
		}
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting foodmarket server", "addr", cfg.RunAddress)
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
