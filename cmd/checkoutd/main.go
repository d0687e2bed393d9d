// Package main запускает HTTP-сервер сервиса оплаты через MercadoPago Checkout Pro.
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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/mpcheckout/internal/config"
	"github.com/mmeshcher/mpcheckout/internal/handler"
	"github.com/mmeshcher/mpcheckout/internal/mercadopago"
	"github.com/mmeshcher/mpcheckout/internal/repository"
	"github.com/mmeshcher/mpcheckout/internal/service"
	"github.com/mmeshcher/mpcheckout/internal/signature"
	"github.com/mmeshcher/mpcheckout/internal/validation"
)

func main() {
	// .env необязателен, переменные окружения процесса важнее.
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	store, err := openStore(cfg)
	if err != nil {
		sugar.Fatalw("store initialization error", "driver", cfg.StoreDriver, "error", err.Error())
	}

	if cfg.MercadoPago.AccessToken == "" {
		sugar.Warn("MP_ACCESS_TOKEN is empty, upstream calls will be rejected")
	}
	if cfg.MercadoPago.WebhookSecret == "" {
		if cfg.IsProduction() {
			sugar.Warn("MP_WEBHOOK_SECRET is empty, all notifications will be rejected")
		} else {
			sugar.Warn("MP_WEBHOOK_SECRET is empty, notifications will be accepted unverified")
		}
	}
	if base, err := validation.BaseURL(cfg.BaseURL); err != nil {
		sugar.Errorw("invalid APP_BASE_URL, checkout will be refused", "error", err.Error())
	} else if base == nil {
		sugar.Warn("APP_BASE_URL is empty, preferences will have no back or notification urls")
	} else if !validation.IsSecure(base) {
		sugar.Warnw("APP_BASE_URL is not https, auto return is disabled", "base_url", base.String())
	}

	mp := mercadopago.NewClient(cfg.MercadoPago.APIURL, cfg.MercadoPago.AccessToken,
		mercadopago.WithTimeout(cfg.MercadoPago.RequestTimeout),
		mercadopago.WithLogger(logger.Named("mercadopago")),
	)

	svc := service.NewService(store, mp,
		signature.NewVerifier(cfg.MercadoPago.WebhookSecret, cfg.IsProduction()),
		logger.Named("service"),
		service.Options{
			Currency:       cfg.MercadoPago.Currency,
			AmountCeilings: cfg.AmountCeilings,
			BaseURL:        cfg.BaseURL,
			Sandbox:        cfg.MercadoPago.Sandbox,
			FetchTimeout:   cfg.MercadoPago.FetchTimeout,
			SweepInterval:  cfg.SweepInterval,
			SweepAge:       cfg.SweepAge,
		},
	)
	defer svc.Close()

	h := handler.NewHandler(svc, logger)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Сверка зависших покупок на случай потерянных уведомлений
	g.Go(func() error {
		svc.StartPendingSweep(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting checkout server",
			"addr", cfg.RunAddress,
			"store", cfg.StoreDriver,
			"env", cfg.Environment,
			"sandbox", cfg.MercadoPago.Sandbox,
		)
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

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func openStore(cfg *config.Config) (service.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverBolt:
		return repository.NewBoltRepository(cfg.BoltPath)
	default:
		return repository.NewPostgresRepository(cfg.DatabaseURI)
	}
}
