// Package main запускает HTTP-сервер витрины плагинов.
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

	"github.com/mmeshcher/plugin-storefront/internal/assets"
	"github.com/mmeshcher/plugin-storefront/internal/catalog"
	"github.com/mmeshcher/plugin-storefront/internal/config"
	"github.com/mmeshcher/plugin-storefront/internal/download"
	"github.com/mmeshcher/plugin-storefront/internal/fulfillment"
	"github.com/mmeshcher/plugin-storefront/internal/handler"
	"github.com/mmeshcher/plugin-storefront/internal/mailer"
	"github.com/mmeshcher/plugin-storefront/internal/metrics"
	"github.com/mmeshcher/plugin-storefront/internal/middleware"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
	"github.com/mmeshcher/plugin-storefront/internal/payment/paypal"
	"github.com/mmeshcher/plugin-storefront/internal/payment/stripe"
	"github.com/mmeshcher/plugin-storefront/internal/ratelimit"
	"github.com/mmeshcher/plugin-storefront/internal/repository"
	"github.com/mmeshcher/plugin-storefront/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Default()
	if err != nil {
		sugar.Fatalw("catalog error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	reg := metrics.NewRegistry()

	var locator service.AssetLocator = assets.NewReleaseLocator(cat)
	if cfg.AssetsS3Bucket != "" {
		s3Locator, err := assets.NewS3Locator(ctx, cat, cfg.AssetsS3Bucket, cfg.AssetsS3Prefix, cfg.AssetsS3Region, 0)
		if err != nil {
			sugar.Fatalw("assets initialization error", "error", err.Error())
		}
		locator = s3Locator
	}

	var sender mailer.Sender = mailer.NewNoopSender(logger)
	if cfg.ResendAPIKey != "" {
		sender = mailer.NewResendSender(cfg.ResendAPIKey, "")
	} else {
		sugar.Warn("RESEND_API_KEY is not set, emails will only be logged")
	}
	mail, err := mailer.New(sender, mailer.Config{
		From:          cfg.MailFrom,
		SupportFrom:   cfg.MailFrom,
		SupportInbox:  cfg.SupportInbox,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		sugar.Fatalw("mailer initialization error", "error", err.Error())
	}

	var adapters []payment.Adapter
	if cfg.StripeEnabled() {
		adapters = append(adapters, stripe.New(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			APIBase:       cfg.StripeAPIBase,
			PublicBaseURL: cfg.PublicBaseURL,
		}))
	}
	if cfg.PayPalEnabled() {
		adapters = append(adapters, paypal.New(paypal.Config{
			ClientID:      cfg.PayPalClientID,
			ClientSecret:  cfg.PayPalClientSecret,
			WebhookID:     cfg.PayPalWebhookID,
			APIBase:       cfg.PayPalAPIBase,
			PublicBaseURL: cfg.PublicBaseURL,
		}, cat))
	}
	if len(adapters) == 0 {
		sugar.Warn("no payment provider is configured, only free orders are available")
	}

	issuer := download.NewIssuer(cfg.PublicBaseURL, []byte(cfg.DownloadSigningSecret))
	if !issuer.Signed() {
		sugar.Warn("DOWNLOAD_SIGNING_SECRET is not set, download tokens are unsigned")
	}

	pipeline := fulfillment.New(repo, cat, issuer, mail, reg, logger, cfg.DownloadTTL)

	svc := service.NewService(service.Deps{
		Repo:          repo,
		Catalog:       cat,
		Payments:      payment.NewRegistry(adapters...),
		Pipeline:      pipeline,
		Issuer:        issuer,
		Assets:        locator,
		Mailer:        mail,
		Metrics:       reg,
		Logger:        logger,
		AdminPassword: cfg.AdminPassword,
	})
	defer svc.Close()

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisURL != "" {
		client, err := ratelimit.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer client.Close()
		store = ratelimit.NewRedisStore(client, "storefront:ratelimit")
	}
	limits, err := handler.DefaultLimits(store)
	if err != nil {
		sugar.Fatalw("rate limit initialization error", "error", err.Error())
	}

	adminAuth, err := middleware.NewAdminAuth(cfg.AdminTokenSecret, cfg.AdminTokenTTL)
	if err != nil {
		sugar.Fatalw("admin auth initialization error", "error", err.Error())
	}
	if cfg.AdminTokenSecret == "" {
		sugar.Warn("ADMIN_TOKEN_SECRET is not set, admin sessions end on restart")
	}

	h := handler.NewHandler(svc, logger, adminAuth, limits, reg)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting storefront server", "addr", cfg.RunAddress)
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
