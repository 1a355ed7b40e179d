// Package main содержит консольную утилиту администратора витрины плагинов.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/catalog"
	"github.com/mmeshcher/plugin-storefront/internal/config"
	"github.com/mmeshcher/plugin-storefront/internal/download"
	"github.com/mmeshcher/plugin-storefront/internal/mailer"
	"github.com/mmeshcher/plugin-storefront/internal/repository"
	"github.com/mmeshcher/plugin-storefront/internal/service"
)

// Version задаётся при сборке через -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd(openService).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openService собирает сервис поверх базы данных из окружения. Платёжные провайдеры
// утилите не нужны.
func openService(_ context.Context) (adminService, func(), error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURI == "" {
		return nil, nil, fmt.Errorf("DATABASE_URI is not set")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	cat, err := catalog.Default()
	if err != nil {
		return nil, nil, err
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	var sender mailer.Sender = mailer.NewNoopSender(logger)
	if cfg.ResendAPIKey != "" {
		sender = mailer.NewResendSender(cfg.ResendAPIKey, "")
	}
	mail, err := mailer.New(sender, mailer.Config{
		From:          cfg.MailFrom,
		SupportFrom:   cfg.MailFrom,
		SupportInbox:  cfg.SupportInbox,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}

	svc := service.NewService(service.Deps{
		Repo:    repo,
		Catalog: cat,
		Issuer:  download.NewIssuer(cfg.PublicBaseURL, []byte(cfg.DownloadSigningSecret)),
		Mailer:  mail,
		Logger:  logger,
	})

	return svc, func() {
		_ = svc.Close()
		_ = logger.Sync()
	}, nil
}
