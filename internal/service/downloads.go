package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/assets"
	"github.com/mmeshcher/plugin-storefront/internal/download"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/repository"
	"github.com/mmeshcher/plugin-storefront/internal/validation"
)

// RedeemDownload проверяет токен, находит право на скачивание и возвращает адрес
// установщика. Просроченная ссылка не выдаётся независимо от счётчика скачиваний.
func (s *Service) RedeemDownload(ctx context.Context, token, platformParam string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", validation.Errorf("Missing download token")
	}

	now := s.now()
	claims, err := s.issuer.Parse(token, now)
	switch {
	case errors.Is(err, download.ErrTokenExpired):
		s.metrics.RecordDownload("expired")
		return "", ErrExpired
	case err != nil:
		s.metrics.RecordDownload("not_found")
		return "", ErrNotFound
	}

	platform := claims.Platform
	if platform == "" {
		platform = model.PlatformMacOS
		if platformParam != "" {
			p, err := model.ParsePlatform(platformParam)
			if err != nil {
				return "", validation.Errorf("Invalid platform")
			}
			platform = p
		}
	}

	grant, err := s.repo.FindGrant(ctx, claims.OrderID, claims.ProductID, platform, token)
	if err != nil {
		if errors.Is(err, repository.ErrGrantNotFound) {
			s.metrics.RecordDownload("not_found")
			return "", ErrNotFound
		}
		return "", fmt.Errorf("find grant: %w", err)
	}
	if grant.Expired(now) {
		s.metrics.RecordDownload("expired")
		return "", ErrExpired
	}

	// Ссылка без токена из старых заказов хранит платформу по умолчанию,
	// установщик выбирается по запрошенной платформе.
	location, err := s.assets.Locate(ctx, grant.ProductID, platform)
	if err != nil {
		if errors.Is(err, assets.ErrNoAsset) {
			s.metrics.RecordDownload("not_found")
			return "", ErrNotFound
		}
		return "", fmt.Errorf("locate asset: %w", err)
	}

	if _, err := s.repo.IncrementDownloadCount(ctx, grant.ID); err != nil {
		s.logger.Error("increment download count error", zap.Int64("grant_id", grant.ID), zap.Error(err))
	}
	s.metrics.RecordDownload("redirect")
	return location, nil
}
