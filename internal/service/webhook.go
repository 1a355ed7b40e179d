package service

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
)

// HandleWebhook проверяет подлинность уведомления и обрабатывает его. После успешной
// проверки ошибки обработки только логируются: повторная доставка идемпотентна.
func (s *Service) HandleWebhook(ctx context.Context, provider model.Provider, header http.Header, body []byte) error {
	adapter, err := s.payments.Get(provider)
	if err != nil {
		return err
	}

	ok, err := adapter.VerifyNotification(ctx, header, body)
	if err != nil {
		return fmt.Errorf("verify %s notification: %w", provider, err)
	}
	if !ok {
		s.metrics.RecordWebhook(string(provider), "invalid_signature")
		return payment.ErrInvalidSignature
	}

	n, err := adapter.ParseNotification(body)
	if err != nil {
		s.logger.Error("parse webhook error", zap.String("provider", string(provider)), zap.Error(err))
		return nil
	}
	s.metrics.RecordWebhook(string(provider), n.Type)

	log := s.logger.With(
		zap.String("provider", string(provider)),
		zap.String("event_id", n.ID),
		zap.String("event_type", n.Type),
	)

	switch n.Kind {
	case payment.KindFulfill:
		s.fulfillNotification(ctx, adapter, n, log)
	case payment.KindDenied:
		log.Warn("payment denied", zap.String("reference", n.Reference))
	case payment.KindInformational:
		log.Info("webhook event received")
	default:
		log.Debug("webhook event ignored")
	}
	return nil
}

func (s *Service) fulfillNotification(ctx context.Context, adapter payment.Adapter, n *payment.Notification, log *zap.Logger) {
	log = log.With(zap.String("reference", n.Reference))

	if _, err := s.repo.GetOrderByTransactionID(ctx, adapter.Provider(), n.Reference); err == nil {
		log.Info("order already fulfilled")
		return
	} else if !isNotFound(err) {
		log.Error("lookup order error", zap.Error(err))
		return
	}

	ev, err := adapter.ResolveEvent(ctx, n)
	if err != nil {
		log.Error("resolve webhook event error", zap.Error(err))
		return
	}

	res, err := s.pipeline.Fulfill(ctx, ev)
	if err != nil {
		log.Error("fulfill order error", zap.Error(err))
		return
	}
	log.Info("webhook fulfilled order",
		zap.Int64("order_id", res.OrderID),
		zap.Bool("duplicate", res.Duplicate),
	)
}
