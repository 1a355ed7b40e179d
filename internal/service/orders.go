package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/mailer"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
	"github.com/mmeshcher/plugin-storefront/internal/repository"
	"github.com/mmeshcher/plugin-storefront/internal/validation"
)

// SupportRequest: обращение с формы поддержки.
type SupportRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=200"`
	Message string `json:"message" validate:"required,max=5000"`
}

// LookupOrders возвращает все заказы адреса вместе со ссылками. Ключи отложенных
// лицензий, которых ещё нет у заказа, выпускаются и сохраняются по ходу.
func (s *Service) LookupOrders(ctx context.Context, email string) ([]*model.Order, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, validation.Errorf("Email is required")
	}
	if !validation.IsEmail(email) {
		return nil, validation.Errorf("Invalid email address")
	}

	orders, err := s.repo.GetOrdersByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}

	for _, o := range orders {
		s.backfillLicenses(ctx, o)
	}
	return orders, nil
}

func (s *Service) backfillLicenses(ctx context.Context, o *model.Order) {
	families := append(s.catalog.PurchaseLicenses(o.Items), s.catalog.DeferredLicenses(o.Items)...)
	for _, family := range families {
		if o.LicenseKeys[family] != "" {
			continue
		}
		key, err := s.genLicense(family)
		if err != nil {
			s.logger.Error("generate license error", zap.String("family", family), zap.Error(err))
			continue
		}
		if err := s.repo.SetLicenseKey(ctx, o.ID, family, key); err != nil {
			s.logger.Error("save backfilled license error",
				zap.Int64("order_id", o.ID),
				zap.String("family", family),
				zap.Error(err),
			)
			continue
		}
		if o.LicenseKeys == nil {
			o.LicenseKeys = make(map[string]string)
		}
		o.LicenseKeys[family] = key
		s.logger.Info("license key backfilled", zap.Int64("order_id", o.ID), zap.String("family", family))
	}
}

// RegenerateLinks заменяет ссылки заказа новыми. Адрес должен совпадать с адресом заказа.
func (s *Service) RegenerateLinks(ctx context.Context, orderID int64, email string) ([]model.DownloadGrant, error) {
	if orderID <= 0 {
		return nil, validation.Errorf("Order ID is required")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, validation.Errorf("Email is required")
	}

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	if !strings.EqualFold(order.Email, email) {
		return nil, ErrNotFound
	}

	grants, err := s.pipeline.Regenerate(ctx, order)
	if err != nil {
		return nil, err
	}
	s.logger.Info("download links regenerated", zap.Int64("order_id", order.ID), zap.Int("grants", len(grants)))
	return grants, nil
}

// OrderDetails возвращает сведения о платеже для страницы успешной оплаты.
func (s *Service) OrderDetails(ctx context.Context, provider model.Provider, transactionID string) (*payment.Details, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, validation.Errorf("Missing transaction ID")
	}

	if provider == model.ProviderFree {
		o, err := s.repo.GetOrderByTransactionID(ctx, provider, transactionID)
		if err != nil {
			if isNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get order: %w", err)
		}
		return &payment.Details{
			Provider:      model.ProviderFree,
			TransactionID: o.TransactionID,
			Currency:      "usd",
			CustomerEmail: o.Email,
			PaymentStatus: "paid",
		}, nil
	}

	adapter, err := s.payments.Get(provider)
	if err != nil {
		return nil, validation.Errorf("Invalid payment provider")
	}
	return adapter.Details(ctx, transactionID)
}

// SendSupportMessage пересылает обращение в ящик поддержки.
func (s *Service) SendSupportMessage(ctx context.Context, req SupportRequest) error {
	req.Email = strings.TrimSpace(req.Email)
	if err := validation.Struct(req); err != nil {
		return err
	}
	err := s.mailer.SendSupport(ctx, mailer.SupportMessage{
		Name:    strings.TrimSpace(req.Name),
		Email:   req.Email,
		Subject: strings.TrimSpace(req.Subject),
		Message: req.Message,
	})
	if err != nil {
		s.metrics.RecordEmailFailure("support")
		return fmt.Errorf("send support message: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrOrderNotFound) ||
		errors.Is(err, repository.ErrGrantNotFound) ||
		errors.Is(err, repository.ErrNoOrdersForEmail)
}
