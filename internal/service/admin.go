package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/plugin-storefront/internal/mailer"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/repository"
	"github.com/mmeshcher/plugin-storefront/internal/validation"
)

const (
	// ChartDays: глубина графика в днях; вместе с сегодняшним днём получается ChartDays+1 точка.
	ChartDays = 30
	// RecentOrdersLimit: число последних заказов в сводке.
	RecentOrdersLimit = 50
	// DefaultReplacementFamily: семейство по умолчанию для выпуска замены ключа.
	DefaultReplacementFamily = "TAPEBLOOM"

	dateLayout = "2006-01-02"
)

// ErrAlreadySubscribed возвращается, если адрес уже подписан на рассылку.
var ErrAlreadySubscribed = validation.Errorf("Email is already subscribed")

// AdminStats: сводка для панели администратора.
type AdminStats struct {
	Stats             *model.Stats              `json:"stats"`
	ProviderBreakdown []model.ProviderRevenue   `json:"providerBreakdown"`
	PluginPopularity  []model.ProductPopularity `json:"pluginPopularity"`
	RecentOrders      []model.RecentOrder       `json:"-"`
}

// AuthenticateAdmin сверяет пароль администратора за постоянное время.
func (s *Service) AuthenticateAdmin(password string) error {
	if s.adminPassword == "" {
		return ErrAdminDisabled
	}
	got := sha256.Sum256([]byte(password))
	want := sha256.Sum256([]byte(s.adminPassword))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// AdminStats собирает показатели, разбивку по провайдерам, популярность и последние заказы.
func (s *Service) AdminStats(ctx context.Context) (*AdminStats, error) {
	res := &AdminStats{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		st, err := s.repo.Stats(gctx)
		res.Stats = st
		return err
	})
	g.Go(func() error {
		pb, err := s.repo.ProviderBreakdown(gctx)
		res.ProviderBreakdown = pb
		return err
	})
	g.Go(func() error {
		pp, err := s.repo.ProductPopularity(gctx)
		res.PluginPopularity = pp
		return err
	})
	g.Go(func() error {
		ro, err := s.repo.RecentOrders(gctx, RecentOrdersLimit)
		res.RecentOrders = ro
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("admin stats: %w", err)
	}
	return res, nil
}

// ChartData возвращает ежедневные показатели за последние ChartDays дней включительно.
// Дни без заказов присутствуют с нулями.
func (s *Service) ChartData(ctx context.Context) ([]model.DailyTotals, error) {
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := today.AddDate(0, 0, -ChartDays)

	rows, err := s.repo.DailyTotals(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("daily totals: %w", err)
	}
	byDate := make(map[string]model.DailyTotals, len(rows))
	for _, r := range rows {
		byDate[r.Date] = r
	}

	out := make([]model.DailyTotals, 0, ChartDays+1)
	for d := 0; d <= ChartDays; d++ {
		date := since.AddDate(0, 0, d).Format(dateLayout)
		row, ok := byDate[date]
		if !ok {
			row = model.DailyTotals{Date: date}
		}
		out = append(out, row)
	}
	return out, nil
}

// ExportOrdersCSV пишет заказы в CSV. При marketingOnly выгружаются только
// заказы с согласием на рассылку.
func (s *Service) ExportOrdersCSV(ctx context.Context, w io.Writer, marketingOnly bool) error {
	orders, err := s.repo.ExportOrders(ctx, marketingOnly)
	if err != nil {
		return fmt.Errorf("export orders: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Email", "Date", "Amount", "Plugins", "Type"}); err != nil {
		return err
	}
	for _, o := range orders {
		kind := "Paid"
		if o.IsFree() {
			kind = "Free"
		}
		record := []string{
			o.Email,
			o.CreatedAt.UTC().Format(dateLayout),
			mailer.FormatAmount(o.AmountTotal),
			strings.Join(o.Items.Names(), "; "),
			kind,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportSubscribersCSV пишет подписчиков рассылки в CSV.
func (s *Service) ExportSubscribersCSV(ctx context.Context, w io.Writer) error {
	subs, err := s.repo.GetMarketingSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("get subscribers: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Email", "Subscribed Date"}); err != nil {
		return err
	}
	for _, sub := range subs {
		if err := cw.Write([]string{sub.Email, sub.SubscribedAt.UTC().Format(dateLayout)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// RenameEmail переносит все заказы со старого адреса на новый без учёта регистра.
func (s *Service) RenameEmail(ctx context.Context, oldEmail, newEmail string) (int64, error) {
	oldEmail = strings.ToLower(strings.TrimSpace(oldEmail))
	newEmail = strings.ToLower(strings.TrimSpace(newEmail))
	if !validation.IsEmail(oldEmail) {
		return 0, validation.Errorf("Valid old email address is required")
	}
	if !validation.IsEmail(newEmail) {
		return 0, validation.Errorf("Valid new email address is required")
	}
	if oldEmail == newEmail {
		return 0, validation.Errorf("New email must be different from old email")
	}

	n, err := s.repo.UpdateOrdersEmail(ctx, oldEmail, newEmail)
	if err != nil {
		if errors.Is(err, repository.ErrNoOrdersForEmail) {
			return 0, fmt.Errorf("%w: no orders found with email %s", ErrNotFound, oldEmail)
		}
		return 0, fmt.Errorf("update orders email: %w", err)
	}
	s.logger.Info("orders email updated", zap.Int64("updated", n))
	return n, nil
}

// AddSubscriber добавляет адрес в рассылку нулевым заказом-заглушкой.
func (s *Service) AddSubscriber(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !validation.IsEmail(email) {
		return validation.Errorf("Valid email address is required")
	}

	subscribed, err := s.repo.IsSubscribed(ctx, email)
	if err != nil {
		return fmt.Errorf("check subscriber: %w", err)
	}
	if subscribed {
		return ErrAlreadySubscribed
	}

	o := &model.Order{
		Email:          email,
		Provider:       model.ProviderManual,
		TransactionID:  "manual_" + uuid.NewString(),
		Items:          model.LineItems{},
		MarketingOptIn: true,
	}
	if _, err := s.repo.InsertOrder(ctx, o); err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

// IssueReplacementLicense выпускает новый ключ для самого свежего заказа адреса
// с продуктом семейства, сохраняет его и отправляет письмом.
func (s *Service) IssueReplacementLicense(ctx context.Context, email, family string) (string, error) {
	email = strings.TrimSpace(email)
	if !validation.IsEmail(email) {
		return "", validation.Errorf("Valid email address is required")
	}
	family = strings.ToUpper(strings.TrimSpace(family))
	if family == "" {
		family = DefaultReplacementFamily
	}
	product, ok := s.catalog.LicenseProduct(family)
	if !ok {
		return "", validation.Errorf("Unknown license family: %s", family)
	}

	order, err := s.repo.LatestOrderWithProduct(ctx, email, product.ID)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: no %s purchase found for this email address", ErrNotFound, product.Name)
		}
		return "", fmt.Errorf("find order: %w", err)
	}

	key, err := s.genLicense(family)
	if err != nil {
		return "", fmt.Errorf("generate license: %w", err)
	}
	if err := s.repo.SetLicenseKey(ctx, order.ID, family, key); err != nil {
		return "", fmt.Errorf("save license: %w", err)
	}

	if err := s.mailer.SendLicenseKey(ctx, mailer.LicenseEmail{Email: email, Product: product.Name, Key: key}); err != nil {
		s.metrics.RecordEmailFailure("license")
		s.logger.Error("send license email error", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	s.logger.Info("replacement license issued", zap.Int64("order_id", order.ID), zap.String("family", family))
	return key, nil
}
