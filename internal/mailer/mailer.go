// Package mailer отправляет письма покупателям и в поддержку.
package mailer

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templatesFS embed.FS

// ErrNoRecipient возвращается при попытке отправить письмо без адресата.
var ErrNoRecipient = errors.New("no recipient")

// Message описывает одно исходящее письмо.
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
}

// Sender доставляет готовое письмо через почтового провайдера.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NoopSender только пишет письмо в лог. Используется, когда провайдер не настроен.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender создаёт отправителя-заглушку.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send пишет адресатов и тему письма в лог.
func (s *NoopSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("email not sent, provider disabled",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// ProductLinks содержит ссылки на скачивание одного продукта по платформам.
type ProductLinks struct {
	Name  string
	Links []PlatformLink
}

// PlatformLink: ссылка на установщик для одной платформы.
type PlatformLink struct {
	Platform string
	URL      string
}

// LicenseLine: ключ активации для продукта.
type LicenseLine struct {
	Product string
	Key     string
}

// Confirmation содержит данные письма-подтверждения заказа.
type Confirmation struct {
	Email       string
	OrderRef    string
	AmountTotal int64
	Products    []ProductLinks
	LicenseKeys []LicenseLine
	ValidFor    time.Duration
}

// LicenseEmail содержит данные письма с новым ключом активации.
type LicenseEmail struct {
	Email   string
	Product string
	Key     string
}

// SupportMessage: обращение в поддержку с формы сайта.
type SupportMessage struct {
	Name    string
	Email   string
	Subject string
	Message string
}

// Config задаёт адреса отправителя и получателей.
type Config struct {
	From          string
	SupportFrom   string
	SupportInbox  string
	PublicBaseURL string
}

// Mailer формирует письма из шаблонов и передаёт их отправителю.
type Mailer struct {
	sender Sender
	cfg    Config
	tmpl   *template.Template
}

// New создаёт Mailer со встроенными шаблонами.
func New(sender Sender, cfg Config) (*Mailer, error) {
	tmpl, err := template.New("mail").Funcs(template.FuncMap{
		"inc": func(i int) int { return i + 1 },
	}).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}

	if cfg.SupportFrom == "" {
		cfg.SupportFrom = cfg.From
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return &Mailer{sender: sender, cfg: cfg, tmpl: tmpl}, nil
}

// SendConfirmation отправляет покупателю подтверждение заказа со ссылками и ключами.
func (m *Mailer) SendConfirmation(ctx context.Context, c Confirmation) error {
	if c.Email == "" {
		return ErrNoRecipient
	}

	html, err := m.render("purchase_confirmation.html", map[string]any{
		"Email":         c.Email,
		"OrderRef":      c.OrderRef,
		"Total":         FormatAmount(c.AmountTotal),
		"Products":      c.Products,
		"LicenseKeys":   c.LicenseKeys,
		"ValidFor":      formatValidity(c.ValidFor),
		"DownloadsPage": m.cfg.PublicBaseURL + "/downloads",
	})
	if err != nil {
		return err
	}

	return m.sender.Send(ctx, Message{
		From:    m.cfg.From,
		To:      []string{c.Email},
		Subject: "Your Turnt Plugins Purchase Confirmation",
		HTML:    html,
	})
}

// SendLicenseKey отправляет покупателю новый ключ активации.
func (m *Mailer) SendLicenseKey(ctx context.Context, l LicenseEmail) error {
	if l.Email == "" {
		return ErrNoRecipient
	}

	html, err := m.render("license_key.html", map[string]any{
		"Product":       l.Product,
		"Key":           l.Key,
		"DownloadsPage": m.cfg.PublicBaseURL + "/downloads",
	})
	if err != nil {
		return err
	}

	return m.sender.Send(ctx, Message{
		From:    m.cfg.From,
		To:      []string{l.Email},
		Subject: fmt.Sprintf("Your %s Activation Code", l.Product),
		HTML:    html,
	})
}

// SendSupport пересылает обращение в ящик поддержки с Reply-To на автора.
func (m *Mailer) SendSupport(ctx context.Context, s SupportMessage) error {
	if m.cfg.SupportInbox == "" {
		return ErrNoRecipient
	}

	html, err := m.render("support_message.html", s)
	if err != nil {
		return err
	}

	return m.sender.Send(ctx, Message{
		From:    m.cfg.SupportFrom,
		To:      []string{m.cfg.SupportInbox},
		ReplyTo: s.Email,
		Subject: "Support: " + s.Subject,
		HTML:    html,
	})
}

func (m *Mailer) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := m.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// FormatAmount печатает сумму в центах как "$19.00", нулевую, как "FREE".
func FormatAmount(cents int64) string {
	if cents == 0 {
		return "FREE"
	}
	return "$" + decimal.New(cents, -2).StringFixed(2)
}

func formatValidity(d time.Duration) string {
	if d <= 0 {
		return "a few days"
	}
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
