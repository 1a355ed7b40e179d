// Package repository содержит реализацию хранилища заказов и ссылок на скачивание в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/plugin-storefront/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderExists возвращается при повторной вставке заказа с той же парой провайдер + транзакция.
var (
	ErrOrderExists = errors.New("order already exists")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrGrantNotFound возвращается, если ссылка на скачивание не найдена.
	ErrGrantNotFound = errors.New("download grant not found")
	// ErrNoOrdersForEmail возвращается, если для адреса нет ни одного заказа.
	ErrNoOrdersForEmail = errors.New("no orders for email")
	// ErrUnknownLicenseFamily возвращается для семейства без колонки в схеме.
	ErrUnknownLicenseFamily = errors.New("unknown license family")
)

// Колонки ключей по семействам лицензий.
var licenseColumns = map[string]string{
	"VOCALFELT": "license_key",
	"TAPEBLOOM": "tape_bloom_license_key",
}

const orderColumns = `id, email, payment_provider, transaction_id, amount_total, plugins,
	marketing_opt_in, discount_code, license_key, tape_bloom_license_key, created_at`

const grantColumns = `id, order_id, plugin_id, plugin_name, platform, COALESCE(token, ''),
	download_url, expires_at, download_count, created_at`

// PostgresRepository предоставляет доступ к хранилищу заказов в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и применяет миграции схемы.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при конфликте сериализации, дедлоке или обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil || i == len(delays) || !isRetryable(err) {
			return err
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Ping проверяет доступность базы данных.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*model.Order, error) {
	var (
		o          model.Order
		provider   string
		plugins    string
		discount   *string
		vocalFelt  *string
		tapeBloom  *string
		amountCent int64
	)
	err := row.Scan(&o.ID, &o.Email, &provider, &o.TransactionID, &amountCent, &plugins,
		&o.MarketingOptIn, &discount, &vocalFelt, &tapeBloom, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	items, err := model.ParseLineItems([]byte(plugins))
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", o.ID, err)
	}

	o.Provider = model.Provider(provider)
	o.AmountTotal = amountCent
	o.Items = items
	if discount != nil {
		o.DiscountCode = *discount
	}
	o.LicenseKeys = make(map[string]string)
	if vocalFelt != nil && *vocalFelt != "" {
		o.LicenseKeys["VOCALFELT"] = *vocalFelt
	}
	if tapeBloom != nil && *tapeBloom != "" {
		o.LicenseKeys["TAPEBLOOM"] = *tapeBloom
	}
	return &o, nil
}

func scanGrant(row scanner) (model.DownloadGrant, error) {
	var (
		g        model.DownloadGrant
		platform string
	)
	err := row.Scan(&g.ID, &g.OrderID, &g.ProductID, &g.ProductName, &platform, &g.Token,
		&g.URL, &g.ExpiresAt, &g.DownloadCount, &g.CreatedAt)
	if err != nil {
		return g, err
	}
	g.Platform = model.Platform(platform)
	return g, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertOrder сохраняет заказ. Повтор пары провайдер + транзакция даёт ErrOrderExists.
func (r *PostgresRepository) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	if err := o.Items.Validate(); err != nil {
		return 0, err
	}
	plugins, err := marshalItems(o.Items)
	if err != nil {
		return 0, err
	}

	var id int64
	var createdAt time.Time
	err = r.pool.QueryRow(ctx,
		`INSERT INTO orders (email, payment_provider, transaction_id, amount_total, plugins,
			marketing_opt_in, discount_code, license_key, tape_bloom_license_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		o.Email, string(o.Provider), o.TransactionID, o.AmountTotal, plugins,
		o.MarketingOptIn, nullable(o.DiscountCode),
		nullable(o.LicenseKeys["VOCALFELT"]), nullable(o.LicenseKeys["TAPEBLOOM"]),
	).Scan(&id, &createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s/%s", ErrOrderExists, o.Provider, o.TransactionID)
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}

	o.ID = id
	o.CreatedAt = createdAt
	return id, nil
}

// InsertGrants сохраняет пачку ссылок на скачивание в одной транзакции и возвращает
// только вставленные строки. Ссылка на уже занятую тройку заказ + продукт + платформа
// пропускается.
func (r *PostgresRepository) InsertGrants(ctx context.Context, grants []model.DownloadGrant) ([]model.DownloadGrant, error) {
	var saved []model.DownloadGrant
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		saved, err = insertGrants(ctx, tx, grants)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// ReplaceGrants удаляет ссылки заказа и сохраняет новые в одной транзакции.
func (r *PostgresRepository) ReplaceGrants(ctx context.Context, orderID int64, grants []model.DownloadGrant) ([]model.DownloadGrant, error) {
	var saved []model.DownloadGrant
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM downloads WHERE order_id = $1`, orderID); err != nil {
			return fmt.Errorf("delete grants: %w", err)
		}

		saved, err = insertGrants(ctx, tx, grants)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func insertGrants(ctx context.Context, tx pgx.Tx, grants []model.DownloadGrant) ([]model.DownloadGrant, error) {
	saved := make([]model.DownloadGrant, 0, len(grants))
	for _, g := range grants {
		err := tx.QueryRow(ctx,
			`INSERT INTO downloads (order_id, plugin_id, plugin_name, platform, token, download_url, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (order_id, plugin_id, platform) DO NOTHING
			 RETURNING id, created_at`,
			g.OrderID, g.ProductID, g.ProductName, string(g.Platform), g.Token, g.URL, g.ExpiresAt,
		).Scan(&g.ID, &g.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert grant: %w", err)
		}
		saved = append(saved, g)
	}
	return saved, nil
}

// DeleteGrantsForOrder удаляет все ссылки заказа.
func (r *PostgresRepository) DeleteGrantsForOrder(ctx context.Context, orderID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM downloads WHERE order_id = $1`, orderID)
	if err != nil {
		return 0, fmt.Errorf("delete grants: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetOrderByTransactionID возвращает заказ с его ссылками по паре провайдер + транзакция.
func (r *PostgresRepository) GetOrderByTransactionID(ctx context.Context, provider model.Provider, transactionID string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_provider = $1 AND transaction_id = $2`,
		string(provider), transactionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by transaction: %w", err)
	}

	if err := r.attachGrants(ctx, []*model.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrderByID возвращает заказ с его ссылками.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := r.attachGrants(ctx, []*model.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrdersByEmail возвращает заказы адреса без учёта регистра, новые первыми, вместе со ссылками.
func (r *PostgresRepository) GetOrdersByEmail(ctx context.Context, email string) ([]*model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE LOWER(email) = LOWER($1)
		 ORDER BY created_at DESC`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := r.attachGrants(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *PostgresRepository) attachGrants(ctx context.Context, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(orders))
	byID := make(map[int64]*model.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+grantColumns+`
		 FROM downloads
		 WHERE order_id = ANY($1)
		 ORDER BY id`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return fmt.Errorf("scan grant: %w", err)
		}
		if o, ok := byID[g.OrderID]; ok {
			o.Grants = append(o.Grants, g)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

// FindGrant ищет ссылку по заказу, продукту, платформе и токену. Ссылки старых заказов
// хранятся без токена и находятся по заказу и продукту.
func (r *PostgresRepository) FindGrant(ctx context.Context, orderID int64, productID string, platform model.Platform, token string) (*model.DownloadGrant, error) {
	g, err := scanGrant(r.pool.QueryRow(ctx,
		`SELECT `+grantColumns+`
		 FROM downloads
		 WHERE order_id = $1 AND plugin_id = $2
		   AND ((platform = $3 AND token = $4) OR token IS NULL)
		 ORDER BY token IS NULL, id DESC
		 LIMIT 1`,
		orderID, productID, string(platform), token,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("find grant: %w", err)
	}
	return &g, nil
}

// IncrementDownloadCount увеличивает счётчик скачиваний и возвращает новое значение.
func (r *PostgresRepository) IncrementDownloadCount(ctx context.Context, grantID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE downloads SET download_count = download_count + 1 WHERE id = $1 RETURNING download_count`,
		grantID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrGrantNotFound
		}
		return 0, fmt.Errorf("increment download count: %w", err)
	}
	return count, nil
}

// GetMarketingSubscribers возвращает уникальные адреса с согласием на рассылку.
func (r *PostgresRepository) GetMarketingSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT LOWER(email) AS email, MAX(created_at) AS subscribed_at
		 FROM orders
		 WHERE marketing_opt_in = TRUE
		 GROUP BY LOWER(email)
		 ORDER BY subscribed_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select subscribers: %w", err)
	}
	defer rows.Close()

	var res []model.Subscriber
	for rows.Next() {
		var s model.Subscriber
		if err := rows.Scan(&s.Email, &s.SubscribedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// IsSubscribed сообщает, есть ли у адреса хотя бы один заказ с согласием на рассылку.
func (r *PostgresRepository) IsSubscribed(ctx context.Context, email string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE LOWER(email) = LOWER($1) AND marketing_opt_in = TRUE)`,
		email,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check subscriber: %w", err)
	}
	return ok, nil
}

// UpdateOrdersEmail переносит все заказы со старого адреса на новый и возвращает число строк.
func (r *PostgresRepository) UpdateOrdersEmail(ctx context.Context, oldEmail, newEmail string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET email = $2 WHERE LOWER(email) = LOWER($1)`,
		oldEmail, newEmail,
	)
	if err != nil {
		return 0, fmt.Errorf("update email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoOrdersForEmail, oldEmail)
	}
	return tag.RowsAffected(), nil
}

// SetLicenseKey перезаписывает ключ семейства у заказа.
func (r *PostgresRepository) SetLicenseKey(ctx context.Context, orderID int64, family, key string) error {
	column, ok := licenseColumns[family]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLicenseFamily, family)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET `+column+` = $2 WHERE id = $1`,
		orderID, key,
	)
	if err != nil {
		return fmt.Errorf("set license key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// LatestOrderWithProduct возвращает самый свежий заказ адреса, содержащий продукт.
func (r *PostgresRepository) LatestOrderWithProduct(ctx context.Context, email, productID string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE LOWER(email) = LOWER($1)
		   AND plugins::jsonb @> jsonb_build_array(jsonb_build_object('id', $2::text))
		 ORDER BY created_at DESC
		 LIMIT 1`,
		email, productID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("latest order with product: %w", err)
	}
	return o, nil
}
