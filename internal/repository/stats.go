package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmeshcher/plugin-storefront/internal/model"
)

func marshalItems(items model.LineItems) (string, error) {
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal line items: %w", err)
	}
	return string(b), nil
}

// Stats возвращает сводные показатели. Ручные подписки не считаются заказами,
// но учитываются в числе подписчиков.
func (r *PostgresRepository) Stats(ctx context.Context) (*model.Stats, error) {
	var s model.Stats
	err := r.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE payment_provider <> 'manual'),
			COUNT(DISTINCT LOWER(email)) FILTER (WHERE payment_provider <> 'manual'),
			COALESCE(SUM(amount_total), 0),
			COUNT(*) FILTER (WHERE amount_total = 0 AND payment_provider <> 'manual'),
			COUNT(*) FILTER (WHERE amount_total > 0),
			COUNT(DISTINCT LOWER(email)) FILTER (WHERE marketing_opt_in)
		 FROM orders`,
	).Scan(&s.TotalOrders, &s.UniqueCustomers, &s.TotalRevenue, &s.FreeDownloads, &s.PaidOrders, &s.MarketingSubscribers)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(download_count), 0) FROM downloads`,
	).Scan(&s.TotalDownloads)
	if err != nil {
		return nil, fmt.Errorf("download stats: %w", err)
	}

	return &s, nil
}

// ProviderBreakdown возвращает число оплаченных заказов и выручку по провайдерам.
func (r *PostgresRepository) ProviderBreakdown(ctx context.Context) ([]model.ProviderRevenue, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT payment_provider, COUNT(*), COALESCE(SUM(amount_total), 0)
		 FROM orders
		 WHERE amount_total > 0
		 GROUP BY payment_provider
		 ORDER BY 3 DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select provider breakdown: %w", err)
	}
	defer rows.Close()

	var res []model.ProviderRevenue
	for rows.Next() {
		var p model.ProviderRevenue
		if err := rows.Scan(&p.Provider, &p.Orders, &p.Revenue); err != nil {
			return nil, fmt.Errorf("scan provider breakdown: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ProductPopularity возвращает число различных заказов по каждому продукту.
// Старые строки с суффиксом " (Windows)" дублируют продукт и не учитываются.
func (r *PostgresRepository) ProductPopularity(ctx context.Context) ([]model.ProductPopularity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT plugin_name, COUNT(DISTINCT order_id)
		 FROM downloads
		 WHERE plugin_name NOT LIKE '%(Windows)%'
		 GROUP BY plugin_name
		 ORDER BY 2 DESC, 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("select popularity: %w", err)
	}
	defer rows.Close()

	var res []model.ProductPopularity
	for rows.Next() {
		var p model.ProductPopularity
		if err := rows.Scan(&p.Name, &p.Count); err != nil {
			return nil, fmt.Errorf("scan popularity: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// RecentOrders возвращает последние заказы с суммарным числом скачиваний.
func (r *PostgresRepository) RecentOrders(ctx context.Context, limit int) ([]model.RecentOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.email, o.payment_provider, o.transaction_id, o.amount_total, o.plugins,
			o.marketing_opt_in, o.discount_code, o.license_key, o.tape_bloom_license_key, o.created_at,
			COALESCE(SUM(d.download_count), 0)
		 FROM orders o
		 LEFT JOIN downloads d ON d.order_id = o.id
		 GROUP BY o.id
		 ORDER BY o.created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent orders: %w", err)
	}
	defer rows.Close()

	var res []model.RecentOrder
	for rows.Next() {
		var downloads int64
		o, err := scanOrder(rowWithExtra{rows: rows, extra: &downloads})
		if err != nil {
			return nil, fmt.Errorf("scan recent order: %w", err)
		}
		res = append(res, model.RecentOrder{Order: *o, DownloadCount: downloads})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// rowWithExtra дописывает дополнительную колонку к набору колонок заказа.
type rowWithExtra struct {
	rows  scanner
	extra any
}

func (r rowWithExtra) Scan(dest ...any) error {
	return r.rows.Scan(append(dest, r.extra)...)
}

// DailyTotals возвращает показатели по дням (UTC) начиная с since. Дни без заказов отсутствуют.
func (r *PostgresRepository) DailyTotals(ctx context.Context, since time.Time) ([]model.DailyTotals, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT to_char((created_at AT TIME ZONE 'UTC')::date, 'YYYY-MM-DD') AS day,
			COUNT(*),
			COUNT(*) FILTER (WHERE amount_total > 0),
			COUNT(*) FILTER (WHERE amount_total = 0),
			COALESCE(SUM(amount_total), 0)
		 FROM orders
		 WHERE created_at >= $1 AND payment_provider <> 'manual'
		 GROUP BY day
		 ORDER BY day`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("select daily totals: %w", err)
	}
	defer rows.Close()

	var res []model.DailyTotals
	for rows.Next() {
		var d model.DailyTotals
		if err := rows.Scan(&d.Date, &d.TotalOrders, &d.PaidOrders, &d.FreeOrders, &d.Revenue); err != nil {
			return nil, fmt.Errorf("scan daily totals: %w", err)
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ExportOrders возвращает все заказы (или только с согласием на рассылку), новые первыми.
func (r *PostgresRepository) ExportOrders(ctx context.Context, marketingOnly bool) ([]*model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE ($1 = FALSE OR marketing_opt_in = TRUE)
		 ORDER BY created_at DESC`,
		marketingOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("select export orders: %w", err)
	}
	defer rows.Close()

	var res []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export order: %w", err)
		}
		res = append(res, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
