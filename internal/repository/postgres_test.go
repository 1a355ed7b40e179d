package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/plugin-storefront/internal/model"
)

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testEmail(prefix string) string {
	return fmt.Sprintf("%s-%s@example.com", prefix, uuid.NewString()[:8])
}

func TestInsertOrderIsIdempotencyGuard(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	o := &model.Order{
		Email:         testEmail("guard"),
		Provider:      model.ProviderStripe,
		TransactionID: "cs_" + uuid.NewString(),
		AmountTotal:   1900,
		Items:         model.LineItems{{ID: "4", Name: "Tape Bloom"}},
	}
	id, err := repo.InsertOrder(ctx, o)
	require.NoError(t, err)
	assert.Positive(t, id)

	dup := *o
	_, err = repo.InsertOrder(ctx, &dup)
	assert.ErrorIs(t, err, ErrOrderExists)

	other := *o
	other.Provider = model.ProviderPayPal
	_, err = repo.InsertOrder(ctx, &other)
	assert.NoError(t, err, "same transaction id under another provider is a different order")

	got, err := repo.GetOrderByTransactionID(ctx, model.ProviderStripe, o.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, o.Items, got.Items)

	_, err = repo.GetOrderByTransactionID(ctx, model.ProviderStripe, "cs_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGrantsLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	o := &model.Order{
		Email:         testEmail("grants"),
		Provider:      model.ProviderFree,
		TransactionID: "free_" + uuid.NewString(),
		Items:         model.LineItems{{ID: "1", Name: "Cassette Vibe"}},
	}
	_, err := repo.InsertOrder(ctx, o)
	require.NoError(t, err)

	exp := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Millisecond)
	grants, err := repo.InsertGrants(ctx, []model.DownloadGrant{
		{OrderID: o.ID, ProductID: "1", ProductName: "Cassette Vibe", Platform: model.PlatformMacOS, Token: "tok-mac", URL: "u1", ExpiresAt: exp},
		{OrderID: o.ID, ProductID: "1", ProductName: "Cassette Vibe", Platform: model.PlatformWindows, Token: "tok-win", URL: "u2", ExpiresAt: exp},
	})
	require.NoError(t, err)
	require.Len(t, grants, 2)

	g, err := repo.FindGrant(ctx, o.ID, "1", model.PlatformWindows, "tok-win")
	require.NoError(t, err)
	assert.Equal(t, grants[1].ID, g.ID)

	_, err = repo.FindGrant(ctx, o.ID, "1", model.PlatformWindows, "tok-mac")
	assert.ErrorIs(t, err, ErrGrantNotFound)

	n, err := repo.IncrementDownloadCount(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	replaced, err := repo.ReplaceGrants(ctx, o.ID, []model.DownloadGrant{
		{OrderID: o.ID, ProductID: "1", ProductName: "Cassette Vibe", Platform: model.PlatformMacOS, Token: "tok-mac-2", URL: "u3", ExpiresAt: exp.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, replaced, 1)

	got, err := repo.GetOrderByID(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Grants, 1)
	assert.Equal(t, "tok-mac-2", got.Grants[0].Token)

	deleted, err := repo.DeleteGrantsForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestInsertGrantsSkipsTakenSlot(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	o := &model.Order{
		Email:         testEmail("slot"),
		Provider:      model.ProviderStripe,
		TransactionID: "cs_" + uuid.NewString(),
		AmountTotal:   1900,
		Items:         model.LineItems{{ID: "4", Name: "Tape Bloom"}},
	}
	_, err := repo.InsertOrder(ctx, o)
	require.NoError(t, err)

	exp := time.Now().Add(72 * time.Hour).UTC()
	first, err := repo.InsertGrants(ctx, []model.DownloadGrant{
		{OrderID: o.ID, ProductID: "4", ProductName: "Tape Bloom", Platform: model.PlatformMacOS, Token: "a-mac", URL: "u1", ExpiresAt: exp},
	})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := repo.InsertGrants(ctx, []model.DownloadGrant{
		{OrderID: o.ID, ProductID: "4", ProductName: "Tape Bloom", Platform: model.PlatformMacOS, Token: "b-mac", URL: "u2", ExpiresAt: exp},
		{OrderID: o.ID, ProductID: "4", ProductName: "Tape Bloom", Platform: model.PlatformWindows, Token: "b-win", URL: "u3", ExpiresAt: exp},
	})
	require.NoError(t, err)
	require.Len(t, second, 1, "taken macOS slot is skipped")
	assert.Equal(t, model.PlatformWindows, second[0].Platform)

	got, err := repo.GetOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Grants, 2)
}

func TestFindGrantLegacyRowWithoutToken(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	o := &model.Order{
		Email:         testEmail("legacy"),
		Provider:      model.ProviderStripe,
		TransactionID: "cs_" + uuid.NewString(),
		AmountTotal:   1900,
		Items:         model.LineItems{{ID: "4", Name: "Tape Bloom"}},
	}
	_, err := repo.InsertOrder(ctx, o)
	require.NoError(t, err)

	var id int64
	err = repo.pool.QueryRow(ctx,
		`INSERT INTO downloads (order_id, plugin_id, plugin_name, download_url, expires_at)
		 VALUES ($1, '4', 'Tape Bloom', 'legacy-url', NOW() + INTERVAL '1 day')
		 RETURNING id`,
		o.ID,
	).Scan(&id)
	require.NoError(t, err)

	g, err := repo.FindGrant(ctx, o.ID, "4", model.PlatformWindows, "any-legacy-token")
	require.NoError(t, err)
	assert.Equal(t, id, g.ID)
	assert.Empty(t, g.Token)

	_, err = repo.FindGrant(ctx, o.ID, "1", model.PlatformMacOS, "any-legacy-token")
	assert.ErrorIs(t, err, ErrGrantNotFound)
}

func TestUpdateOrdersEmail(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	typo := testEmail("typo")
	fixed := testEmail("correct")
	for i := 0; i < 3; i++ {
		_, err := repo.InsertOrder(ctx, &model.Order{
			Email:         typo,
			Provider:      model.ProviderStripe,
			TransactionID: "cs_" + uuid.NewString(),
			AmountTotal:   500,
			Items:         model.LineItems{{ID: "2", Name: "Pretty Pretty Princess Sparkle"}},
		})
		require.NoError(t, err)
	}

	n, err := repo.UpdateOrdersEmail(ctx, typo, fixed)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	orders, err := repo.GetOrdersByEmail(ctx, fixed)
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	_, err = repo.UpdateOrdersEmail(ctx, typo, fixed)
	assert.ErrorIs(t, err, ErrNoOrdersForEmail)
}

func TestLicenseKeysAndSubscribers(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	email := testEmail("license")
	o := &model.Order{
		Email:          email,
		Provider:       model.ProviderPayPal,
		TransactionID:  uuid.NewString(),
		AmountTotal:    2500,
		MarketingOptIn: true,
		Items:          model.LineItems{{ID: "4", Name: "Tape Bloom"}, {ID: "7", Name: "VocalFelt"}},
		LicenseKeys:    map[string]string{"VOCALFELT": "VOCALFELT-AAAA-AAAA-AAAA-00LO"},
	}
	_, err := repo.InsertOrder(ctx, o)
	require.NoError(t, err)

	latest, err := repo.LatestOrderWithProduct(ctx, email, "4")
	require.NoError(t, err)
	assert.Equal(t, o.ID, latest.ID)
	assert.Empty(t, latest.LicenseKeys["TAPEBLOOM"])

	require.NoError(t, repo.SetLicenseKey(ctx, o.ID, "TAPEBLOOM", "TAPEBLOOM-BBBB-BBBB-BBBB-0000"))
	assert.ErrorIs(t, repo.SetLicenseKey(ctx, o.ID, "NOPE", "x"), ErrUnknownLicenseFamily)

	got, err := repo.GetOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "TAPEBLOOM-BBBB-BBBB-BBBB-0000", got.LicenseKeys["TAPEBLOOM"])
	assert.Equal(t, "VOCALFELT-AAAA-AAAA-AAAA-00LO", got.LicenseKeys["VOCALFELT"])

	_, err = repo.LatestOrderWithProduct(ctx, email, "3")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	subscribed, err := repo.IsSubscribed(ctx, email)
	require.NoError(t, err)
	assert.True(t, subscribed)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.MarketingSubscribers, int64(1))

	days, err := repo.DailyTotals(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, days)
}
