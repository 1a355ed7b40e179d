package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/catalog"
	"github.com/mmeshcher/plugin-storefront/internal/download"
	"github.com/mmeshcher/plugin-storefront/internal/license"
	"github.com/mmeshcher/plugin-storefront/internal/mailer"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/repository"
)

type memoryStore struct {
	mu          sync.Mutex
	orders      []*model.Order
	nextGrantID int64

	insertOrderErr  error
	insertGrantsErr error
	// conflictOnce имитирует гонку: заказ появляется в хранилище до нашей вставки.
	conflictOnce *model.Order
	// beforeGrants вызывается перед каждой вставкой ссылок.
	beforeGrants func()
}

func (s *memoryStore) GetOrderByTransactionID(_ context.Context, provider model.Provider, tx string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Provider == provider && o.TransactionID == tx {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *memoryStore) InsertOrder(_ context.Context, o *model.Order) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertOrderErr != nil {
		return 0, s.insertOrderErr
	}
	if s.conflictOnce != nil {
		s.orders = append(s.orders, s.conflictOnce)
		s.conflictOnce = nil
		return 0, repository.ErrOrderExists
	}
	o.ID = int64(len(s.orders) + 1)
	o.CreatedAt = time.Now()
	cp := *o
	s.orders = append(s.orders, &cp)
	return o.ID, nil
}

// InsertGrants пропускает ссылки на занятую тройку заказ + продукт + платформа,
// как уникальный индекс downloads.
func (s *memoryStore) InsertGrants(_ context.Context, grants []model.DownloadGrant) ([]model.DownloadGrant, error) {
	if s.beforeGrants != nil {
		s.beforeGrants()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertGrantsErr != nil {
		return nil, s.insertGrantsErr
	}
	out := make([]model.DownloadGrant, 0, len(grants))
	for _, g := range grants {
		o := s.orderByID(g.OrderID)
		if o != nil && hasGrant(o, g) {
			continue
		}
		s.nextGrantID++
		g.ID = s.nextGrantID
		out = append(out, g)
		if o != nil {
			o.Grants = append(o.Grants, g)
		}
	}
	return out, nil
}

func (s *memoryStore) orderByID(id int64) *model.Order {
	for _, o := range s.orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

func hasGrant(o *model.Order, g model.DownloadGrant) bool {
	for _, existing := range o.Grants {
		if existing.ProductID == g.ProductID && existing.Platform == g.Platform {
			return true
		}
	}
	return false
}

func (s *memoryStore) ReplaceGrants(ctx context.Context, orderID int64, grants []model.DownloadGrant) ([]model.DownloadGrant, error) {
	s.mu.Lock()
	for _, o := range s.orders {
		if o.ID == orderID {
			o.Grants = nil
		}
	}
	s.mu.Unlock()
	return s.InsertGrants(ctx, grants)
}

type stubNotifier struct {
	sent []mailer.Confirmation
	err  error
}

func (n *stubNotifier) SendConfirmation(_ context.Context, c mailer.Confirmation) error {
	n.sent = append(n.sent, c)
	return n.err
}

type countingRecorder struct {
	outcomes      map[string]int
	emailFailures int
}

func (r *countingRecorder) RecordFulfillment(_, outcome string) {
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) RecordEmailFailure(string) { r.emailFailures++ }

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, store Store, notifier Notifier, rec Recorder) *Pipeline {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	p := New(store, cat, download.NewIssuer("https://shop.example", nil), notifier, rec, zap.NewNop(), 0)
	p.now = func() time.Time { return fixedNow }
	return p
}

func tapeBloomEvent() *model.PurchaseEvent {
	return &model.PurchaseEvent{
		Email:         "a@b.com",
		Provider:      model.ProviderStripe,
		TransactionID: "cs_test_1",
		AmountTotal:   1900,
		Items:         model.LineItems{{ID: "4", Name: "Tape Bloom"}},
	}
}

func TestFulfillTapeBloomExample(t *testing.T) {
	store := &memoryStore{}
	notifier := &stubNotifier{}
	p := newPipeline(t, store, notifier, nil)

	res, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Empty(t, res.LicenseKeys, "product 4 gets no key at purchase")

	require.Len(t, store.orders, 1)
	assert.Equal(t, int64(1900), store.orders[0].AmountTotal)
	assert.Len(t, store.orders[0].Items, 1)

	require.Len(t, res.Grants, 2)
	assert.Equal(t, model.PlatformMacOS, res.Grants[0].Platform)
	assert.Equal(t, model.PlatformWindows, res.Grants[1].Platform)
	assert.NotEqual(t, res.Grants[0].Token, res.Grants[1].Token)
	for _, g := range res.Grants {
		assert.Equal(t, fixedNow.Add(72*time.Hour), g.ExpiresAt)
		assert.Contains(t, g.URL, "https://shop.example/api/download?")
	}

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "a@b.com", notifier.sent[0].Email)
	require.Len(t, notifier.sent[0].Products, 1)
	assert.Len(t, notifier.sent[0].Products[0].Links, 2)
}

func TestFulfillIsIdempotent(t *testing.T) {
	store := &memoryStore{}
	notifier := &stubNotifier{}
	rec := &countingRecorder{}
	p := newPipeline(t, store, notifier, rec)

	first, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.NoError(t, err)
	second, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.NoError(t, err)

	assert.Len(t, store.orders, 1)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.Grants, second.Grants)
	assert.Len(t, notifier.sent, 1, "duplicate delivery does not resend email")
	assert.Equal(t, 1, rec.outcomes["fulfilled"])
	assert.Equal(t, 1, rec.outcomes["duplicate"])
}

func TestFulfillIssuesPurchaseLicense(t *testing.T) {
	store := &memoryStore{}
	notifier := &stubNotifier{}
	p := newPipeline(t, store, notifier, nil)

	ev := tapeBloomEvent()
	ev.Items = model.LineItems{{ID: "7", Name: "VocalFelt"}, {ID: "4", Name: "Tape Bloom"}}
	res, err := p.Fulfill(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, res.LicenseKeys, 1)
	key := res.LicenseKeys["VOCALFELT"]
	assert.True(t, license.Validate(key, "VOCALFELT"))
	assert.Len(t, res.Grants, 4)

	require.Len(t, notifier.sent[0].LicenseKeys, 1)
	assert.Equal(t, "VocalFelt", notifier.sent[0].LicenseKeys[0].Product)
	assert.Equal(t, key, notifier.sent[0].LicenseKeys[0].Key)
}

func TestFulfillZeroAmount(t *testing.T) {
	store := &memoryStore{}
	p := newPipeline(t, store, &stubNotifier{}, nil)

	ev := tapeBloomEvent()
	ev.Provider = model.ProviderFree
	ev.TransactionID = "free_1"
	ev.AmountTotal = 0
	res, err := p.Fulfill(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, store.orders[0].IsFree())
	assert.Len(t, res.Grants, 2)
}

func TestFulfillSwallowsEmailFailure(t *testing.T) {
	store := &memoryStore{}
	rec := &countingRecorder{}
	p := newPipeline(t, store, &stubNotifier{err: errors.New("smtp down")}, rec)

	res, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.NoError(t, err)
	assert.Len(t, res.Grants, 2)
	assert.Equal(t, 1, rec.emailFailures)
	assert.Equal(t, 1, rec.outcomes["fulfilled"])
}

func TestFulfillPersistenceFailure(t *testing.T) {
	store := &memoryStore{insertOrderErr: errors.New("connection reset")}
	notifier := &stubNotifier{}
	p := newPipeline(t, store, notifier, nil)

	_, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Empty(t, notifier.sent)
}

func TestFulfillRepairsMissingGrantsOnRedelivery(t *testing.T) {
	store := &memoryStore{insertGrantsErr: errors.New("timeout")}
	notifier := &stubNotifier{}
	p := newPipeline(t, store, notifier, nil)

	_, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.ErrorIs(t, err, ErrPersistence)
	require.Len(t, store.orders, 1)
	assert.Empty(t, notifier.sent)

	store.insertGrantsErr = nil
	res, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, res.Grants, 2)
	assert.Len(t, store.orders, 1)
	assert.Len(t, notifier.sent, 1)
}

func TestFulfillConcurrentRepairIssuesGrantsOnce(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store := &memoryStore{}
	store.beforeGrants = func() {
		first := false
		once.Do(func() { first = true })
		if first {
			// Первая доставка вставила заказ и остановилась перед ссылками.
			close(entered)
			<-release
		}
	}
	notifier := &stubNotifier{}
	rec := &countingRecorder{}
	p := newPipeline(t, store, notifier, rec)

	var (
		wg       sync.WaitGroup
		first    *model.FulfillmentResult
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = p.Fulfill(context.Background(), tapeBloomEvent())
	}()
	<-entered

	second, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Len(t, second.Grants, 2)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)

	require.Len(t, store.orders, 1)
	assert.Len(t, store.orders[0].Grants, 2, "grants are stored once")
	assert.Equal(t, second.Grants, first.Grants)
	assert.Len(t, notifier.sent, 1, "confirmation is sent once")
}

func TestFulfillLosesInsertRace(t *testing.T) {
	winner := &model.Order{ID: 42, Email: "a@b.com", Provider: model.ProviderStripe, TransactionID: "cs_test_1",
		Grants: []model.DownloadGrant{{ID: 1, OrderID: 42, ProductID: "4", Platform: model.PlatformMacOS}}}
	store := &memoryStore{conflictOnce: winner}
	notifier := &stubNotifier{}
	p := newPipeline(t, store, notifier, nil)

	res, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(42), res.OrderID)
	assert.Empty(t, notifier.sent)
}

func TestFulfillRejectsInvalidEvent(t *testing.T) {
	p := newPipeline(t, &memoryStore{}, nil, nil)

	for name, mutate := range map[string]func(*model.PurchaseEvent){
		"no email":       func(e *model.PurchaseEvent) { e.Email = " " },
		"no transaction": func(e *model.PurchaseEvent) { e.TransactionID = "" },
		"no items":       func(e *model.PurchaseEvent) { e.Items = nil },
		"blank item":     func(e *model.PurchaseEvent) { e.Items = model.LineItems{{ID: "4"}} },
		"negative total": func(e *model.PurchaseEvent) { e.AmountTotal = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			ev := tapeBloomEvent()
			mutate(ev)
			_, err := p.Fulfill(context.Background(), ev)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestRegenerate(t *testing.T) {
	store := &memoryStore{}
	p := newPipeline(t, store, &stubNotifier{}, nil)

	res, err := p.Fulfill(context.Background(), tapeBloomEvent())
	require.NoError(t, err)

	p.now = func() time.Time { return fixedNow.Add(5 * 24 * time.Hour) }
	order, err := store.GetOrderByTransactionID(context.Background(), model.ProviderStripe, "cs_test_1")
	require.NoError(t, err)

	fresh, err := p.Regenerate(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	assert.NotEqual(t, res.Grants[0].Token, fresh[0].Token)
	assert.True(t, fresh[0].ExpiresAt.After(res.Grants[0].ExpiresAt))

	stored, err := store.GetOrderByTransactionID(context.Background(), model.ProviderStripe, "cs_test_1")
	require.NoError(t, err)
	assert.Len(t, stored.Grants, 2)
}
