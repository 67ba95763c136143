package watchlist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"price-radar/internal/domain"
)

type stubItemRepo struct {
	items map[int64]domain.TrackedItem

	// getDelay растягивает чтение позиции, чтобы перекрыть конкурентные циклы.
	getDelay time.Duration
	// applyErr подменяет результат сохранения снапшота.
	applyErr error
}

func (s *stubItemRepo) CreateItem(_ context.Context, item domain.TrackedItem) (domain.TrackedItem, error) {
	item.ID = int64(len(s.items) + 1)
	if s.items == nil {
		s.items = map[int64]domain.TrackedItem{}
	}
	s.items[item.ID] = item
	return item, nil
}

func (s *stubItemRepo) GetItem(_ context.Context, id int64) (domain.TrackedItem, error) {
	if s.getDelay > 0 {
		time.Sleep(s.getDelay)
	}
	item, ok := s.items[id]
	if !ok {
		return domain.TrackedItem{}, domain.ErrItemNotFound
	}
	return item, nil
}

func (s *stubItemRepo) FindItemByBrandName(_ context.Context, brand, name string) (domain.TrackedItem, error) {
	for _, item := range s.items {
		if item.Brand == brand && item.Name == name {
			return item, nil
		}
	}
	return domain.TrackedItem{}, domain.ErrItemNotFound
}

func (s *stubItemRepo) ListActiveItems(_ context.Context) ([]domain.TrackedItem, error) {
	out := make([]domain.TrackedItem, 0, len(s.items))
	for _, item := range s.items {
		if item.IsActive {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *stubItemRepo) ListDueItems(_ context.Context, _ time.Time, _ time.Duration) ([]domain.TrackedItem, error) {
	return s.ListActiveItems(context.Background())
}

func (s *stubItemRepo) SetItemActive(_ context.Context, id int64, active bool) error {
	item, ok := s.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.IsActive = active
	s.items[id] = item
	return nil
}

func (s *stubItemRepo) ApplyCheckResult(_ context.Context, id int64, snapshot domain.AvailabilitySnapshot, bestSource string, bestPrice *float64, checkedAt time.Time, availableAt *time.Time) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	item, ok := s.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.Availability = snapshot
	item.BestSource = bestSource
	item.BestPrice = bestPrice
	item.LastCheckedAt = &checkedAt
	if availableAt != nil {
		item.LastAvailableAt = availableAt
	}
	s.items[id] = item
	return nil
}

type stubAlertRepo struct {
	created []domain.Alert
}

func (s *stubAlertRepo) CreateAlert(_ context.Context, alert domain.Alert) (domain.Alert, error) {
	alert.ID = int64(len(s.created) + 1)
	s.created = append(s.created, alert)
	return alert, nil
}

func (s *stubAlertRepo) ListUnreadAlerts(_ context.Context) ([]domain.Alert, error) {
	out := make([]domain.Alert, 0, len(s.created))
	for _, a := range s.created {
		if !a.IsRead {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubAlertRepo) MarkAlertRead(_ context.Context, id int64) error {
	for i := range s.created {
		if s.created[i].ID == id {
			s.created[i].IsRead = true
			return nil
		}
	}
	return domain.ErrAlertNotFound
}

type fakeAdapter struct {
	id       string
	listings []domain.Listing
	quote    domain.PriceQuote
	quoteErr error
	err      error
	priced   int
	searched int
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Search(_ context.Context, _ domain.SearchQuery) (domain.SearchResult, error) {
	f.searched++
	if f.err != nil {
		return domain.SearchResult{}, f.err
	}
	return domain.SearchResult{SourceID: f.id, Listings: f.listings}, nil
}

func (f *fakeAdapter) Detail(_ context.Context, _ string) (domain.Listing, error) {
	return domain.Listing{}, domain.ErrNotFound
}

func (f *fakeAdapter) Price(_ context.Context, _ string) (domain.PriceQuote, error) {
	f.priced++
	if f.quoteErr != nil {
		return domain.PriceQuote{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeAdapter) Release(_ context.Context) error { return nil }

type fakeRegistry struct {
	adapters []domain.SourceAdapter
}

func (r *fakeRegistry) Get(id string) (domain.SourceAdapter, bool) {
	for _, a := range r.adapters {
		if a.ID() == id {
			return a, true
		}
	}
	return nil, false
}

func (r *fakeRegistry) All() []domain.SourceAdapter { return r.adapters }

func (r *fakeRegistry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		ids = append(ids, a.ID())
	}
	return ids
}

type brandContains struct{}

func (brandContains) Match(item domain.TrackedItem, listings []domain.Listing) (domain.Listing, bool) {
	for _, l := range listings {
		if strings.Contains(strings.ToLower(l.Name), strings.ToLower(item.Brand)) {
			return l, true
		}
	}
	return domain.Listing{}, false
}

func newTestService(items *stubItemRepo, alerts *stubAlertRepo, registry *fakeRegistry) *Service {
	return NewService(items, alerts, registry, brandContains{}, nil, nil, time.Second, zerolog.Nop())
}

func seedItem(items *stubItemRepo, item domain.TrackedItem) domain.TrackedItem {
	created, _ := items.CreateItem(context.Background(), item)
	return created
}

func TestCheckRestockAlertOnceAndIdempotent(t *testing.T) {
	adapter := &fakeAdapter{id: "a", listings: []domain.Listing{
		{SourceID: "a", Name: "NURI Spiced Sardines", Price: 12, InStock: true, URL: "https://a.example/nuri"},
	}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{adapter}}
	items := &stubItemRepo{}
	alerts := &stubAlertRepo{}
	item := seedItem(items, domain.TrackedItem{
		Name: "Spiced Sardines", Brand: "NURI", IsActive: true,
		Keywords: []string{"NURI", "Sardines"}, TargetSources: []string{"a"},
		NotifyOnRestock: true, PriceDropThreshold: 0.1,
		Availability: domain.AvailabilitySnapshot{"a": {InStock: false}},
	})
	service := newTestService(items, alerts, registry)

	snapshot, err := service.Check(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !snapshot["a"].InStock {
		t.Fatalf("ожидали наличие на a")
	}
	if len(alerts.created) != 1 || alerts.created[0].Type != domain.AlertRestock {
		t.Fatalf("ожидали ровно одно оповещение restock, получили %+v", alerts.created)
	}

	// Повторный цикл с тем же состоянием источника: дифф нового снапшота с
	// только что сохранённым не должен дать ни одного оповещения.
	if _, err := service.Check(context.Background(), item.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(alerts.created) != 1 {
		t.Fatalf("повторная проверка не должна дублировать оповещения, получили %d", len(alerts.created))
	}
}

func TestCheckOverlappingCyclesAlertOnce(t *testing.T) {
	adapter := &fakeAdapter{id: "a", listings: []domain.Listing{
		{SourceID: "a", Name: "NURI Spiced Sardines", Price: 12, InStock: true},
	}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{adapter}}
	items := &stubItemRepo{getDelay: 20 * time.Millisecond}
	alerts := &stubAlertRepo{}
	item := seedItem(items, domain.TrackedItem{
		Name: "Spiced Sardines", Brand: "NURI", IsActive: true,
		TargetSources: []string{"a"}, NotifyOnRestock: true, PriceDropThreshold: 0.1,
		Availability: domain.AvailabilitySnapshot{"a": {InStock: false}},
	})
	service := newTestService(items, alerts, registry)

	// Два одновременных цикла по одной позиции: второй обязан дождаться
	// первого и сравнивать уже с обновлённым снапшотом, иначе restock
	// сработает дважды.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.Check(context.Background(), item.ID); err != nil {
				t.Errorf("не ожидали ошибку: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(alerts.created) != 1 {
		t.Fatalf("ожидали одно оповещение restock на перекрывающиеся циклы, получили %d", len(alerts.created))
	}
}

func TestCheckAlertsOnlyAfterSnapshotSwap(t *testing.T) {
	adapter := &fakeAdapter{id: "a", listings: []domain.Listing{
		{SourceID: "a", Name: "NURI Spiced Sardines", Price: 12, InStock: true},
	}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{adapter}}
	items := &stubItemRepo{applyErr: errors.New("обрыв соединения")}
	alerts := &stubAlertRepo{}
	item := seedItem(items, domain.TrackedItem{
		Name: "Spiced Sardines", Brand: "NURI", IsActive: true,
		TargetSources: []string{"a"}, NotifyOnRestock: true, PriceDropThreshold: 0.1,
		Availability: domain.AvailabilitySnapshot{"a": {InStock: false}},
	})
	service := newTestService(items, alerts, registry)

	if _, err := service.Check(context.Background(), item.ID); err == nil {
		t.Fatalf("ожидали ошибку сохранения снапшота")
	}
	if len(alerts.created) != 0 {
		t.Fatalf("до замены снапшота оповещений быть не должно, получили %d", len(alerts.created))
	}

	// После восстановления БД цикл повторяет дифф с прежней базой и создаёт
	// оповещение ровно один раз.
	items.applyErr = nil
	if _, err := service.Check(context.Background(), item.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(alerts.created) != 1 || alerts.created[0].Type != domain.AlertRestock {
		t.Fatalf("ожидали ровно одно оповещение restock, получили %+v", alerts.created)
	}
}

func TestCheckRestockRespectsFlag(t *testing.T) {
	adapter := &fakeAdapter{id: "a", listings: []domain.Listing{
		{SourceID: "a", Name: "Ortiz Sardinas", Price: 18, InStock: true},
	}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{adapter}}
	items := &stubItemRepo{}
	alerts := &stubAlertRepo{}
	item := seedItem(items, domain.TrackedItem{
		Name: "Sardinas", Brand: "Ortiz", IsActive: true,
		TargetSources: []string{"a"}, NotifyOnRestock: false, PriceDropThreshold: 0.1,
	})
	service := newTestService(items, alerts, registry)

	if _, err := service.Check(context.Background(), item.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(alerts.created) != 0 {
		t.Fatalf("с выключенным флагом оповещений быть не должно")
	}
}

func TestCheckPriceDropAlert(t *testing.T) {
	adapter := &fakeAdapter{id: "a", listings: []domain.Listing{
		{SourceID: "a", Name: "NURI Sardines", Price: 8.5, InStock: true},
	}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{adapter}}
	items := &stubItemRepo{}
	alerts := &stubAlertRepo{}
	oldPrice := 10.0
	item := seedItem(items, domain.TrackedItem{
		Name: "Sardines", Brand: "NURI", IsActive: true,
		TargetSources: []string{"a"}, NotifyOnPriceDrop: true, PriceDropThreshold: 0.1,
		Availability: domain.AvailabilitySnapshot{"a": {InStock: true, Price: &oldPrice}},
	})
	service := newTestService(items, alerts, registry)

	if _, err := service.Check(context.Background(), item.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(alerts.created) != 1 {
		t.Fatalf("ожидали одно оповещение, получили %d", len(alerts.created))
	}
	alert := alerts.created[0]
	if alert.Type != domain.AlertPriceDrop {
		t.Fatalf("ожидали price_drop, получили %s", alert.Type)
	}
	if alert.OldPrice == nil || *alert.OldPrice != 10 || alert.NewPrice == nil || *alert.NewPrice != 8.5 {
		t.Fatalf("неверные цены в оповещении: %+v", alert)
	}
}

func TestCheckPriceDropBelowThreshold(t *testing.T) {
	adapter := &fakeAdapter{id: "a", listings: []domain.Listing{
		{SourceID: "a", Name: "NURI Sardines", Price: 9.6, InStock: true},
	}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{adapter}}
	items := &stubItemRepo{}
	alerts := &stubAlertRepo{}
	oldPrice := 10.0
	item := seedItem(items, domain.TrackedItem{
		Name: "Sardines", Brand: "NURI", IsActive: true,
		TargetSources: []string{"a"}, NotifyOnPriceDrop: true, PriceDropThreshold: 0.1,
		Availability: domain.AvailabilitySnapshot{"a": {InStock: true, Price: &oldPrice}},
	})
	service := newTestService(items, alerts, registry)

	if _, err := service.Check(context.Background(), item.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(alerts.created) != 0 {
		t.Fatalf("падение 4%% ниже порога 10%% не должно давать оповещений")
	}
}

func TestCheckFailureDegradesToUnavailable(t *testing.T) {
	broken := &fakeAdapter{id: "broken", err: domain.SourceUnavailable("broken", context.DeadlineExceeded)}
	healthy := &fakeAdapter{id: "healthy", listings: []domain.Listing{
		{SourceID: "healthy", Name: "NURI Sardines", Price: 11, InStock: true},
	}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{broken, healthy}}
	items := &stubItemRepo{}
	alerts := &stubAlertRepo{}
	item := seedItem(items, domain.TrackedItem{
		Name: "Sardines", Brand: "NURI", IsActive: true,
		TargetSources: []string{"broken", "healthy"}, PriceDropThreshold: 0.1,
	})
	service := newTestService(items, alerts, registry)

	snapshot, err := service.Check(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("отказ одного источника не должен ронять проверку: %v", err)
	}
	if snapshot["broken"].InStock || snapshot["broken"].Err == "" {
		t.Fatalf("ожидали деградацию отказавшего источника, получили %+v", snapshot["broken"])
	}
	if !snapshot["healthy"].InStock {
		t.Fatalf("здоровый источник должен быть опрошен")
	}
}

func TestCheckUpdatesBestDeal(t *testing.T) {
	pricey := &fakeAdapter{id: "pricey", listings: []domain.Listing{
		{SourceID: "pricey", Name: "NURI Sardines", Price: 12, InStock: true},
	}}
	cheap := &fakeAdapter{id: "cheap", listings: []domain.Listing{
		{SourceID: "cheap", Name: "NURI Sardines", Price: 9, InStock: true, URL: "https://cheap.example/nuri"},
	}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{pricey, cheap}}
	items := &stubItemRepo{}
	alerts := &stubAlertRepo{}
	item := seedItem(items, domain.TrackedItem{
		Name: "Sardines", Brand: "NURI", IsActive: true,
		TargetSources: []string{"pricey", "cheap"}, PriceDropThreshold: 0.1,
	})
	service := newTestService(items, alerts, registry)

	if _, err := service.Check(context.Background(), item.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	updated, _ := items.GetItem(context.Background(), item.ID)
	if updated.BestSource != "cheap" {
		t.Fatalf("ожидали лучший источник cheap, получили %q", updated.BestSource)
	}
	if updated.BestPrice == nil || *updated.BestPrice != 9 {
		t.Fatalf("ожидали лучшую цену 9, получили %+v", updated.BestPrice)
	}
	if updated.LastCheckedAt == nil || updated.LastAvailableAt == nil {
		t.Fatalf("отметки времени проверки должны заполняться")
	}
}

func TestCheckDirectRefSkipsSearch(t *testing.T) {
	adapter := &fakeAdapter{id: "lazada", quote: domain.PriceQuote{ExternalID: "42", Price: 13.5, InStock: true}}
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{adapter}}
	items := &stubItemRepo{}
	alerts := &stubAlertRepo{}
	item := seedItem(items, domain.TrackedItem{
		Name: "Sardines", Brand: "NURI", IsActive: true,
		TargetSources:      []string{"lazada"},
		KnownRefs:          map[string]domain.ProductRef{"lazada": {URL: "https://lazada.example/42", ExternalID: "42"}},
		PriceDropThreshold: 0.1,
	})
	service := newTestService(items, alerts, registry)

	snapshot, err := service.Check(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if adapter.priced != 1 || adapter.searched != 0 {
		t.Fatalf("известная привязка должна опрашиваться напрямую (price=%d, search=%d)", adapter.priced, adapter.searched)
	}
	if st := snapshot["lazada"]; !st.InStock || st.Price == nil || *st.Price != 13.5 || st.URL != "https://lazada.example/42" {
		t.Fatalf("неверный статус прямого опроса: %+v", st)
	}
}

func TestBuildRecommendationsBudgetFilter(t *testing.T) {
	price := 12.0
	lowBudget := 10.0
	highBudget := 15.0
	base := domain.TrackedItem{
		ID: 1, Name: "Sardines", Brand: "NURI", WeeklyTargetQty: 2,
		Availability: domain.AvailabilitySnapshot{"a": {InStock: true, Price: &price}},
	}

	over := base
	over.MaxPrice = &lowBudget
	recs := BuildRecommendations([]domain.TrackedItem{over})
	if recs[0].Status != domain.RecommendationOverBudget {
		t.Fatalf("ожидали over_budget, получили %s", recs[0].Status)
	}
	if recs[0].Quantity != 0 || recs[0].Total != nil {
		t.Fatalf("для over_budget количество и сумма не заполняются: %+v", recs[0])
	}

	ok := base
	ok.MaxPrice = &highBudget
	recs = BuildRecommendations([]domain.TrackedItem{ok})
	if recs[0].Status != domain.RecommendationAvailable {
		t.Fatalf("ожидали available, получили %s", recs[0].Status)
	}
	if recs[0].Total == nil || *recs[0].Total != 24 {
		t.Fatalf("ожидали сумму 12 * 2 = 24, получили %+v", recs[0].Total)
	}
}

func TestBuildRecommendationsUnavailable(t *testing.T) {
	item := domain.TrackedItem{ID: 1, Name: "Sardines", Brand: "NURI", WeeklyTargetQty: 2}
	recs := BuildRecommendations([]domain.TrackedItem{item})
	if recs[0].Status != domain.RecommendationUnavailable {
		t.Fatalf("ожидали unavailable, получили %s", recs[0].Status)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	registry := &fakeRegistry{adapters: []domain.SourceAdapter{&fakeAdapter{id: "a"}}}
	items := &stubItemRepo{}
	service := newTestService(items, &stubAlertRepo{}, registry)

	added, err := service.Seed(context.Background(), DefaultCatalog())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if added != len(DefaultCatalog()) {
		t.Fatalf("ожидали %d новых позиций, получили %d", len(DefaultCatalog()), added)
	}

	added, err = service.Seed(context.Background(), DefaultCatalog())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if added != 0 {
		t.Fatalf("повторный посев не должен добавлять позиции, добавил %d", added)
	}
}
