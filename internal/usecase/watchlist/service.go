package watchlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"price-radar/internal/domain"
	"price-radar/internal/infra/metrics"
	"price-radar/internal/usecase/history"
)

const defaultSearchLimit = 5

// Service реализует мониторинг вотчлиста: проверки наличия, оповещения и
// еженедельные рекомендации.
type Service struct {
	items    domain.TrackedItemRepo
	alerts   domain.AlertRepo
	registry domain.SourceRegistry
	matcher  domain.ProductMatcher
	history  *history.Service
	notifier domain.Notifier
	timeout  time.Duration
	log      zerolog.Logger

	locks itemLocks
}

// NewService создаёт сервис вотчлиста. notifier может быть nil — тогда
// оповещения только сохраняются.
func NewService(items domain.TrackedItemRepo, alerts domain.AlertRepo, registry domain.SourceRegistry, matcher domain.ProductMatcher, historySvc *history.Service, notifier domain.Notifier, timeout time.Duration, logger zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		items:    items,
		alerts:   alerts,
		registry: registry,
		matcher:  matcher,
		history:  historySvc,
		notifier: notifier,
		timeout:  timeout,
		log:      logger,
	}
}

// AddParams — параметры новой позиции вотчлиста.
type AddParams struct {
	Name               string
	Brand              string
	Category           string
	Size               string
	Keywords           []string
	TargetSources      []string
	KnownRefs          map[string]domain.ProductRef
	WeeklyTargetQty    int
	MaxPrice           *float64
	PriceDropThreshold float64
	NotifyOnRestock    bool
	NotifyOnPriceDrop  bool
	Notes              string
}

// AddItem добавляет позицию в вотчлист, подставляя значения по умолчанию:
// ключевые слова из имени и бренда, все зарегистрированные источники, две
// штуки в неделю и порог падения 10%.
func (s *Service) AddItem(ctx context.Context, params AddParams) (domain.TrackedItem, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return domain.TrackedItem{}, errors.New("имя позиции не может быть пустым")
	}

	keywords := params.Keywords
	if len(keywords) == 0 {
		keywords = []string{name}
		if params.Brand != "" {
			keywords = append(keywords, params.Brand)
		}
	}
	targets := params.TargetSources
	if len(targets) == 0 {
		targets = s.registry.IDs()
	}
	qty := params.WeeklyTargetQty
	if qty <= 0 {
		qty = 2
	}
	threshold := params.PriceDropThreshold
	if threshold <= 0 {
		threshold = 0.1
	}
	refs := params.KnownRefs
	if refs == nil {
		refs = map[string]domain.ProductRef{}
	}

	item := domain.TrackedItem{
		Name:               name,
		Brand:              params.Brand,
		Category:           params.Category,
		Size:               params.Size,
		Keywords:           keywords,
		TargetSources:      targets,
		KnownRefs:          refs,
		WeeklyTargetQty:    qty,
		MaxPrice:           params.MaxPrice,
		PriceDropThreshold: threshold,
		NotifyOnRestock:    params.NotifyOnRestock,
		NotifyOnPriceDrop:  params.NotifyOnPriceDrop,
		IsActive:           true,
		Notes:              params.Notes,
	}
	created, err := s.items.CreateItem(ctx, item)
	if err != nil {
		return domain.TrackedItem{}, fmt.Errorf("создание позиции: %w", err)
	}
	return created, nil
}

// ListItems возвращает активные позиции вотчлиста.
func (s *Service) ListItems(ctx context.Context) ([]domain.TrackedItem, error) {
	return s.items.ListActiveItems(ctx)
}

// GetItem возвращает позицию по идентификатору.
func (s *Service) GetItem(ctx context.Context, id int64) (domain.TrackedItem, error) {
	return s.items.GetItem(ctx, id)
}

// DeactivateItem выключает мониторинг позиции. Позиции не удаляются.
func (s *Service) DeactivateItem(ctx context.Context, id int64) error {
	return s.items.SetItemActive(ctx, id, false)
}

// Check выполняет один цикл проверки позиции: опрашивает источники, сравнивает
// с прошлым снапшотом, создаёт оповещения и атомарно заменяет снапшот вместе с
// денормализованными полями лучшей цены. Циклы по одной и той же позиции
// взаимоисключающие: перекрывающиеся проверки ломают базу сравнения и могут
// продублировать или проглотить оповещение.
func (s *Service) Check(ctx context.Context, itemID int64) (domain.AvailabilitySnapshot, error) {
	// Мьютекс берётся до чтения позиции: база для диффа читается и заменяется
	// в одной критической секции, иначе перекрывающийся цикл успеет снять
	// устаревший снапшот и продублирует оповещение.
	unlock := s.locks.lock(itemID)
	defer unlock()

	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("получение позиции: %w", err)
	}

	started := time.Now()
	fresh := s.probeSources(ctx, item)

	// Прошлый снапшот нужен только до замены: база для диффа живёт в этой
	// области видимости и нигде не сохраняется.
	previous := item.Availability

	checkedAt := time.Now().UTC()
	bestSource, bestStatus, found := fresh.BestDeal()
	var (
		bestPrice   *float64
		availableAt *time.Time
	)
	if found {
		bestPrice = bestStatus.Price
		availableAt = &checkedAt
	} else {
		bestSource = ""
	}

	if err := s.items.ApplyCheckResult(ctx, item.ID, fresh, bestSource, bestPrice, checkedAt, availableAt); err != nil {
		return nil, fmt.Errorf("сохранение результата проверки: %w", err)
	}

	// Оповещения создаются только после успешной замены снапшота: если замена
	// упала, следующий цикл повторит дифф с прежней базой и создаст оповещение
	// один раз, а не дважды.
	s.emitAlerts(ctx, item, previous, fresh)

	metrics.ChecksTotal.Inc()
	metrics.CheckCycleSeconds.Observe(time.Since(started).Seconds())
	return fresh, nil
}

// CheckAll последовательно проверяет все активные позиции. Параллелизм между
// позициями обеспечивает вызывающий воркер, здесь он не нужен.
func (s *Service) CheckAll(ctx context.Context) (map[int64]domain.AvailabilitySnapshot, error) {
	items, err := s.items.ListActiveItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("список позиций: %w", err)
	}
	results := make(map[int64]domain.AvailabilitySnapshot, len(items))
	for _, item := range items {
		snapshot, err := s.Check(ctx, item.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("item", item.ID).Msg("watchlist: ошибка проверки позиции")
			continue
		}
		results[item.ID] = snapshot
	}
	return results, nil
}

// probeSources опрашивает целевые источники позиции параллельно. Отказ одного
// источника превращается в запись «нет в наличии» с текстом ошибки и не
// мешает остальным.
func (s *Service) probeSources(ctx context.Context, item domain.TrackedItem) domain.AvailabilitySnapshot {
	targets := item.TargetSources
	if len(targets) == 0 {
		targets = s.registry.IDs()
	}

	statuses := make([]domain.SourceStatus, len(targets))
	var wg sync.WaitGroup
	for i, sourceID := range targets {
		wg.Add(1)
		go func(i int, sourceID string) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			statuses[i] = s.probeSource(callCtx, item, sourceID)
		}(i, sourceID)
	}
	wg.Wait()

	snapshot := make(domain.AvailabilitySnapshot, len(targets))
	for i, sourceID := range targets {
		snapshot[sourceID] = statuses[i]
	}
	return snapshot
}

func (s *Service) probeSource(ctx context.Context, item domain.TrackedItem, sourceID string) domain.SourceStatus {
	checkedAt := time.Now().UTC()
	adapter, ok := s.registry.Get(sourceID)
	if !ok {
		return domain.SourceStatus{CheckedAt: checkedAt, Err: domain.ErrUnknownSource.Error()}
	}

	// Известная привязка проверяется напрямую, без поиска. Привязка без
	// внешнего идентификатора (только URL) идёт через поиск: адаптер адресует
	// товары внешними идентификаторами источника.
	if ref, ok := item.KnownRefs[sourceID]; ok && ref.ExternalID != "" {
		return s.probeDirect(ctx, item, adapter, ref, checkedAt)
	}
	return s.probeViaSearch(ctx, item, adapter, checkedAt)
}

func (s *Service) probeDirect(ctx context.Context, item domain.TrackedItem, adapter domain.SourceAdapter, ref domain.ProductRef, checkedAt time.Time) domain.SourceStatus {
	start := time.Now()
	quote, err := adapter.Price(ctx, ref.ExternalID)
	metrics.ObserveSourceRequest(adapter.ID(), "price", start, err)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SourceStatus{CheckedAt: checkedAt, URL: ref.URL}
	}
	if err != nil {
		metrics.IncSourceFault(adapter.ID())
		return domain.SourceStatus{CheckedAt: checkedAt, URL: ref.URL, Err: err.Error()}
	}

	price := quote.Price
	status := domain.SourceStatus{
		InStock:   quote.InStock,
		Price:     &price,
		URL:       ref.URL,
		Name:      item.Name,
		CheckedAt: checkedAt,
	}
	s.recordHistory(ctx, item, domain.Listing{
		SourceID:      adapter.ID(),
		ExternalID:    ref.ExternalID,
		Name:          item.Name,
		Price:         quote.Price,
		OriginalPrice: quote.OriginalPrice,
		UnitSize:      item.Size,
		InStock:       quote.InStock,
		URL:           ref.URL,
		FetchedAt:     checkedAt,
	})
	return status
}

func (s *Service) probeViaSearch(ctx context.Context, item domain.TrackedItem, adapter domain.SourceAdapter, checkedAt time.Time) domain.SourceStatus {
	keywords := item.Keywords
	if len(keywords) == 0 {
		keywords = []string{item.Name}
	}
	if len(keywords) > 2 {
		keywords = keywords[:2]
	}
	query := strings.Join(keywords, " ")

	start := time.Now()
	result, err := adapter.Search(ctx, domain.SearchQuery{Query: query, Limit: defaultSearchLimit, Page: 1, Sort: "relevance"})
	metrics.ObserveSourceRequest(adapter.ID(), "search", start, err)
	if err != nil {
		metrics.IncSourceFault(adapter.ID())
		return domain.SourceStatus{CheckedAt: checkedAt, Err: err.Error()}
	}

	listing, found := s.matcher.Match(item, result.Listings)
	if !found {
		return domain.SourceStatus{CheckedAt: checkedAt}
	}

	price := listing.Price
	status := domain.SourceStatus{
		InStock:   listing.InStock,
		Price:     &price,
		URL:       listing.URL,
		Name:      listing.Name,
		CheckedAt: checkedAt,
	}
	listing.FetchedAt = checkedAt
	s.recordHistory(ctx, item, listing)
	return status
}

func (s *Service) recordHistory(ctx context.Context, item domain.TrackedItem, listing domain.Listing) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(ctx, item.ID, listing); err != nil {
		s.log.Error().Err(err).Int64("item", item.ID).Str("source", listing.SourceID).Msg("watchlist: не удалось записать историю цен")
	}
}

// emitAlerts сравнивает старый и новый снапшоты и создаёт не больше одного
// оповещения на пару (источник, вид) за цикл.
func (s *Service) emitAlerts(ctx context.Context, item domain.TrackedItem, previous, fresh domain.AvailabilitySnapshot) {
	for sourceID, status := range fresh {
		old := previous[sourceID]

		if status.InStock && !old.InStock && item.NotifyOnRestock {
			price := status.Price
			s.createAlert(ctx, item, domain.Alert{
				ItemID:   item.ID,
				Type:     domain.AlertRestock,
				SourceID: sourceID,
				NewPrice: price,
				Message:  fmt.Sprintf("%s снова в наличии на %s", itemTitle(item), sourceID),
			})
		}

		if status.Price != nil && old.Price != nil && *old.Price > 0 {
			change := (*old.Price - *status.Price) / *old.Price
			if change >= item.PriceDropThreshold && item.NotifyOnPriceDrop {
				s.createAlert(ctx, item, domain.Alert{
					ItemID:   item.ID,
					Type:     domain.AlertPriceDrop,
					SourceID: sourceID,
					OldPrice: old.Price,
					NewPrice: status.Price,
					Message:  fmt.Sprintf("%s подешевел на %.0f%% на %s", itemTitle(item), change*100, sourceID),
				})
			}
		}
	}
}

func (s *Service) createAlert(ctx context.Context, item domain.TrackedItem, alert domain.Alert) {
	saved, err := s.alerts.CreateAlert(ctx, alert)
	if err != nil {
		s.log.Error().Err(err).Int64("item", item.ID).Str("type", string(alert.Type)).Msg("watchlist: не удалось сохранить оповещение")
		return
	}
	metrics.IncAlert(string(saved.Type))
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendAlert(ctx, item, saved); err != nil {
		metrics.NotifySendErrors.Inc()
		s.log.Error().Err(err).Int64("alert", saved.ID).Msg("watchlist: не удалось доставить оповещение")
	}
}

// UnreadAlerts возвращает непрочитанные оповещения, свежие первыми.
func (s *Service) UnreadAlerts(ctx context.Context) ([]domain.Alert, error) {
	return s.alerts.ListUnreadAlerts(ctx)
}

// MarkAlertRead помечает оповещение прочитанным.
func (s *Service) MarkAlertRead(ctx context.Context, alertID int64) error {
	return s.alerts.MarkAlertRead(ctx, alertID)
}

// WeeklyRecommendations строит список покупок по текущим снапшотам активных позиций.
func (s *Service) WeeklyRecommendations(ctx context.Context) ([]domain.Recommendation, error) {
	items, err := s.items.ListActiveItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("список позиций: %w", err)
	}
	return BuildRecommendations(items), nil
}

// BuildRecommendations — чистая функция над снапшотами: без ввода-вывода и
// скрытого состояния, детерминированная для одного и того же набора позиций.
func BuildRecommendations(items []domain.TrackedItem) []domain.Recommendation {
	recommendations := make([]domain.Recommendation, 0, len(items))
	for _, item := range items {
		bestSource, best, found := item.Availability.BestDeal()
		if !found {
			recommendations = append(recommendations, domain.Recommendation{
				ItemID:  item.ID,
				Status:  domain.RecommendationUnavailable,
				Message: fmt.Sprintf("%s — нет в наличии ни на одном источнике", itemTitle(item)),
			})
			continue
		}

		if item.MaxPrice != nil && *best.Price > *item.MaxPrice {
			recommendations = append(recommendations, domain.Recommendation{
				ItemID:   item.ID,
				Status:   domain.RecommendationOverBudget,
				SourceID: bestSource,
				Price:    best.Price,
				URL:      best.URL,
				Message:  fmt.Sprintf("%s — S$%.2f превышает бюджет (максимум S$%.2f)", itemTitle(item), *best.Price, *item.MaxPrice),
			})
			continue
		}

		total := *best.Price * float64(item.WeeklyTargetQty)
		recommendations = append(recommendations, domain.Recommendation{
			ItemID:   item.ID,
			Status:   domain.RecommendationAvailable,
			SourceID: bestSource,
			Price:    best.Price,
			Quantity: item.WeeklyTargetQty,
			Total:    &total,
			URL:      best.URL,
			Message:  fmt.Sprintf("%s x%d @ S$%.2f", itemTitle(item), item.WeeklyTargetQty, *best.Price),
		})
	}
	return recommendations
}

func itemTitle(item domain.TrackedItem) string {
	if item.Brand == "" {
		return item.Name
	}
	return item.Brand + " " + item.Name
}

// itemLocks выдаёт мьютекс на позицию. Карта не чистится: позиций столько же,
// сколько записей вотчлиста.
type itemLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func (l *itemLocks) lock(id int64) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int64]*sync.Mutex)
	}
	itemMu, ok := l.m[id]
	if !ok {
		itemMu = &sync.Mutex{}
		l.m[id] = itemMu
	}
	l.mu.Unlock()
	itemMu.Lock()
	return itemMu.Unlock
}
