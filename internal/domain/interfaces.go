package domain

import (
	"context"
	"time"
)

// SearchQuery — параметры поиска на источнике.
type SearchQuery struct {
	Query string
	Limit int
	Page  int
	// Sort — relevance, price_asc, price_desc или popularity.
	Sort string
}

// SourceAdapter — единый контракт адаптера розничного источника.
// Пустая выдача — нормальный результат, а не ошибка; ошибками транспорта и
// разбора адаптер обязан сигналить через ErrSourceUnavailable.
type SourceAdapter interface {
	ID() string
	Search(ctx context.Context, q SearchQuery) (SearchResult, error)
	Detail(ctx context.Context, externalID string) (Listing, error)
	Price(ctx context.Context, externalID string) (PriceQuote, error)
	// Release освобождает ресурсы адаптера (сессии, соединения) и обязан
	// отрабатывать на любом пути завершения.
	Release(ctx context.Context) error
}

// SourceRegistry — реестр адаптеров. Собирается один раз на старте и после
// этого только читается, поэтому безопасен для конкурентных вызовов.
type SourceRegistry interface {
	Get(id string) (SourceAdapter, bool)
	// All возвращает адаптеры в порядке регистрации.
	All() []SourceAdapter
	IDs() []string
}

// ProductMatcher выбирает из поисковой выдачи листинг, соответствующий
// отслеживаемой позиции. Сменная стратегия, по умолчанию — вхождение бренда.
type ProductMatcher interface {
	Match(item TrackedItem, listings []Listing) (Listing, bool)
}

// TrackedItemRepo управляет позициями вотчлиста.
type TrackedItemRepo interface {
	CreateItem(ctx context.Context, item TrackedItem) (TrackedItem, error)
	GetItem(ctx context.Context, id int64) (TrackedItem, error)
	FindItemByBrandName(ctx context.Context, brand, name string) (TrackedItem, error)
	ListActiveItems(ctx context.Context) ([]TrackedItem, error)
	// ListDueItems возвращает активные позиции, не проверявшиеся дольше interval.
	ListDueItems(ctx context.Context, now time.Time, interval time.Duration) ([]TrackedItem, error)
	SetItemActive(ctx context.Context, id int64, active bool) error
	// ApplyCheckResult атомарно заменяет снапшот и обновляет денормализованные
	// поля лучшей цены после завершённого цикла проверки.
	ApplyCheckResult(ctx context.Context, id int64, snapshot AvailabilitySnapshot, bestSource string, bestPrice *float64, checkedAt time.Time, availableAt *time.Time) error
}

// PriceHistoryRepo хранит историю цен. Записи только добавляются; записи разных
// позиций и источников не конкурируют между собой.
type PriceHistoryRepo interface {
	AppendEntry(ctx context.Context, entry PriceHistoryEntry) error
	// ListRecentEntries отдаёт последние записи позиции, свежие первыми.
	// Пустой sourceID означает «по всем источникам».
	ListRecentEntries(ctx context.Context, itemID int64, sourceID string, limit int) ([]PriceHistoryEntry, error)
	// BestPrice — минимальная цена среди последних записей каждого источника,
	// где товар в наличии.
	BestPrice(ctx context.Context, itemID int64) (PriceHistoryEntry, error)
	// SweepOlderThan удаляет записи старше отметки и возвращает их количество.
	SweepOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertRepo управляет оповещениями.
type AlertRepo interface {
	CreateAlert(ctx context.Context, alert Alert) (Alert, error)
	ListUnreadAlerts(ctx context.Context) ([]Alert, error)
	MarkAlertRead(ctx context.Context, id int64) error
}

// Notifier доставляет оповещения наружу. Ядро отвечает только за создание
// Alert; транспорт — внешний коллаборатор.
type Notifier interface {
	SendAlert(ctx context.Context, item TrackedItem, alert Alert) error
	SendSummary(ctx context.Context, text string) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
