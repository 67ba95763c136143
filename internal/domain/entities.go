package domain

import "time"

// Listing — одно товарное предложение, полученное от источника в момент опроса.
// Создаётся только адаптером источника и после этого не изменяется.
type Listing struct {
	SourceID      string
	ExternalID    string
	Name          string
	Brand         string
	Price         float64
	OriginalPrice *float64
	UnitPrice     *float64
	UnitSize      string
	InStock       bool
	URL           string
	ImageURL      string
	Rating        *float64
	ReviewCount   *int
	PromoInfo     string
	FetchedAt     time.Time
}

// SearchResult содержит страницу результатов поиска по одному источнику.
type SearchResult struct {
	SourceID   string
	Query      string
	Listings   []Listing
	TotalCount int
	Page       int
	HasMore    bool
}

// PriceQuote — актуальная цена товара по внешнему идентификатору.
type PriceQuote struct {
	ExternalID    string
	Price         float64
	OriginalPrice *float64
	InStock       bool
	CheckedAt     time.Time
}

// ComparisonRecord — позиция в сводной выдаче сравнения цен.
// Живёт только в рамках одного запроса compare.
type ComparisonRecord struct {
	SourceID string
	Listing  Listing
	// SortKey — удельная цена, если она вычислима, иначе обычная цена.
	SortKey float64
	// HasUnitPrice разделяет выдачу на два сегмента: сопоставимые и нет.
	HasUnitPrice bool
}

// SourceFault описывает отказ одного источника при веерном запросе.
type SourceFault struct {
	SourceID string
	Err      error
}

// PriceHistoryEntry — запись истории цен. Только добавляется, никогда не правится.
type PriceHistoryEntry struct {
	ID            int64
	ItemID        int64
	SourceID      string
	ExternalID    string
	Name          string
	URL           string
	Price         float64
	OriginalPrice *float64
	UnitPrice     *float64
	UnitSize      string
	InStock       bool
	Rating        *float64
	FetchedAt     time.Time
}

// DropEvent — зафиксированное падение цены сверх порога.
type DropEvent struct {
	ItemID        int64
	SourceID      string
	PreviousPrice float64
	CurrentPrice  float64
	// ChangePercent отрицателен при падении, например -15.
	ChangePercent float64
	URL           string
}

// ProductRef — известная привязка товара к конкретному источнику.
type ProductRef struct {
	URL        string `json:"url"`
	ExternalID string `json:"external_id,omitempty"`
}

// SourceStatus — результат проверки товара на одном источнике.
type SourceStatus struct {
	InStock   bool      `json:"in_stock"`
	Price     *float64  `json:"price,omitempty"`
	URL       string    `json:"url,omitempty"`
	Name      string    `json:"name,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Err       string    `json:"error,omitempty"`
}

// AvailabilitySnapshot — полная картина наличия по источникам на момент последней
// проверки. Заменяется целиком за один цикл, а не сливается по частям.
type AvailabilitySnapshot map[string]SourceStatus

// InStockAnywhere сообщает, есть ли товар хотя бы на одном источнике.
func (s AvailabilitySnapshot) InStockAnywhere() bool {
	for _, st := range s {
		if st.InStock {
			return true
		}
	}
	return false
}

// BestDeal возвращает самый дешёвый источник с товаром в наличии.
func (s AvailabilitySnapshot) BestDeal() (string, SourceStatus, bool) {
	var (
		bestID string
		best   SourceStatus
		found  bool
	)
	for id, st := range s {
		if !st.InStock || st.Price == nil {
			continue
		}
		if !found || *st.Price < *best.Price {
			bestID, best, found = id, st, true
		}
	}
	return bestID, best, found
}

// TrackedItem — позиция вотчлиста, за которой система следит на нескольких
// источниках. Никогда не удаляется, только деактивируется.
type TrackedItem struct {
	ID       int64
	Name     string
	Brand    string
	Category string
	Size     string

	Keywords      []string
	TargetSources []string
	KnownRefs     map[string]ProductRef

	WeeklyTargetQty    int
	MaxPrice           *float64
	PriceDropThreshold float64
	NotifyOnRestock    bool
	NotifyOnPriceDrop  bool

	IsActive        bool
	LastCheckedAt   *time.Time
	LastAvailableAt *time.Time
	BestPrice       *float64
	BestSource      string
	Availability    AvailabilitySnapshot

	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AlertType перечисляет виды оповещений вотчлиста.
type AlertType string

const (
	AlertRestock    AlertType = "restock"
	AlertPriceDrop  AlertType = "price_drop"
	AlertOutOfStock AlertType = "out_of_stock"
)

// Alert — оповещение по позиции вотчлиста. После создания меняется только IsRead.
type Alert struct {
	ID        int64
	ItemID    int64
	Type      AlertType
	SourceID  string
	OldPrice  *float64
	NewPrice  *float64
	Message   string
	IsRead    bool
	CreatedAt time.Time
}

// RecommendationStatus — статус позиции в еженедельном списке покупок.
type RecommendationStatus string

const (
	RecommendationAvailable   RecommendationStatus = "available"
	RecommendationOverBudget  RecommendationStatus = "over_budget"
	RecommendationUnavailable RecommendationStatus = "unavailable"
)

// Recommendation — производная рекомендация покупки, пересчитывается на каждый вызов.
type Recommendation struct {
	ItemID   int64
	Status   RecommendationStatus
	SourceID string
	Price    *float64
	Quantity int
	Total    *float64
	URL      string
	Message  string
}
