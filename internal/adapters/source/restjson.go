package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"price-radar/internal/domain"
)

// RestAdapter — адаптер витринного JSON API. Все поддерживаемые магазины
// отдают каталог по одной и той же схеме (/api/search, /api/products/{id}),
// поэтому адаптер один и параметризуется идентификатором и базовым URL.
type RestAdapter struct {
	id      string
	baseURL string
	client  *http.Client
}

var _ domain.SourceAdapter = (*RestAdapter)(nil)

// NewRestAdapter создаёт адаптер источника. Таймаут запроса задаёт вызывающий
// код через контекст, клиент держит только разумный потолок на случай
// контекста без дедлайна.
func NewRestAdapter(id, baseURL string) *RestAdapter {
	return &RestAdapter{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *RestAdapter) ID() string { return a.id }

type listingPayload struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Brand         string   `json:"brand"`
	Price         float64  `json:"price"`
	OriginalPrice *float64 `json:"original_price"`
	UnitSize      string   `json:"unit_size"`
	InStock       bool     `json:"in_stock"`
	URL           string   `json:"url"`
	ImageURL      string   `json:"image_url"`
	Rating        *float64 `json:"rating"`
	ReviewCount   *int     `json:"review_count"`
	PromoInfo     string   `json:"promo_info"`
}

type searchPayload struct {
	Items      []listingPayload `json:"items"`
	TotalCount int              `json:"total_count"`
	Page       int              `json:"page"`
	HasMore    bool             `json:"has_more"`
}

type pricePayload struct {
	ID            string   `json:"id"`
	Price         float64  `json:"price"`
	OriginalPrice *float64 `json:"original_price"`
	InStock       bool     `json:"in_stock"`
}

// Search выполняет поиск по каталогу источника. Пустая выдача — не ошибка.
func (a *RestAdapter) Search(ctx context.Context, q domain.SearchQuery) (domain.SearchResult, error) {
	params := url.Values{}
	params.Set("q", q.Query)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Page > 1 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}

	var payload searchPayload
	if err := a.getJSON(ctx, "/api/search?"+params.Encode(), &payload); err != nil {
		return domain.SearchResult{}, err
	}

	fetchedAt := time.Now().UTC()
	listings := make([]domain.Listing, 0, len(payload.Items))
	for _, item := range payload.Items {
		listings = append(listings, a.toListing(item, fetchedAt))
	}
	return domain.SearchResult{
		SourceID:   a.id,
		Query:      q.Query,
		Listings:   listings,
		TotalCount: payload.TotalCount,
		Page:       payload.Page,
		HasMore:    payload.HasMore,
	}, nil
}

// Detail возвращает карточку товара по внешнему идентификатору.
func (a *RestAdapter) Detail(ctx context.Context, externalID string) (domain.Listing, error) {
	var payload listingPayload
	if err := a.getJSON(ctx, "/api/products/"+url.PathEscape(externalID), &payload); err != nil {
		return domain.Listing{}, err
	}
	return a.toListing(payload, time.Now().UTC()), nil
}

// Price возвращает актуальную цену и наличие без полной карточки.
func (a *RestAdapter) Price(ctx context.Context, externalID string) (domain.PriceQuote, error) {
	var payload pricePayload
	if err := a.getJSON(ctx, "/api/products/"+url.PathEscape(externalID)+"/price", &payload); err != nil {
		return domain.PriceQuote{}, err
	}
	return domain.PriceQuote{
		ExternalID:    payload.ID,
		Price:         payload.Price,
		OriginalPrice: payload.OriginalPrice,
		InStock:       payload.InStock,
		CheckedAt:     time.Now().UTC(),
	}, nil
}

// Release закрывает неиспользуемые соединения пула.
func (a *RestAdapter) Release(_ context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *RestAdapter) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("сборка запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.SourceUnavailable(a.id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return domain.SourceUnavailable(a.id, fmt.Errorf("статус %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return domain.SourceUnavailable(a.id, fmt.Errorf("разбор ответа: %w", err))
	}
	return nil
}

func (a *RestAdapter) toListing(p listingPayload, fetchedAt time.Time) domain.Listing {
	listing := domain.Listing{
		SourceID:      a.id,
		ExternalID:    p.ID,
		Name:          p.Name,
		Brand:         p.Brand,
		Price:         p.Price,
		OriginalPrice: p.OriginalPrice,
		UnitSize:      p.UnitSize,
		InStock:       p.InStock,
		URL:           p.URL,
		ImageURL:      p.ImageURL,
		Rating:        p.Rating,
		ReviewCount:   p.ReviewCount,
		PromoInfo:     p.PromoInfo,
		FetchedAt:     fetchedAt,
	}
	if unit, ok := domain.UnitPrice(p.Price, p.UnitSize); ok {
		listing.UnitPrice = &unit
	}
	return listing
}
