package watchlist

import (
	"context"
	"errors"
	"fmt"

	"price-radar/internal/domain"
)

// DefaultCatalog возвращает стартовый набор отслеживаемых консервов.
// Подобран по отчётам о премиальных производителях; наличие в Сингапуре
// нестабильное, поэтому все позиции идут с оповещением о возврате в продажу.
func DefaultCatalog() []AddParams {
	maxPrice := func(v float64) *float64 { return &v }
	return []AddParams{
		{
			Name:              "Spiced Sardines in Olive Oil",
			Brand:             "NURI",
			Category:          "sardines",
			Size:              "125g",
			Keywords:          []string{"NURI", "Sardines"},
			TargetSources:     []string{"lazada", "amazon"},
			KnownRefs:         map[string]domain.ProductRef{"lazada": {URL: "https://www.lazada.sg/products/nuri-spiced-sardines-in-olive-oil-125g-i1224956803.html", ExternalID: "1224956803"}},
			WeeklyTargetQty:   2,
			MaxPrice:          maxPrice(15),
			NotifyOnRestock:   true,
			NotifyOnPriceDrop: true,
			Notes:             "почти всегда распродано, следим за возвратом",
		},
		{
			Name:              "Sardinas a la Antigua",
			Brand:             "Ortiz",
			Category:          "sardines",
			Size:              "140g",
			Keywords:          []string{"Ortiz", "Sardinas"},
			TargetSources:     []string{"amazon", "littlefarms", "lazada"},
			WeeklyTargetQty:   2,
			MaxPrice:          maxPrice(25),
			NotifyOnRestock:   true,
			NotifyOnPriceDrop: true,
		},
		{
			Name:              "MSC Sardines in Organic EVOO",
			Brand:             "The Stock Merchant",
			Category:          "sardines",
			Size:              "120g",
			Keywords:          []string{"Stock Merchant", "Sardines"},
			TargetSources:     []string{"littlefarms", "amazon"},
			WeeklyTargetQty:   3,
			MaxPrice:          maxPrice(12),
			NotifyOnRestock:   true,
			NotifyOnPriceDrop: true,
		},
	}
}

// Seed добавляет позиции каталога, которых ещё нет в вотчлисте. Повторный
// запуск ничего не дублирует: позиция ищется по паре (бренд, имя).
func (s *Service) Seed(ctx context.Context, catalog []AddParams) (int, error) {
	added := 0
	for _, params := range catalog {
		_, err := s.items.FindItemByBrandName(ctx, params.Brand, params.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrItemNotFound) {
			return added, fmt.Errorf("поиск позиции %q: %w", params.Name, err)
		}
		if _, err := s.AddItem(ctx, params); err != nil {
			return added, fmt.Errorf("добавление позиции %q: %w", params.Name, err)
		}
		added++
	}
	return added, nil
}
