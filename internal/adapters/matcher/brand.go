package matcher

import (
	"strings"

	"price-radar/internal/domain"
)

// BrandMatcher выбирает из поисковой выдачи позицию по вхождению бренда в
// название без учёта регистра. Поисковая выдача магазинов шумная: по запросу
// «NURI sardines» прилетают и другие бренды, и наборы, поэтому без фильтра по
// бренду первый результат часто оказывается чужим товаром.
type BrandMatcher struct{}

var _ domain.ProductMatcher = BrandMatcher{}

func NewBrandMatcher() BrandMatcher { return BrandMatcher{} }

// Match возвращает первую подходящую позицию выдачи. Если у отслеживаемой
// позиции нет бренда, сопоставление идёт по словам из названия: достаточно
// одного совпавшего слова длиннее трёх символов.
func (BrandMatcher) Match(item domain.TrackedItem, listings []domain.Listing) (domain.Listing, bool) {
	brand := strings.ToLower(strings.TrimSpace(item.Brand))
	for _, listing := range listings {
		name := strings.ToLower(listing.Name)
		if brand != "" {
			if strings.Contains(name, brand) {
				return listing, true
			}
			continue
		}
		if matchesByName(name, item.Name) {
			return listing, true
		}
	}
	return domain.Listing{}, false
}

func matchesByName(listingName, itemName string) bool {
	for _, word := range strings.Fields(strings.ToLower(itemName)) {
		if len(word) > 3 && strings.Contains(listingName, word) {
			return true
		}
	}
	return false
}
