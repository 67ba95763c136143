package history

import (
	"context"
	"fmt"
	"time"

	"price-radar/internal/domain"
	"price-radar/internal/infra/metrics"
)

// Service отвечает за историю цен: накопление, лучшую цену и детектор падений.
type Service struct {
	entries   domain.PriceHistoryRepo
	retention time.Duration
}

// NewService создаёт сервис истории. retentionDays задаёт окно хранения записей.
func NewService(entries domain.PriceHistoryRepo, retentionDays int) *Service {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Service{entries: entries, retention: time.Duration(retentionDays) * 24 * time.Hour}
}

// Append сохраняет листинг в историю. Удельная цена вычисляется здесь же,
// тем же кодом, что и при сравнении. Записи разных позиций и источников не
// конкурируют, поэтому параллельные проверки пишут без координации.
func (s *Service) Append(ctx context.Context, itemID int64, listing domain.Listing) error {
	entry := domain.PriceHistoryEntry{
		ItemID:        itemID,
		SourceID:      listing.SourceID,
		ExternalID:    listing.ExternalID,
		Name:          listing.Name,
		URL:           listing.URL,
		Price:         listing.Price,
		OriginalPrice: listing.OriginalPrice,
		UnitPrice:     listing.UnitPrice,
		UnitSize:      listing.UnitSize,
		InStock:       listing.InStock,
		Rating:        listing.Rating,
		FetchedAt:     listing.FetchedAt,
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = time.Now().UTC()
	}
	if entry.UnitPrice == nil {
		if unit, ok := domain.UnitPrice(listing.Price, listing.UnitSize); ok {
			entry.UnitPrice = &unit
		}
	}
	if err := s.entries.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("запись истории цен: %w", err)
	}
	return nil
}

// BestPrice возвращает лучшую актуальную цену позиции: среди последних записей
// каждого источника берутся только те, где товар в наличии, и из них минимальная.
func (s *Service) BestPrice(ctx context.Context, itemID int64) (domain.PriceHistoryEntry, error) {
	return s.entries.BestPrice(ctx, itemID)
}

// DetectDrop сравнивает две самые свежие записи позиции независимо от источника;
// если нужен строго поисточниковый тренд, вызывающий код передаёт sourceID.
// Падение фиксируется, когда (previous - latest) / previous >= threshold.
// Второе значение false означает, что падения нет или записей меньше двух.
func (s *Service) DetectDrop(ctx context.Context, itemID int64, sourceID string, threshold float64) (domain.DropEvent, bool, error) {
	recent, err := s.entries.ListRecentEntries(ctx, itemID, sourceID, 2)
	if err != nil {
		return domain.DropEvent{}, false, fmt.Errorf("чтение истории: %w", err)
	}
	if len(recent) < 2 {
		return domain.DropEvent{}, false, nil
	}

	latest, previous := recent[0], recent[1]
	if previous.Price <= 0 {
		return domain.DropEvent{}, false, nil
	}

	change := (latest.Price - previous.Price) / previous.Price * 100
	if change > -threshold*100 {
		return domain.DropEvent{}, false, nil
	}

	metrics.DropEventsTotal.Inc()
	return domain.DropEvent{
		ItemID:        itemID,
		SourceID:      latest.SourceID,
		PreviousPrice: previous.Price,
		CurrentPrice:  latest.Price,
		ChangePercent: change,
		URL:           latest.URL,
	}, true, nil
}

// Sweep удаляет записи старше окна хранения. Детектор падений на чистку не
// опирается: он всегда читает только самые свежие записи.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.retention)
	removed, err := s.entries.SweepOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("чистка истории: %w", err)
	}
	metrics.HistorySweptTotal.Add(float64(removed))
	return removed, nil
}
