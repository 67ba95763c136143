package pricing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"price-radar/internal/domain"
	"price-radar/internal/infra/metrics"
)

const defaultSearchLimit = 5

// Service реализует веерный поиск по источникам и сравнение цен.
type Service struct {
	registry domain.SourceRegistry
	timeout  time.Duration
}

// NewService создаёт сервис сравнения. timeout ограничивает каждый вызов
// источника по отдельности, а не запрос целиком.
func NewService(registry domain.SourceRegistry, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{registry: registry, timeout: timeout}
}

// SearchAll опрашивает источники одновременно. Отказ одного источника не
// задерживает и не отменяет остальных: его вклад превращается в запись списка
// отказов, а общий ответ остаётся частично успешным. Общее время ограничено
// таймаутом одного вызова, а не задержкой самого медленного источника.
func (s *Service) SearchAll(ctx context.Context, query string, limit int, sourceIDs []string) (map[string][]domain.Listing, []domain.SourceFault, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil, domain.ErrEmptyQuery
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	adapters, err := s.resolveAdapters(sourceIDs)
	if err != nil {
		return nil, nil, err
	}

	type probeResult struct {
		listings []domain.Listing
		err      error
	}
	results := make([]probeResult, len(adapters))

	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func(i int, adapter domain.SourceAdapter) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			start := time.Now()
			res, err := adapter.Search(callCtx, domain.SearchQuery{Query: query, Limit: limit, Page: 1, Sort: "relevance"})
			metrics.ObserveSourceRequest(adapter.ID(), "search", start, err)
			if err != nil {
				results[i] = probeResult{err: err}
				return
			}
			results[i] = probeResult{listings: res.Listings}
		}(i, adapter)
	}
	wg.Wait()

	batches := make(map[string][]domain.Listing, len(adapters))
	var faults []domain.SourceFault
	for i, adapter := range adapters {
		if results[i].err != nil {
			metrics.IncSourceFault(adapter.ID())
			faults = append(faults, domain.SourceFault{SourceID: adapter.ID(), Err: results[i].err})
			continue
		}
		batches[adapter.ID()] = results[i].listings
	}
	return batches, faults, nil
}

// Compare собирает сводную выдачу по всем источникам. Сортировка двухсегментная:
// сначала позиции с вычислимой удельной ценой по её возрастанию, затем все
// остальные по возрастанию обычной цены. Так несопоставимые единицы не
// смешиваются, но ни одна позиция не теряется. Ничьи разрешаются порядком
// регистрации источников.
func (s *Service) Compare(ctx context.Context, query string, limit int) ([]domain.ComparisonRecord, []domain.SourceFault, error) {
	metrics.CompareRequestsTotal.Inc()

	batches, faults, err := s.SearchAll(ctx, query, limit, nil)
	if err != nil {
		return nil, nil, err
	}

	var records []domain.ComparisonRecord
	for _, adapter := range s.registry.All() {
		for _, listing := range batches[adapter.ID()] {
			records = append(records, buildRecord(adapter.ID(), listing))
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].HasUnitPrice != records[j].HasUnitPrice {
			return records[i].HasUnitPrice
		}
		return records[i].SortKey < records[j].SortKey
	})

	return records, faults, nil
}

func buildRecord(sourceID string, listing domain.Listing) domain.ComparisonRecord {
	record := domain.ComparisonRecord{SourceID: sourceID, Listing: listing}
	switch {
	case listing.UnitPrice != nil:
		record.SortKey = *listing.UnitPrice
		record.HasUnitPrice = true
	default:
		if unit, ok := domain.UnitPrice(listing.Price, listing.UnitSize); ok {
			record.SortKey = unit
			record.HasUnitPrice = true
		} else {
			record.SortKey = listing.Price
		}
	}
	return record
}

func (s *Service) resolveAdapters(sourceIDs []string) ([]domain.SourceAdapter, error) {
	if len(sourceIDs) == 0 {
		return s.registry.All(), nil
	}
	adapters := make([]domain.SourceAdapter, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		adapter, ok := s.registry.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSource, id)
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}
