package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"price-radar/internal/domain"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *RestAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRestAdapter("test", srv.URL)
}

func TestSearchParsesListings(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/search" {
			t.Fatalf("неожиданный путь %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("q"); got != "nuri sardines" {
			t.Fatalf("неожиданный запрос %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("неожиданный лимит %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"items": [
				{"id": "42", "name": "NURI Spiced Sardines", "brand": "NURI", "price": 12.0, "unit_size": "125g", "in_stock": true, "url": "https://test.example/42"}
			],
			"total_count": 1, "page": 1, "has_more": false
		}`))
	})

	result, err := adapter.Search(context.Background(), domain.SearchQuery{Query: "nuri sardines", Limit: 5, Page: 1, Sort: "relevance"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.SourceID != "test" || len(result.Listings) != 1 {
		t.Fatalf("неверный результат: %+v", result)
	}
	listing := result.Listings[0]
	if listing.ExternalID != "42" || listing.Price != 12 || !listing.InStock {
		t.Fatalf("неверный листинг: %+v", listing)
	}
	if listing.UnitPrice == nil || *listing.UnitPrice != 96 {
		t.Fatalf("удельная цена должна считаться при разборе (12 за 125g = 96/кг), получили %+v", listing.UnitPrice)
	}
}

func TestSearchEmptyIsNotError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [], "total_count": 0, "page": 1, "has_more": false}`))
	})

	result, err := adapter.Search(context.Background(), domain.SearchQuery{Query: "ничего"})
	if err != nil {
		t.Fatalf("пустая выдача не ошибка: %v", err)
	}
	if len(result.Listings) != 0 {
		t.Fatalf("ожидали пустую выдачу")
	}
}

func TestPriceNotFound(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := adapter.Price(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}

func TestServerErrorIsSourceUnavailable(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := adapter.Search(context.Background(), domain.SearchQuery{Query: "nuri"})
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("ожидали ErrSourceUnavailable, получили %v", err)
	}
}

func TestBrokenJSONIsSourceUnavailable(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items": [`))
	})

	_, err := adapter.Search(context.Background(), domain.SearchQuery{Query: "nuri"})
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("ожидали ErrSourceUnavailable, получили %v", err)
	}
}

func TestPriceParsesQuote(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/products/42/price" {
			t.Fatalf("неожиданный путь %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "42", "price": 11.5, "original_price": 14.0, "in_stock": true}`))
	})

	quote, err := adapter.Price(context.Background(), "42")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if quote.ExternalID != "42" || quote.Price != 11.5 || !quote.InStock {
		t.Fatalf("неверная котировка: %+v", quote)
	}
	if quote.OriginalPrice == nil || *quote.OriginalPrice != 14 {
		t.Fatalf("ожидали цену до скидки 14, получили %+v", quote.OriginalPrice)
	}
}

func TestRegistryOrderAndDuplicates(t *testing.T) {
	a := NewRestAdapter("a", "https://a.example")
	b := NewRestAdapter("b", "https://b.example")

	registry, err := NewRegistry(a, b)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	ids := registry.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("порядок регистрации должен сохраняться: %v", ids)
	}
	if _, ok := registry.Get("a"); !ok {
		t.Fatalf("адаптер a должен находиться")
	}
	if _, ok := registry.Get("c"); ok {
		t.Fatalf("незарегистрированный адаптер не должен находиться")
	}

	if _, err := NewRegistry(a, NewRestAdapter("a", "https://dup.example")); err == nil {
		t.Fatalf("дубликат идентификатора должен быть ошибкой")
	}
}
