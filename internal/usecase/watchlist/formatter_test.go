package watchlist

import (
	"strings"
	"testing"

	"price-radar/internal/domain"
)

func TestFormatWeeklyList(t *testing.T) {
	price := 12.0
	total := 24.0
	recs := []domain.Recommendation{
		{Status: domain.RecommendationAvailable, SourceID: "lazada", Price: &price, Quantity: 2, Total: &total, Message: "NURI Sardines x2 @ S$12.00"},
		{Status: domain.RecommendationOverBudget, Message: "Ortiz Sardinas — S$28.00 превышает бюджет (максимум S$25.00)"},
		{Status: domain.RecommendationUnavailable, Message: "The Stock Merchant Sardines — нет в наличии ни на одном источнике"},
	}

	text := FormatWeeklyList(recs)
	for _, want := range []string{
		"Список покупок на неделю",
		"NURI Sardines x2 @ S$12.00 (lazada)",
		"Итого: S$24.00",
		"Дороже бюджета",
		"Нет в наличии",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("в тексте нет %q:\n%s", want, text)
		}
	}
}

func TestFormatWeeklyListEscapesHTML(t *testing.T) {
	recs := []domain.Recommendation{
		{Status: domain.RecommendationUnavailable, Message: "<b>Sardines & Co</b> — нет в наличии"},
	}
	text := FormatWeeklyList(recs)
	if strings.Contains(text, "<b>Sardines") {
		t.Fatalf("html в сообщении должен экранироваться:\n%s", text)
	}
	if !strings.Contains(text, "&amp;") {
		t.Fatalf("амперсанд должен экранироваться:\n%s", text)
	}
}

func TestFormatWeeklyListEmpty(t *testing.T) {
	text := FormatWeeklyList(nil)
	if !strings.Contains(text, "пуст") {
		t.Fatalf("для пустого списка ожидали заглушку, получили %q", text)
	}
}
