package watchlist

import (
	"fmt"
	"html"
	"strings"

	"price-radar/internal/domain"
)

// FormatWeeklyList формирует текстовое представление еженедельного списка
// покупок для отправки в мессенджер.
func FormatWeeklyList(recommendations []domain.Recommendation) string {
	var (
		available   []string
		overBudget  []string
		unavailable []string
		total       float64
	)

	for _, rec := range recommendations {
		switch rec.Status {
		case domain.RecommendationAvailable:
			line := "• " + escapeHTML(rec.Message)
			if rec.SourceID != "" {
				line += fmt.Sprintf(" (%s)", escapeHTML(rec.SourceID))
			}
			available = append(available, line)
			if rec.Total != nil {
				total += *rec.Total
			}
		case domain.RecommendationOverBudget:
			overBudget = append(overBudget, "• "+escapeHTML(rec.Message))
		case domain.RecommendationUnavailable:
			unavailable = append(unavailable, "• "+escapeHTML(rec.Message))
		}
	}

	var sections []string
	if len(available) > 0 {
		section := "🛒 <b>Список покупок на неделю</b>\n" + strings.Join(available, "\n")
		section += fmt.Sprintf("\nИтого: S$%.2f", total)
		sections = append(sections, section)
	}
	if len(overBudget) > 0 {
		sections = append(sections, "💸 <b>Дороже бюджета</b>\n"+strings.Join(overBudget, "\n"))
	}
	if len(unavailable) > 0 {
		sections = append(sections, "⛔ <b>Нет в наличии</b>\n"+strings.Join(unavailable, "\n"))
	}
	if len(sections) == 0 {
		return "Вотчлист пуст — рекомендовать нечего."
	}
	return strings.TrimSpace(strings.Join(sections, "\n\n"))
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}
