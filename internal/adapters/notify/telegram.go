package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"price-radar/internal/domain"
)

const messageLimit = 4096

// Telegram доставляет оповещения и сводки в личный чат через Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

var _ domain.Notifier = (*Telegram)(nil)

// NewTelegram создаёт нотификатор. Токен проверяется сразу, при старте.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("инициализация telegram: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// SendAlert отправляет оповещение о событии по позиции вотчлиста.
func (t *Telegram) SendAlert(_ context.Context, item domain.TrackedItem, alert domain.Alert) error {
	return t.send(FormatAlert(item, alert))
}

// SendSummary отправляет произвольную сводку, при необходимости разбивая её
// на части в пределах лимита сообщения.
func (t *Telegram) SendSummary(_ context.Context, text string) error {
	for _, part := range splitMessage(text) {
		if err := t.send(part); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) send(text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("отправка сообщения: %w", err)
	}
	return nil
}

// FormatAlert строит HTML-текст оповещения.
func FormatAlert(item domain.TrackedItem, alert domain.Alert) string {
	var b strings.Builder
	switch alert.Type {
	case domain.AlertPriceDrop:
		b.WriteString("📉 <b>Цена упала</b>\n")
	case domain.AlertRestock:
		b.WriteString("✅ <b>Снова в наличии</b>\n")
	default:
		b.WriteString("ℹ️ <b>Вотчлист</b>\n")
	}
	b.WriteString(html.EscapeString(alert.Message))
	if alert.OldPrice != nil && alert.NewPrice != nil {
		b.WriteString(fmt.Sprintf("\nS$%.2f → S$%.2f", *alert.OldPrice, *alert.NewPrice))
	} else if alert.NewPrice != nil {
		b.WriteString(fmt.Sprintf("\nS$%.2f", *alert.NewPrice))
	}
	if ref, ok := item.KnownRefs[alert.SourceID]; ok && ref.URL != "" {
		b.WriteString("\n" + ref.URL)
	}
	return b.String()
}

// splitMessage режет текст на части в пределах лимита Telegram, предпочитая
// границы строк, чтобы не рвать форматированные блоки.
func splitMessage(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if len(runes) <= messageLimit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + messageLimit
		if end >= len(runes) {
			if chunk := strings.Trim(string(runes[start:]), "\n"); chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}
		split := end
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if chunk := strings.Trim(string(runes[start:split]), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}
	return parts
}
