package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// SourceConfig описывает один розничный источник данных.
type SourceConfig struct {
	ID      string
	BaseURL string
}

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Asia/Singapore"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Sources struct {
		// Spec — список источников вида "fairprice=https://host,lazada=https://host".
		Spec        string        `envconfig:"SOURCES"`
		Timeout     time.Duration `envconfig:"SOURCE_TIMEOUT" default:"15s"`
		SearchLimit int           `envconfig:"SOURCE_SEARCH_LIMIT" default:"5"`
	} `envconfig:""`

	Monitor struct {
		CheckInterval time.Duration `envconfig:"CHECK_INTERVAL" default:"4h"`
		Concurrency   int           `envconfig:"MONITOR_CONCURRENCY" default:"4"`
	} `envconfig:""`

	History struct {
		RetentionDays int           `envconfig:"HISTORY_RETENTION_DAYS" default:"90"`
		DropThreshold float64       `envconfig:"PRICE_DROP_THRESHOLD" default:"0.1"`
		SweepInterval time.Duration `envconfig:"HISTORY_SWEEP_INTERVAL" default:"24h"`
	} `envconfig:""`

	Telegram struct {
		Token  string `envconfig:"TG_BOT_TOKEN"`
		ChatID int64  `envconfig:"TG_CHAT_ID"`
	} `envconfig:""`

	Queues struct {
		Checks string `envconfig:"CHECK_QUEUE_KEY" default:"check_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// ParseSources разбирает строку SOURCES в упорядоченный список источников.
// Порядок в строке задаёт порядок регистрации и тем самым порядок разрешения
// ничьих при сортировке сравнения.
func ParseSources(spec string) ([]SourceConfig, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	sources := make([]SourceConfig, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, baseURL, ok := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		baseURL = strings.TrimSpace(baseURL)
		if !ok || id == "" || baseURL == "" {
			return nil, fmt.Errorf("некорректное описание источника: %q", part)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("источник %q указан дважды", id)
		}
		seen[id] = struct{}{}
		sources = append(sources, SourceConfig{ID: id, BaseURL: baseURL})
	}
	return sources, nil
}
