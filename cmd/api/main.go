package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"price-radar/internal/adapters/matcher"
	"price-radar/internal/adapters/repo"
	"price-radar/internal/adapters/source"
	"price-radar/internal/domain"
	"price-radar/internal/infra/config"
	"price-radar/internal/infra/db"
	httpinfra "price-radar/internal/infra/http"
	"price-radar/internal/infra/log"
	"price-radar/internal/infra/metrics"
	"price-radar/internal/infra/queue"
	"price-radar/internal/usecase/history"
	"price-radar/internal/usecase/pricing"
	"price-radar/internal/usecase/watchlist"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv).With().Str("component", "api").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	sources, err := config.ParseSources(cfg.Sources.Spec)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: некорректный список источников")
	}
	adapters := make([]domain.SourceAdapter, 0, len(sources))
	for _, src := range sources {
		adapters = append(adapters, source.NewRestAdapter(src.ID, src.BaseURL))
	}
	registry, err := source.NewRegistry(adapters...)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось собрать реестр источников")
	}
	defer registry.ReleaseAll(context.Background(), logger)

	checkQueue, closeQueue, err := buildCheckQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось подключить очередь проверок")
	}
	defer closeQueue()

	repoAdapter := repo.NewPostgres(pool)
	historySvc := history.NewService(repoAdapter, cfg.History.RetentionDays)
	pricingSvc := pricing.NewService(registry, cfg.Sources.Timeout)
	watchlistSvc := watchlist.NewService(repoAdapter, repoAdapter, registry, matcher.NewBrandMatcher(), historySvc, nil, cfg.Sources.Timeout, logger)

	if os.Getenv("SEED_CATALOG") == "true" {
		added, err := watchlistSvc.Seed(ctx, watchlist.DefaultCatalog())
		if err != nil {
			logger.Error().Err(err).Msg("api: не удалось посеять каталог")
		} else if added > 0 {
			logger.Info().Int("added", added).Msg("api: каталог посеян")
		}
	}

	srv := httpinfra.NewServer(logger)
	r := srv.Router

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Get("/api/v1/compare", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		limit := intQuery(r, "limit", cfg.Sources.SearchLimit)
		records, faults, err := pricingSvc.Compare(r.Context(), query, limit)
		if err != nil {
			if errors.Is(err, domain.ErrEmptyQuery) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logger.Error().Err(err).Msg("api: ошибка сравнения")
			writeError(w, http.StatusInternalServerError, "не удалось выполнить сравнение")
			return
		}
		writeJSON(w, map[string]any{
			"query":   query,
			"records": comparisonJSON(records),
			"faults":  faultsJSON(faults),
		})
	})

	r.Get("/api/v1/search", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		limit := intQuery(r, "limit", cfg.Sources.SearchLimit)
		var ids []string
		if raw := r.URL.Query().Get("sources"); raw != "" {
			for _, src := range strings.Split(raw, ",") {
				if src = strings.TrimSpace(src); src != "" {
					ids = append(ids, src)
				}
			}
		}
		results, faults, err := pricingSvc.SearchAll(r.Context(), query, limit, ids)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrEmptyQuery), errors.Is(err, domain.ErrUnknownSource):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				logger.Error().Err(err).Msg("api: ошибка поиска")
				writeError(w, http.StatusInternalServerError, "не удалось выполнить поиск")
			}
			return
		}
		payload := make(map[string]any, len(results))
		for src, listings := range results {
			payload[src] = listingsJSON(listings)
		}
		writeJSON(w, map[string]any{"results": payload, "faults": faultsJSON(faults)})
	})

	r.Get("/api/v1/sources/{source}/products/{externalID}", func(w http.ResponseWriter, r *http.Request) {
		adapter, ok := registry.Get(chi.URLParam(r, "source"))
		if !ok {
			writeError(w, http.StatusBadRequest, domain.ErrUnknownSource.Error())
			return
		}
		listing, err := adapter.Detail(r.Context(), chi.URLParam(r, "externalID"))
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "товар не найден")
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("source", adapter.ID()).Msg("api: ошибка получения карточки")
			writeError(w, http.StatusBadGateway, "источник недоступен")
			return
		}
		writeJSON(w, listingsJSON([]domain.Listing{listing})[0])
	})

	r.Route("/api/v1/watchlist", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			items, err := watchlistSvc.ListItems(r.Context())
			if err != nil {
				logger.Error().Err(err).Msg("api: не удалось получить вотчлист")
				writeError(w, http.StatusInternalServerError, "не удалось получить вотчлист")
				return
			}
			out := make([]map[string]any, 0, len(items))
			for _, item := range items {
				out = append(out, itemJSON(item))
			}
			writeJSON(w, out)
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req addItemRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			item, err := watchlistSvc.AddItem(r.Context(), watchlist.AddParams{
				Name:               req.Name,
				Brand:              req.Brand,
				Category:           req.Category,
				Size:               req.Size,
				Keywords:           req.Keywords,
				TargetSources:      req.TargetSources,
				KnownRefs:          req.KnownRefs,
				WeeklyTargetQty:    req.WeeklyTargetQty,
				MaxPrice:           req.MaxPrice,
				PriceDropThreshold: req.PriceDropThreshold,
				NotifyOnRestock:    req.NotifyOnRestock,
				NotifyOnPriceDrop:  req.NotifyOnPriceDrop,
				Notes:              req.Notes,
			})
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSONStatus(w, http.StatusCreated, itemJSON(item))
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r)
			if !ok {
				return
			}
			item, err := watchlistSvc.GetItem(r.Context(), id)
			if errors.Is(err, domain.ErrItemNotFound) {
				writeError(w, http.StatusNotFound, "позиция не найдена")
				return
			}
			if err != nil {
				logger.Error().Err(err).Msg("api: не удалось получить позицию")
				writeError(w, http.StatusInternalServerError, "не удалось получить позицию")
				return
			}
			writeJSON(w, itemJSON(item))
		})

		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r)
			if !ok {
				return
			}
			if err := watchlistSvc.DeactivateItem(r.Context(), id); err != nil {
				if errors.Is(err, domain.ErrItemNotFound) {
					writeError(w, http.StatusNotFound, "позиция не найдена")
					return
				}
				logger.Error().Err(err).Msg("api: не удалось деактивировать позицию")
				writeError(w, http.StatusInternalServerError, "не удалось деактивировать позицию")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/{id}/check", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r)
			if !ok {
				return
			}
			if _, err := watchlistSvc.GetItem(r.Context(), id); err != nil {
				if errors.Is(err, domain.ErrItemNotFound) {
					writeError(w, http.StatusNotFound, "позиция не найдена")
					return
				}
				writeError(w, http.StatusInternalServerError, "не удалось получить позицию")
				return
			}
			job := domain.CheckJob{
				ID:          uuid.NewString(),
				ItemID:      id,
				RequestedAt: time.Now().UTC(),
				Cause:       domain.CheckCauseManual,
			}
			if err := checkQueue.Enqueue(r.Context(), job); err != nil {
				logger.Error().Err(err).Msg("api: не удалось поставить задачу проверки")
				writeError(w, http.StatusInternalServerError, "не удалось поставить задачу проверки")
				return
			}
			writeJSONStatus(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
		})

		r.Get("/{id}/history", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r)
			if !ok {
				return
			}
			limit := intQuery(r, "limit", 50)
			entries, err := repoAdapter.ListRecentEntries(r.Context(), id, r.URL.Query().Get("source"), limit)
			if err != nil {
				logger.Error().Err(err).Msg("api: не удалось получить историю")
				writeError(w, http.StatusInternalServerError, "не удалось получить историю")
				return
			}
			writeJSON(w, historyJSON(entries))
		})

		r.Get("/{id}/drop", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r)
			if !ok {
				return
			}
			event, found, err := historySvc.DetectDrop(r.Context(), id, r.URL.Query().Get("source"), cfg.History.DropThreshold)
			if err != nil {
				logger.Error().Err(err).Msg("api: не удалось проверить падение цены")
				writeError(w, http.StatusInternalServerError, "не удалось проверить падение цены")
				return
			}
			if !found {
				writeJSON(w, map[string]any{"drop": nil})
				return
			}
			writeJSON(w, map[string]any{"drop": map[string]any{
				"item_id":        event.ItemID,
				"source_id":      event.SourceID,
				"previous_price": event.PreviousPrice,
				"current_price":  event.CurrentPrice,
				"change_percent": event.ChangePercent,
				"url":            event.URL,
			}})
		})
	})

	r.Get("/api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		alerts, err := watchlistSvc.UnreadAlerts(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("api: не удалось получить оповещения")
			writeError(w, http.StatusInternalServerError, "не удалось получить оповещения")
			return
		}
		out := make([]map[string]any, 0, len(alerts))
		for _, alert := range alerts {
			out = append(out, alertJSON(alert))
		}
		writeJSON(w, out)
	})

	r.Post("/api/v1/alerts/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := watchlistSvc.MarkAlertRead(r.Context(), id); err != nil {
			if errors.Is(err, domain.ErrAlertNotFound) {
				writeError(w, http.StatusNotFound, "оповещение не найдено")
				return
			}
			writeError(w, http.StatusInternalServerError, "не удалось пометить оповещение")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/api/v1/recommendations", func(w http.ResponseWriter, r *http.Request) {
		recs, err := watchlistSvc.WeeklyRecommendations(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("api: не удалось построить рекомендации")
			writeError(w, http.StatusInternalServerError, "не удалось построить рекомендации")
			return
		}
		out := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			out = append(out, map[string]any{
				"item_id":   rec.ItemID,
				"status":    rec.Status,
				"source_id": rec.SourceID,
				"price":     rec.Price,
				"quantity":  rec.Quantity,
				"total":     rec.Total,
				"url":       rec.URL,
				"message":   rec.Message,
			})
		}
		writeJSON(w, out)
	})

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: ошибка graceful shutdown")
	}
}

func buildCheckQueue(cfg config.AppConfig) (domain.CheckQueue, func(), error) {
	if cfg.RabbitURL != "" {
		q, err := queue.NewRabbitCheckQueue(cfg.RabbitURL, cfg.Queues.Checks)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	q := queue.NewRedisCheckQueue(client, cfg.Queues.Checks)
	return q, func() { _ = client.Close() }, nil
}

type addItemRequest struct {
	Name               string                       `json:"name"`
	Brand              string                       `json:"brand"`
	Category           string                       `json:"category"`
	Size               string                       `json:"size"`
	Keywords           []string                     `json:"keywords"`
	TargetSources      []string                     `json:"target_sources"`
	KnownRefs          map[string]domain.ProductRef `json:"known_refs"`
	WeeklyTargetQty    int                          `json:"weekly_target_qty"`
	MaxPrice           *float64                     `json:"max_price"`
	PriceDropThreshold float64                      `json:"price_drop_threshold"`
	NotifyOnRestock    bool                         `json:"notify_on_restock"`
	NotifyOnPriceDrop  bool                         `json:"notify_on_price_drop"`
	Notes              string                       `json:"notes"`
}

func itemJSON(item domain.TrackedItem) map[string]any {
	return map[string]any{
		"id":                   item.ID,
		"name":                 item.Name,
		"brand":                item.Brand,
		"category":             item.Category,
		"size":                 item.Size,
		"keywords":             item.Keywords,
		"target_sources":       item.TargetSources,
		"known_refs":           item.KnownRefs,
		"weekly_target_qty":    item.WeeklyTargetQty,
		"max_price":            item.MaxPrice,
		"price_drop_threshold": item.PriceDropThreshold,
		"notify_on_restock":    item.NotifyOnRestock,
		"notify_on_price_drop": item.NotifyOnPriceDrop,
		"is_active":            item.IsActive,
		"last_checked_at":      item.LastCheckedAt,
		"last_available_at":    item.LastAvailableAt,
		"best_price":           item.BestPrice,
		"best_source":          item.BestSource,
		"availability":         item.Availability,
		"notes":                item.Notes,
	}
}

func alertJSON(alert domain.Alert) map[string]any {
	return map[string]any{
		"id":         alert.ID,
		"item_id":    alert.ItemID,
		"type":       alert.Type,
		"source_id":  alert.SourceID,
		"old_price":  alert.OldPrice,
		"new_price":  alert.NewPrice,
		"message":    alert.Message,
		"created_at": alert.CreatedAt,
	}
}

func listingsJSON(listings []domain.Listing) []map[string]any {
	out := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		out = append(out, map[string]any{
			"source_id":   l.SourceID,
			"external_id": l.ExternalID,
			"name":        l.Name,
			"brand":       l.Brand,
			"price":       l.Price,
			"unit_price":  l.UnitPrice,
			"unit_size":   l.UnitSize,
			"in_stock":    l.InStock,
			"url":         l.URL,
		})
	}
	return out
}

func comparisonJSON(records []domain.ComparisonRecord) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := listingsJSON([]domain.Listing{rec.Listing})[0]
		entry["sort_key"] = rec.SortKey
		entry["has_unit_price"] = rec.HasUnitPrice
		out = append(out, entry)
	}
	return out
}

func faultsJSON(faults []domain.SourceFault) []map[string]string {
	out := make([]map[string]string, 0, len(faults))
	for _, fault := range faults {
		out = append(out, map[string]string{"source_id": fault.SourceID, "error": fault.Err.Error()})
	}
	return out
}

func historyJSON(entries []domain.PriceHistoryEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":         e.ID,
			"source_id":  e.SourceID,
			"price":      e.Price,
			"unit_price": e.UnitPrice,
			"in_stock":   e.InStock,
			"fetched_at": e.FetchedAt,
			"url":        e.URL,
		})
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return 0, false
	}
	return id, true
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONStatus(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
