package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"price-radar/internal/adapters/matcher"
	"price-radar/internal/adapters/notify"
	"price-radar/internal/adapters/repo"
	"price-radar/internal/adapters/source"
	"price-radar/internal/domain"
	"price-radar/internal/infra/cache"
	"price-radar/internal/infra/config"
	"price-radar/internal/infra/db"
	applog "price-radar/internal/infra/log"
	"price-radar/internal/infra/metrics"
	"price-radar/internal/infra/queue"
	"price-radar/internal/usecase/history"
	"price-radar/internal/usecase/watchlist"
)

// weeklySummaryHour — час (в локальном поясе), начиная с которого в воскресенье
// отправляется еженедельный список покупок.
const weeklySummaryHour = 18

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv).With().Str("component", "scheduler").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9091")

	location, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.TZ).Msg("scheduler: неизвестный часовой пояс")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	onceCache := cache.NewRedis(redisClient)

	var checkQueue domain.CheckQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitCheckQueue(cfg.RabbitURL, cfg.Queues.Checks)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		checkQueue = rabbitQueue
	} else {
		checkQueue = queue.NewRedisCheckQueue(redisClient, cfg.Queues.Checks)
	}

	sources, err := config.ParseSources(cfg.Sources.Spec)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: некорректный список источников")
	}
	adapters := make([]domain.SourceAdapter, 0, len(sources))
	for _, src := range sources {
		adapters = append(adapters, source.NewRestAdapter(src.ID, src.BaseURL))
	}
	registry, err := source.NewRegistry(adapters...)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось собрать реестр источников")
	}
	defer registry.ReleaseAll(context.Background(), logger)

	var notifier domain.Notifier
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось создать telegram нотификатор")
		}
		notifier = tg
	}

	repoAdapter := repo.NewPostgres(pool)
	historySvc := history.NewService(repoAdapter, cfg.History.RetentionDays)
	watchlistSvc := watchlist.NewService(repoAdapter, repoAdapter, registry, matcher.NewBrandMatcher(), historySvc, notifier, cfg.Sources.Timeout, logger)

	s := &scheduler{
		log:       logger,
		cfg:       cfg,
		location:  location,
		cache:     onceCache,
		queue:     checkQueue,
		items:     repoAdapter,
		history:   historySvc,
		watchlist: watchlistSvc,
		notifier:  notifier,
	}

	logger.Info().
		Dur("check_interval", cfg.Monitor.CheckInterval).
		Dur("sweep_interval", cfg.History.SweepInterval).
		Msg("scheduler: запущен")
	s.run(ctx)
	logger.Info().Msg("scheduler: остановлен")
}

type scheduler struct {
	log       zerolog.Logger
	cfg       config.AppConfig
	location  *time.Location
	cache     domain.Cache
	queue     domain.CheckQueue
	items     domain.TrackedItemRepo
	history   *history.Service
	watchlist *watchlist.Service
	notifier  domain.Notifier
}

func (s *scheduler) run(ctx context.Context) {
	enqueueTicker := time.NewTicker(time.Minute)
	defer enqueueTicker.Stop()
	sweepTicker := time.NewTicker(s.cfg.History.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-enqueueTicker.C:
			s.enqueueDue(ctx)
			s.maybeSendWeekly(ctx)
		case <-sweepTicker.C:
			s.sweep(ctx)
		}
	}
}

// enqueueDue ставит задачи проверки для позиций, которые не проверялись дольше
// интервала. Защита от дублей — ключ в Redis на пол-интервала: несколько
// экземпляров планировщика не поставят одну позицию дважды.
func (s *scheduler) enqueueDue(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.items.ListDueItems(ctx, now, s.cfg.Monitor.CheckInterval)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: ошибка выборки позиций")
		return
	}

	for _, item := range due {
		key := fmt.Sprintf("check_enqueue:%d", item.ID)
		itemID := item.ID
		err := s.cache.Once(key, s.cfg.Monitor.CheckInterval/2, func() error {
			job := domain.CheckJob{
				ID:          uuid.NewString(),
				ItemID:      itemID,
				RequestedAt: now,
				Cause:       domain.CheckCauseScheduled,
			}
			return s.queue.Enqueue(ctx, job)
		})
		if err != nil {
			s.log.Error().Err(err).Int64("item", itemID).Msg("scheduler: не удалось поставить проверку")
		}
	}
}

func (s *scheduler) sweep(ctx context.Context) {
	removed, err := s.history.Sweep(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: ошибка очистки истории")
		return
	}
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("scheduler: история цен очищена")
	}
}

// maybeSendWeekly отправляет еженедельный список покупок раз в неделю, вечером
// в воскресенье. Ключ содержит номер ISO-недели, поэтому повторная отправка в
// пределах недели невозможна даже после рестарта.
func (s *scheduler) maybeSendWeekly(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	now := time.Now().In(s.location)
	if now.Weekday() != time.Sunday || now.Hour() < weeklySummaryHour {
		return
	}

	year, week := now.ISOWeek()
	key := fmt.Sprintf("weekly_summary:%d-%02d", year, week)
	err := s.cache.Once(key, 8*24*time.Hour, func() error {
		recommendations, err := s.watchlist.WeeklyRecommendations(ctx)
		if err != nil {
			return fmt.Errorf("построение рекомендаций: %w", err)
		}
		return s.notifier.SendSummary(ctx, watchlist.FormatWeeklyList(recommendations))
	})
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: не удалось отправить еженедельный список")
	}
}
