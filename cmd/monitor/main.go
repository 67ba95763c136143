package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

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

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv).With().Str("component", "monitor").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("monitor: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	jobCache := cache.NewRedis(redisClient)

	var checkQueue domain.CheckQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitCheckQueue(cfg.RabbitURL, cfg.Queues.Checks)
		if err != nil {
			logger.Fatal().Err(err).Msg("monitor: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		checkQueue = rabbitQueue
	} else {
		checkQueue = queue.NewRedisCheckQueue(redisClient, cfg.Queues.Checks)
	}

	sources, err := config.ParseSources(cfg.Sources.Spec)
	if err != nil {
		logger.Fatal().Err(err).Msg("monitor: некорректный список источников")
	}
	adapters := make([]domain.SourceAdapter, 0, len(sources))
	for _, src := range sources {
		adapters = append(adapters, source.NewRestAdapter(src.ID, src.BaseURL))
	}
	registry, err := source.NewRegistry(adapters...)
	if err != nil {
		logger.Fatal().Err(err).Msg("monitor: не удалось собрать реестр источников")
	}
	defer registry.ReleaseAll(context.Background(), logger)

	var notifier domain.Notifier
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.Fatal().Err(err).Msg("monitor: не удалось создать telegram нотификатор")
		}
		notifier = tg
	} else {
		logger.Warn().Msg("monitor: токен Telegram не задан, оповещения только сохраняются")
	}

	repoAdapter := repo.NewPostgres(pool)
	historySvc := history.NewService(repoAdapter, cfg.History.RetentionDays)
	watchlistSvc := watchlist.NewService(repoAdapter, repoAdapter, registry, matcher.NewBrandMatcher(), historySvc, notifier, cfg.Sources.Timeout, logger)

	worker := &checkWorker{
		log:       logger,
		queue:     checkQueue,
		cache:     jobCache,
		service:   watchlistSvc,
		history:   historySvc,
		threshold: cfg.History.DropThreshold,
	}

	concurrency := cfg.Monitor.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	logger.Info().Int("workers", concurrency).Msg("monitor: запуск обработки очереди")
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}
	wg.Wait()
	logger.Info().Msg("monitor: остановлен")
}

type checkWorker struct {
	log       zerolog.Logger
	queue     domain.CheckQueue
	cache     domain.Cache
	service   *watchlist.Service
	history   *history.Service
	threshold float64
}

// jobDedupTTL ограничивает окно, в котором повтор задачи с тем же
// идентификатором считается дубликатом доставки.
const jobDedupTTL = time.Hour

func (w *checkWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("monitor: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Int64("item", job.ItemID).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" || job.ItemID == 0 {
			jobLog.Error().Msg("monitor: получена некорректная задача, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("monitor: не удалось подтвердить некорректную задачу")
			}
			continue
		}

		handled := false
		err = w.cache.Once("check_job:"+job.ID, jobDedupTTL, func() error {
			handled = true
			return w.handleJob(ctx, job, jobLog)
		})

		if err != nil {
			jobLog.Error().Err(err).Msg("monitor: задача завершилась ошибкой, вернём в очередь")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("monitor: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		if !handled {
			jobLog.Info().Msg("monitor: задача уже обрабатывалась, подтверждаем")
		}
		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("monitor: не удалось подтвердить задачу")
		}
	}
}

func (w *checkWorker) handleJob(ctx context.Context, job domain.CheckJob, jobLog zerolog.Logger) error {
	snapshot, err := w.service.Check(ctx, job.ItemID)
	if err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			jobLog.Warn().Msg("monitor: позиция удалена, пропускаем задачу")
			return nil
		}
		return err
	}

	// Падения цены ищутся по свежезаписанной истории: по источнику, где товар
	// в наличии, сравниваются две последние записи.
	for sourceID, status := range snapshot {
		if !status.InStock {
			continue
		}
		event, found, err := w.history.DetectDrop(ctx, job.ItemID, sourceID, w.threshold)
		if err != nil {
			jobLog.Error().Err(err).Str("source", sourceID).Msg("monitor: не удалось проверить падение цены")
			continue
		}
		if found {
			jobLog.Info().
				Str("source", event.SourceID).
				Float64("change_percent", event.ChangePercent).
				Msg("monitor: зафиксировано падение цены")
		}
	}

	jobLog.Info().Bool("in_stock", snapshot.InStockAnywhere()).Msg("monitor: проверка завершена")
	return nil
}
