package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SourceRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "source_request_duration_seconds",
		Help:    "Длительность запросов к розничным источникам",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60},
	}, []string{"source", "operation", "status"})

	SourceRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_request_total",
		Help: "Количество запросов к розничным источникам",
	}, []string{"source", "operation", "status"})

	SourceFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_faults_total",
		Help: "Отказы источников при веерных запросах",
	}, []string{"source"})

	CompareRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compare_requests_total",
		Help: "Общее количество запросов сравнения цен",
	})

	CheckCycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "check_cycle_seconds",
		Help:    "Время полного цикла проверки позиции вотчлиста",
		Buckets: prometheus.DefBuckets,
	})

	ChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checks_total",
		Help: "Количество циклов проверки наличия",
	})

	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_total",
		Help: "Созданные оповещения по видам",
	}, []string{"type"})

	DropEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "price_drop_events_total",
		Help: "Зафиксированные падения цены сверх порога",
	})

	HistorySweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "history_swept_total",
		Help: "Количество удалённых устаревших записей истории цен",
	})

	NotifySendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_send_errors_total",
		Help: "Ошибки доставки оповещений",
	})

	DBQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Длительность запросов к БД",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"operation", "table", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SourceRequestDuration,
		SourceRequestTotal,
		SourceFaults,
		CompareRequestsTotal,
		CheckCycleSeconds,
		ChecksTotal,
		AlertsTotal,
		DropEventsTotal,
		HistorySweptTotal,
		NotifySendErrors,
		DBQueryDuration,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveSourceRequest записывает длительность и статус запроса к источнику.
func ObserveSourceRequest(source, operation string, start time.Time, err error) {
	if source == "" {
		source = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	SourceRequestDuration.WithLabelValues(source, operation, status).Observe(duration)
	SourceRequestTotal.WithLabelValues(source, operation, status).Inc()
}

// IncSourceFault увеличивает счётчик отказов источника.
func IncSourceFault(sourceID string) {
	if sourceID == "" {
		sourceID = "unknown"
	}
	SourceFaults.WithLabelValues(sourceID).Inc()
}

// IncAlert увеличивает счётчик оповещений указанного вида.
func IncAlert(alertType string) {
	AlertsTotal.WithLabelValues(alertType).Inc()
}

// ObserveDBQuery записывает длительность и статус запроса к БД.
func ObserveDBQuery(operation, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DBQueryDuration.WithLabelValues(operation, table, status).Observe(time.Since(start).Seconds())
}
