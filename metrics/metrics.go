// Package metrics содержит Prometheus-метрики портала.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xuiportal"

var (
	// PanelRequests запросы к панелям по бордам и результату
	PanelRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "panel",
		Name:      "requests_total",
		Help:      "Запросы к API панелей 3x-ui.",
	}, []string{"board", "result"})

	// PanelRelogins повторные авторизации после истечения сессии
	PanelRelogins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "panel",
		Name:      "relogins_total",
		Help:      "Повторные авторизации после истечения сессии.",
	}, []string{"board"})

	// CacheLookups обращения к кэшу inbound
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Обращения к кэшу списков inbound.",
	}, []string{"result"})

	// FleetNodeFailures ошибки операций на отдельных узлах
	FleetNodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "node_failures_total",
		Help:      "Ошибки операций флота на отдельных узлах.",
	}, []string{"operation", "board"})

	// SchedulerRuns запуски фоновых задач
	SchedulerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Запуски задач планировщика.",
	}, []string{"job", "result"})

	// SchedulerDuration длительность задач
	SchedulerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Длительность задач планировщика.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})

	// UserTransitions переходы включен/отключен
	UserTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "user_transitions_total",
		Help:      "Переходы пользователей между состояниями включен/отключен.",
	}, []string{"state", "reason"})

	// SubscriptionRequests запросы подписок по HTTP-статусу
	SubscriptionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "requests_total",
		Help:      "Запросы подписок по коду ответа.",
	}, []string{"code"})
)

// Register регистрирует все метрики в реестре
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		PanelRequests,
		PanelRelogins,
		CacheLookups,
		FleetNodeFailures,
		SchedulerRuns,
		SchedulerDuration,
		UserTransitions,
		SubscriptionRequests,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler отдает метрики реестра
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
