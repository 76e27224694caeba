package services

import (
	"context"
	"log"
	"sync"
	"time"

	"xuiportal/common"
	"xuiportal/metrics"
	"xuiportal/panel"
)

// MonitorStore данные, нужные сверке трафика
type MonitorStore interface {
	ListUsersWithPackage() ([]common.User, error)
	ListUsersDueReset(now time.Time) ([]common.User, error)
	GetPackage(id int64) (*common.Package, error)
	GetNodeStatus(userID int64) (common.UserNodeStatus, error)
	MarkDisabled(userID int64, reason string, at time.Time) error
	ClearNodeStatus(userID int64) error
	UpdateUsedTraffic(userID, used int64) error
	CompleteReset(userID int64, nextReset time.Time) error
}

// MonitorFleet операции флота, нужные сверке трафика
type MonitorFleet interface {
	GetAllInbounds(ctx context.Context) ([]panel.TaggedInbound, error)
	GetUsedTraffic(ctx context.Context, user *common.User) (common.TrafficUsage, error)
	DisableClientFromPackageNodes(ctx context.Context, user *common.User) error
	EnableClientFromPackageNodes(ctx context.Context, user *common.User) error
	ResetClientTrafficOnPackageNodes(ctx context.Context, user *common.User) error
}

// Notifier уведомления администратора о переходах состояния
type Notifier interface {
	UserDisabled(user *common.User, reason string, used, quota int64)
	UserEnabled(user *common.User)
	ResetFailed(user *common.User, err error)
}

// TokenCleaner удаляет просроченные токены доступа
type TokenCleaner interface {
	CleanupExpired() (int64, error)
}

// AggregateCache кэш объединенного списка inbound
type AggregateCache interface {
	SetAggregated(inbounds []panel.TaggedInbound)
}

// SchedulerConfig интервалы задач планировщика
type SchedulerConfig struct {
	MonitorInterval        time.Duration
	InboundRefreshInterval time.Duration
	TokenCleanupInterval   time.Duration
}

// Scheduler фоновая сверка трафика, ежемесячный сброс, обновление inbound и очистка токенов
type Scheduler struct {
	store    MonitorStore
	fleet    MonitorFleet
	cache    AggregateCache
	tokens   TokenCleaner
	notifier Notifier
	cfg      SchedulerConfig
	now      func() time.Time

	// проходы мониторинга не пересекаются
	monitorMu sync.Mutex

	mu      sync.Mutex
	extra   []job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler создает планировщик. cache, tokens и notifier могут быть nil.
func NewScheduler(store MonitorStore, fleet MonitorFleet, cache AggregateCache, tokens TokenCleaner,
	notifier Notifier, cfg SchedulerConfig) *Scheduler {

	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Minute
	}
	if cfg.InboundRefreshInterval <= 0 {
		cfg.InboundRefreshInterval = time.Minute
	}
	if cfg.TokenCleanupInterval <= 0 {
		cfg.TokenCleanupInterval = time.Hour
	}
	return &Scheduler{
		store:    store,
		fleet:    fleet,
		cache:    cache,
		tokens:   tokens,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

type job struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

// AddJob добавляет периодическую задачу. Задачи, добавленные после Start, запустятся при следующем Start.
func (s *Scheduler) AddJob(name string, interval time.Duration, run func(context.Context) error) {
	if interval <= 0 {
		log.Printf("SCHEDULER: Задача %s отключена (интервал %v)", name, interval)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra = append(s.extra, job{name: name, interval: interval, run: run})
}

// Start запускает задачи. Каждая задача выполняется сразу, затем по своему интервалу.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		log.Printf("SCHEDULER: Планировщик уже запущен")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	log.Printf("SCHEDULER: Запуск (мониторинг: %v, inbound: %v, токены: %v)",
		s.cfg.MonitorInterval, s.cfg.InboundRefreshInterval, s.cfg.TokenCleanupInterval)

	s.loop(ctx, "monitor", s.cfg.MonitorInterval, s.RunMonitor)
	s.loop(ctx, "inbound_refresh", s.cfg.InboundRefreshInterval, s.RefreshInbounds)
	if s.tokens != nil {
		s.loop(ctx, "token_cleanup", s.cfg.TokenCleanupInterval, func(context.Context) error { return s.CleanupTokens() })
	}
	for _, j := range s.extra {
		s.loop(ctx, j.name, j.interval, j.run)
	}
}

// Stop останавливает задачи и ждет завершения текущего прохода
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	log.Printf("SCHEDULER: Остановка планировщика")
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job string, interval time.Duration, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.runJob(ctx, job, run)
		for {
			select {
			case <-ticker.C:
				s.runJob(ctx, job, run)
			case <-ctx.Done():
				log.Printf("SCHEDULER: Задача %s остановлена", job)
				return
			}
		}
	}()
}

func (s *Scheduler) runJob(ctx context.Context, job string, run func(context.Context) error) {
	start := time.Now()
	err := run(ctx)
	metrics.SchedulerDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("SCHEDULER: Задача %s завершилась с ошибкой: %v", job, err)
		metrics.SchedulerRuns.WithLabelValues(job, "error").Inc()
		return
	}
	metrics.SchedulerRuns.WithLabelValues(job, "ok").Inc()
}

// RunMonitor выполняет один проход: проверку лимитов и срока, затем ежемесячный сброс
func (s *Scheduler) RunMonitor(ctx context.Context) error {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()

	if err := s.CheckUsers(ctx); err != nil {
		log.Printf("SCHEDULER: Ошибка проверки пользователей: %v", err)
	}
	return s.ResetDueUsers(ctx)
}

func (s *Scheduler) notifyDisabled(user *common.User, reason string, used, quota int64) {
	if s.notifier != nil {
		s.notifier.UserDisabled(user, reason, used, quota)
	}
}

func (s *Scheduler) notifyEnabled(user *common.User) {
	if s.notifier != nil {
		s.notifier.UserEnabled(user)
	}
}

func (s *Scheduler) notifyResetFailed(user *common.User, err error) {
	if s.notifier != nil {
		s.notifier.ResetFailed(user, err)
	}
}
