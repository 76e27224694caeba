// Package app собирает компоненты портала и управляет их жизненным циклом.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"xuiportal/auth"
	"xuiportal/common"
	"xuiportal/fleet"
	"xuiportal/metrics"
	"xuiportal/panel"
	"xuiportal/services"
	"xuiportal/storage"
	"xuiportal/subscription"
	"xuiportal/telegram_bot"
)

// Core база, флот и сервисы без фоновых задач. Используется сервером и консолью администратора.
type Core struct {
	Config   *common.Config
	DB       *storage.DB
	Cache    *panel.InboundCache
	Fleet    *fleet.Manager
	Tokens   *auth.Issuer
	Servers  *services.ServerService
	Packages *services.PackageService
	Users    *services.UserService
}

// NewCore подключается к базе и загружает клиентов панелей
func NewCore(cfg *common.Config) (*Core, error) {
	log.Printf("APP: Инициализация базы данных")
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}

	cache := panel.NewInboundCache(cfg.CacheInboundsDuration)
	manager := fleet.NewManager(db, fleet.NewPanelFactory(cache, fleet.PanelOptions{
		Timeout:            cfg.PanelRequestTimeout,
		InsecureSkipVerify: !cfg.PanelTLSVerify,
		RemoteUUID:         cfg.PanelRemoteUUID,
	}), fleet.WithWorkers(cfg.FleetWorkers))

	tokens := auth.NewIssuer(db, cfg.JWTSecret, cfg.JWTTTL)
	core := &Core{
		Config:   cfg,
		DB:       db,
		Cache:    cache,
		Fleet:    manager,
		Tokens:   tokens,
		Servers:  services.NewServerService(db, manager),
		Packages: services.NewPackageService(db, manager),
		Users:    services.NewUserService(db, manager, tokens),
	}

	if err := core.Servers.Reload(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка загрузки серверов: %w", err)
	}
	log.Printf("APP: Загружено панелей: %d", len(manager.Boards()))
	return core, nil
}

// Close закрывает базу
func (c *Core) Close() error {
	return c.DB.Close()
}

// App портал: HTTP-сервер подписок, планировщик и бот администратора
type App struct {
	*Core
	scheduler *services.Scheduler
	server    *http.Server
	bot       *telegram_bot.Bot
	admin     *services.AdminService
}

// InitializeApp собирает приложение по конфигурации
func InitializeApp(cfg *common.Config) (*App, error) {
	log.Printf("APP: Инициализация приложения")

	core, err := NewCore(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Core: core}

	var notifier services.Notifier
	if cfg.BotToken != "" {
		bot, err := telegram_bot.NewBot(cfg.BotToken, cfg.AdminID)
		if err != nil {
			log.Printf("APP: Ошибка инициализации бота, уведомления отключены: %v", err)
		} else {
			if err := telegram_bot.SetBotCommands(bot.API); err != nil {
				log.Printf("APP: Ошибка настройки команд бота: %v", err)
			}
			a.bot = bot
			notifier = telegram_bot.NewNotificationManager(bot.API, cfg.AdminID)
		}
	} else {
		log.Printf("APP: BOT_TOKEN не задан, бот администратора отключен")
	}

	a.scheduler = services.NewScheduler(core.DB, core.Fleet, core.Cache, core.Tokens, notifier, services.SchedulerConfig{
		MonitorInterval:        cfg.MonitorInterval,
		InboundRefreshInterval: cfg.InboundRefreshInterval,
		TokenCleanupInterval:   cfg.TokenCleanupInterval,
	})
	backups := services.NewBackupService(core.DB, cfg.BackupDir, cfg.BackupKeep)
	a.scheduler.AddJob("backup", cfg.BackupInterval, backups.Run)
	a.admin = services.NewAdminService(core.DB, core.Users, a.scheduler, core.Fleet)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry); err != nil {
		core.Close()
		return nil, fmt.Errorf("ошибка регистрации метрик: %w", err)
	}

	handler := subscription.NewHandler(core.DB, subscription.NewAggregator(core.Fleet, core.DB), core.Tokens, 2*cfg.PanelRequestTimeout)
	a.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           subscription.NewRouter(handler, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("APP: Инициализация приложения завершена")
	return a, nil
}

// Run запускает фоновые задачи, бота и HTTP-сервер. Возвращается после отмены ctx и остановки всех частей.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start()

	botDone := make(chan struct{})
	if a.bot != nil {
		go func() {
			defer close(botDone)
			a.bot.Start(ctx, a.admin)
		}()
	} else {
		close(botDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP_SERVER: Запуск HTTP сервера на %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("ошибка HTTP сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP_SERVER: Ошибка остановки: %v", err)
	}
	a.scheduler.Stop()
	if runErr == nil {
		<-botDone
	}
	if err := a.Close(); err != nil {
		log.Printf("APP: Ошибка закрытия базы: %v", err)
	}
	log.Printf("APP: Приложение остановлено")
	return runErr
}
