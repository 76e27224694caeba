package common

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config настройки портала, загружаются из переменных окружения
type Config struct {
	// База данных
	DBType     string // sqlite или postgres
	SQLitePath string
	PGHost     string
	PGPort     string
	PGUser     string
	PGPassword string
	PGDBName   string

	// HTTP
	HTTPAddr string

	// Панели 3x-ui
	CacheInboundsDuration time.Duration
	PanelRequestTimeout   time.Duration
	PanelTLSVerify        bool
	PanelRemoteUUID       bool
	FleetWorkers          int

	// Планировщик
	MonitorInterval        time.Duration
	InboundRefreshInterval time.Duration
	TokenCleanupInterval   time.Duration

	// Резервные копии базы
	BackupDir      string
	BackupInterval time.Duration
	BackupKeep     int

	// Токены
	JWTSecret string
	JWTTTL    time.Duration

	// Telegram уведомления администратору
	BotToken string
	AdminID  int64
}

// LoadConfig читает конфигурацию из окружения. Переменные из .env не перекрывают уже заданные.
func LoadConfig(envFiles ...string) *Config {
	if err := godotenv.Load(envFiles...); err != nil {
		log.Printf("CONFIG: .env не найден, используются переменные окружения и значения по умолчанию")
	}

	cfg := &Config{
		DBType:     strings.ToLower(getEnvOrDefault("DB_TYPE", "sqlite")),
		SQLitePath: getEnvOrDefault("SQLITE_PATH", "portal.db"),
		PGHost:     getEnvOrDefault("PG_HOST", "localhost"),
		PGPort:     getEnvOrDefault("PG_PORT", "5432"),
		PGUser:     getEnvOrDefault("PG_USER", "portal"),
		PGPassword: getEnvOrDefault("PG_PASSWORD", ""),
		PGDBName:   getEnvOrDefault("PG_DBNAME", "portal"),

		HTTPAddr: getEnvOrDefault("HTTP_ADDR", ":8081"),

		CacheInboundsDuration: getEnvSeconds("CACHE_INBOUNDS_DURATION", 60),
		PanelRequestTimeout:   getEnvSeconds("PANEL_REQUEST_TIMEOUT", 10),
		PanelTLSVerify:        getEnvBool("PANEL_TLS_VERIFY", true),
		PanelRemoteUUID:       getEnvBool("PANEL_REMOTE_UUID", false),
		FleetWorkers:          getEnvInt("FLEET_WORKERS", 4),

		MonitorInterval:        getEnvSeconds("MONITOR_INTERVAL", 60),
		InboundRefreshInterval: getEnvSeconds("INBOUND_REFRESH_INTERVAL", 60),
		TokenCleanupInterval:   getEnvSeconds("TOKEN_CLEANUP_INTERVAL", 3600),

		BackupDir:      getEnvOrDefault("BACKUP_DIR", "backups/backupdb"),
		BackupInterval: getEnvSeconds("BACKUP_INTERVAL", 3600),
		BackupKeep:     getEnvInt("BACKUP_KEEP", 24),

		JWTSecret: getEnvOrDefault("JWT_SECRET", ""),
		JWTTTL:    getEnvSeconds("JWT_TTL", 7*24*3600),

		BotToken: getEnvOrDefault("BOT_TOKEN", ""),
		AdminID:  int64(getEnvInt("ADMIN_ID", 0)),
	}

	if cfg.FleetWorkers <= 0 {
		cfg.FleetWorkers = 1
	}
	if cfg.JWTSecret == "" {
		log.Printf("CONFIG: JWT_SECRET не задан, токены доступа будут недействительны после перезапуска")
	}
	return cfg
}

// getEnvOrDefault возвращает значение переменной окружения или значение по умолчанию
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("CONFIG: Некорректное значение %s=%q, используется %d", key, raw, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("CONFIG: Некорректное значение %s=%q, используется %v", key, raw, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvSeconds читает длительность в секундах
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	seconds := getEnvInt(key, defaultSeconds)
	if seconds <= 0 {
		seconds = defaultSeconds
	}
	return time.Duration(seconds) * time.Second
}
