package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// unsetEnv убирает переменную на время теста и восстанавливает ее после
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// TestLoadConfig тестирует чтение .env, приоритет окружения и исправление некорректных значений
func TestLoadConfig(t *testing.T) {
	unsetEnv(t, "HTTP_ADDR", "FLEET_WORKERS", "MONITOR_INTERVAL", "DB_TYPE", "PANEL_TLS_VERIFY", "CACHE_INBOUNDS_DURATION")
	t.Setenv("BACKUP_KEEP", "5")

	envFile := filepath.Join(t.TempDir(), ".env")
	content := "HTTP_ADDR=:9090\nFLEET_WORKERS=0\nMONITOR_INTERVAL=abc\nDB_TYPE=Postgres\nPANEL_TLS_VERIFY=false\nBACKUP_KEEP=7\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(envFile)

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, ожидалось :9090", cfg.HTTPAddr)
	}
	if cfg.DBType != "postgres" {
		t.Errorf("DBType = %q, ожидалось postgres", cfg.DBType)
	}
	if cfg.FleetWorkers != 1 {
		t.Errorf("FleetWorkers = %d, ожидалось 1 при нулевом значении", cfg.FleetWorkers)
	}
	if cfg.MonitorInterval != time.Minute {
		t.Errorf("MonitorInterval = %v, ожидалось значение по умолчанию", cfg.MonitorInterval)
	}
	if cfg.PanelTLSVerify {
		t.Error("PanelTLSVerify должен быть false")
	}
	if cfg.BackupKeep != 5 {
		t.Errorf("BackupKeep = %d, .env не должен перекрывать окружение", cfg.BackupKeep)
	}
	if cfg.CacheInboundsDuration != 60*time.Second {
		t.Errorf("CacheInboundsDuration = %v, ожидалось 60s", cfg.CacheInboundsDuration)
	}
}

// TestLoadConfig_MissingEnvFile тестирует работу без .env
func TestLoadConfig_MissingEnvFile(t *testing.T) {
	unsetEnv(t, "SQLITE_PATH")
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	if cfg.SQLitePath != "portal.db" {
		t.Errorf("SQLitePath = %q, ожидалось значение по умолчанию", cfg.SQLitePath)
	}
}
