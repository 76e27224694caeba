package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Backup сохраняет копию базы в файл path.
// SQLite копируется через VACUUM INTO, PostgreSQL выгружается pg_dump.
func (db *DB) Backup(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ошибка создания директории бэкапа: %v", err)
	}

	if db.dialect == DialectSQLite {
		quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"
		if _, err := db.raw.ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
			return fmt.Errorf("ошибка создания бэкапа SQLite: %w", err)
		}
		return nil
	}

	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", db.cfg.PGHost, "-p", db.cfg.PGPort, "-U", db.cfg.PGUser, "-d", db.cfg.PGDBName, "-f", path)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+db.cfg.PGPassword)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ошибка создания бэкапа PostgreSQL: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BackupExtension расширение файла бэкапа для диалекта
func (db *DB) BackupExtension() string {
	if db.dialect == DialectPostgres {
		return ".sql"
	}
	return ".db"
}
