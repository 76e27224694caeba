package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupPrefix = "portal_backup_"

// Backuper база, умеющая сохранять свою копию
type Backuper interface {
	Backup(ctx context.Context, path string) error
	BackupExtension() string
}

// BackupService периодический бэкап базы с ротацией старых копий
type BackupService struct {
	db   Backuper
	dir  string
	keep int
	now  func() time.Time
}

// NewBackupService создает сервис бэкапов. keep <= 0 отключает ротацию.
func NewBackupService(db Backuper, dir string, keep int) *BackupService {
	return &BackupService{db: db, dir: dir, keep: keep, now: time.Now}
}

// Run создает бэкап и удаляет копии сверх лимита
func (bs *BackupService) Run(ctx context.Context) error {
	name := backupPrefix + bs.now().Format("20060102_150405") + bs.db.BackupExtension()
	path := filepath.Join(bs.dir, name)
	if err := bs.db.Backup(ctx, path); err != nil {
		return err
	}
	log.Printf("BACKUP: Бэкап создан: %s", path)
	return bs.prune()
}

func (bs *BackupService) prune() error {
	if bs.keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(bs.dir)
	if err != nil {
		return fmt.Errorf("ошибка чтения директории бэкапов: %v", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= bs.keep {
		return nil
	}

	// имена содержат время, сортировка по имени хронологическая
	sort.Strings(names)
	for _, name := range names[:len(names)-bs.keep] {
		if err := os.Remove(filepath.Join(bs.dir, name)); err != nil {
			log.Printf("BACKUP: Ошибка удаления старого бэкапа %s: %v", name, err)
			continue
		}
		log.Printf("BACKUP: Удален старый бэкап %s", name)
	}
	return nil
}
