package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xuiportal/common"
)

// SaveTemplate создает шаблон Mihomo. Активный шаблон может быть только один.
func (db *DB) SaveTemplate(tpl *common.MihomoTemplate) error {
	t, err := db.begin()
	if err != nil {
		return err
	}
	defer t.rollback()

	if tpl.IsActive {
		if _, err := t.exec(`UPDATE mihomo_templates SET is_active = ?`, false); err != nil {
			return fmt.Errorf("ошибка деактивации шаблонов: %w", err)
		}
	}
	now := nowUnix()
	id, err := t.insert(`INSERT INTO mihomo_templates (name, content, is_active, created_at) VALUES (?, ?, ?, ?)`,
		tpl.Name, tpl.Content, tpl.IsActive, now)
	if err != nil {
		return fmt.Errorf("ошибка сохранения шаблона %s: %w", tpl.Name, err)
	}
	if err := t.commit(); err != nil {
		return err
	}
	tpl.ID = id
	tpl.CreatedAt = time.Unix(now, 0)
	return nil
}

// ActivateTemplate делает шаблон активным и снимает флаг с остальных
func (db *DB) ActivateTemplate(id int64) error {
	t, err := db.begin()
	if err != nil {
		return err
	}
	defer t.rollback()

	if _, err := t.exec(`UPDATE mihomo_templates SET is_active = ?`, false); err != nil {
		return fmt.Errorf("ошибка деактивации шаблонов: %w", err)
	}
	res, err := t.exec(`UPDATE mihomo_templates SET is_active = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("ошибка активации шаблона %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.commit()
}

// GetActiveTemplate возвращает активный шаблон Mihomo
func (db *DB) GetActiveTemplate() (*common.MihomoTemplate, error) {
	var tpl common.MihomoTemplate
	var createdAt int64
	err := db.queryRow(`SELECT id, name, content, is_active, created_at FROM mihomo_templates WHERE is_active = ? ORDER BY id LIMIT 1`, true).
		Scan(&tpl.ID, &tpl.Name, &tpl.Content, &tpl.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения активного шаблона: %w", err)
	}
	tpl.CreatedAt = time.Unix(createdAt, 0)
	return &tpl, nil
}
