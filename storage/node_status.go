package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xuiportal/common"
)

// GetNodeStatus возвращает статус пользователя на узлах. Отсутствие записи означает, что пользователь включен.
func (db *DB) GetNodeStatus(userID int64) (common.UserNodeStatus, error) {
	status := common.UserNodeStatus{UserID: userID}
	var disabledAt sql.NullInt64
	err := db.queryRow(`SELECT is_disabled, disable_reason, disabled_at FROM user_node_status WHERE user_id = ?`, userID).
		Scan(&status.IsDisabled, &status.DisableReason, &disabledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("ошибка получения статуса пользователя %d: %w", userID, err)
	}
	status.DisabledAt = fromUnix(disabledAt)
	return status, nil
}

// MarkDisabled сохраняет отключение пользователя с причиной
func (db *DB) MarkDisabled(userID int64, reason string, at time.Time) error {
	_, err := db.exec(`INSERT INTO user_node_status (user_id, is_disabled, disable_reason, disabled_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET is_disabled = excluded.is_disabled, disable_reason = excluded.disable_reason,
			disabled_at = excluded.disabled_at, updated_at = excluded.updated_at`,
		userID, true, reason, at.Unix(), nowUnix())
	if err != nil {
		return fmt.Errorf("ошибка сохранения отключения пользователя %d: %w", userID, err)
	}
	return nil
}

// ClearNodeStatus удаляет запись статуса, пользователь считается включенным
func (db *DB) ClearNodeStatus(userID int64) error {
	if _, err := db.exec(`DELETE FROM user_node_status WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("ошибка сброса статуса пользователя %d: %w", userID, err)
	}
	return nil
}
