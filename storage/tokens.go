package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xuiportal/common"
)

// SaveToken сохраняет выданный токен
func (db *DB) SaveToken(t *common.IssuedToken) error {
	now := nowUnix()
	id, err := db.insert(`INSERT INTO issued_tokens (user_id, token_id, expires_at, is_revoked, user_agent, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.TokenID, t.ExpiresAt.Unix(), t.IsRevoked, t.UserAgent, t.IPAddress, now)
	if err != nil {
		return fmt.Errorf("ошибка сохранения токена пользователя %d: %w", t.UserID, err)
	}
	t.ID = id
	t.CreatedAt = time.Unix(now, 0)
	return nil
}

// GetToken возвращает токен по идентификатору jti
func (db *DB) GetToken(tokenID string) (*common.IssuedToken, error) {
	var t common.IssuedToken
	var expiresAt, createdAt int64
	err := db.queryRow(`SELECT id, user_id, token_id, expires_at, is_revoked, user_agent, ip_address, created_at
		FROM issued_tokens WHERE token_id = ?`, tokenID).
		Scan(&t.ID, &t.UserID, &t.TokenID, &expiresAt, &t.IsRevoked, &t.UserAgent, &t.IPAddress, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения токена: %w", err)
	}
	t.ExpiresAt = time.Unix(expiresAt, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

// RevokeToken отзывает один токен
func (db *DB) RevokeToken(tokenID string) error {
	res, err := db.exec(`UPDATE issued_tokens SET is_revoked = ? WHERE token_id = ?`, true, tokenID)
	if err != nil {
		return fmt.Errorf("ошибка отзыва токена: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeUserTokens отзывает все токены пользователя
func (db *DB) RevokeUserTokens(userID int64) (int64, error) {
	res, err := db.exec(`UPDATE issued_tokens SET is_revoked = ? WHERE user_id = ? AND is_revoked = ?`, true, userID, false)
	if err != nil {
		return 0, fmt.Errorf("ошибка отзыва токенов пользователя %d: %w", userID, err)
	}
	return res.RowsAffected()
}

// DeleteExpiredTokens удаляет токены с истекшим сроком и возвращает их число
func (db *DB) DeleteExpiredTokens(now time.Time) (int64, error) {
	res, err := db.exec(`DELETE FROM issued_tokens WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления просроченных токенов: %w", err)
	}
	return res.RowsAffected()
}
