package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xuiportal/common"
)

const userColumns = `id, username, email, package_id, package_expire_time, next_reset_time, reset_day,
	used_traffic, subscription_token, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*common.User, error) {
	var u common.User
	var packageID, expire, nextReset sql.NullInt64
	var token sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &packageID, &expire, &nextReset, &u.ResetDay,
		&u.UsedTraffic, &token, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if packageID.Valid {
		id := packageID.Int64
		u.PackageID = &id
	}
	u.PackageExpireTime = fromUnix(expire)
	u.NextResetTime = fromUnix(nextReset)
	u.SubscriptionToken = token.String
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return &u, nil
}

func (db *DB) getUser(where string, arg any) (*common.User, error) {
	u, err := scanUser(db.queryRow(`SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}

// GetUser возвращает пользователя по id
func (db *DB) GetUser(id int64) (*common.User, error) {
	return db.getUser(`id = ?`, id)
}

// GetUserByEmail возвращает пользователя по email
func (db *DB) GetUserByEmail(email string) (*common.User, error) {
	return db.getUser(`email = ?`, email)
}

// GetUserBySubscriptionToken возвращает пользователя по токену подписки
func (db *DB) GetUserBySubscriptionToken(token string) (*common.User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return db.getUser(`subscription_token = ?`, token)
}

func (db *DB) listUsers(where string, args ...any) ([]common.User, error) {
	rows, err := db.query(`SELECT `+userColumns+` FROM users `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей: %w", err)
	}
	defer rows.Close()

	var users []common.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения пользователя: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ListUsersWithPackage возвращает пользователей с назначенным пакетом
func (db *DB) ListUsersWithPackage() ([]common.User, error) {
	return db.listUsers(`WHERE package_id IS NOT NULL`)
}

// ListUsersByPackage возвращает пользователей пакета
func (db *DB) ListUsersByPackage(packageID int64) ([]common.User, error) {
	return db.listUsers(`WHERE package_id = ?`, packageID)
}

// ListUsersDueReset возвращает пользователей, у которых наступило время сброса трафика
func (db *DB) ListUsersDueReset(now time.Time) ([]common.User, error) {
	return db.listUsers(`WHERE package_id IS NOT NULL AND next_reset_time IS NOT NULL AND next_reset_time <= ?`, now.Unix())
}

// CreateUser создает пользователя
func (db *DB) CreateUser(u *common.User) error {
	now := nowUnix()
	var token sql.NullString
	if u.SubscriptionToken != "" {
		token = sql.NullString{String: u.SubscriptionToken, Valid: true}
	}
	var packageID sql.NullInt64
	if u.PackageID != nil {
		packageID = sql.NullInt64{Int64: *u.PackageID, Valid: true}
	}

	id, err := db.insert(`INSERT INTO users (username, email, package_id, package_expire_time, next_reset_time,
		reset_day, used_traffic, subscription_token, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.Email, packageID, toUnix(u.PackageExpireTime), toUnix(u.NextResetTime),
		u.ResetDay, u.UsedTraffic, token, now, now)
	if err != nil {
		return fmt.Errorf("ошибка создания пользователя %s: %w", u.Email, err)
	}
	u.ID = id
	u.CreatedAt = time.Unix(now, 0)
	u.UpdatedAt = u.CreatedAt
	return nil
}

// UpdateUsedTraffic сохраняет вычисленный трафик пользователя
func (db *DB) UpdateUsedTraffic(userID, used int64) error {
	if _, err := db.exec(`UPDATE users SET used_traffic = ?, updated_at = ? WHERE id = ?`, used, nowUnix(), userID); err != nil {
		return fmt.Errorf("ошибка сохранения трафика пользователя %d: %w", userID, err)
	}
	return nil
}

// SetUserPackage назначает пакет или снимает его при packageID == nil
func (db *DB) SetUserPackage(userID int64, packageID *int64, expire, nextReset *time.Time, resetDay int) error {
	var pkg sql.NullInt64
	if packageID != nil {
		pkg = sql.NullInt64{Int64: *packageID, Valid: true}
	}
	_, err := db.exec(`UPDATE users SET package_id = ?, package_expire_time = ?, next_reset_time = ?, reset_day = ?,
		used_traffic = 0, updated_at = ? WHERE id = ?`,
		pkg, toUnix(expire), toUnix(nextReset), resetDay, nowUnix(), userID)
	if err != nil {
		return fmt.Errorf("ошибка назначения пакета пользователю %d: %w", userID, err)
	}
	return nil
}

// UpdatePackageTerms меняет срок и дату сброса текущего пакета, не трогая трафик
func (db *DB) UpdatePackageTerms(userID int64, expire, nextReset *time.Time, resetDay int) error {
	res, err := db.exec(`UPDATE users SET package_expire_time = ?, next_reset_time = ?, reset_day = ?, updated_at = ?
		WHERE id = ? AND package_id IS NOT NULL`,
		toUnix(expire), toUnix(nextReset), resetDay, nowUnix(), userID)
	if err != nil {
		return fmt.Errorf("ошибка обновления условий пакета пользователя %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser удаляет пользователя вместе со статусом узлов и выданными токенами
func (db *DB) DeleteUser(userID int64) error {
	t, err := db.begin()
	if err != nil {
		return err
	}
	defer t.rollback()

	if _, err := t.exec(`DELETE FROM user_node_status WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("ошибка удаления статуса пользователя %d: %w", userID, err)
	}
	if _, err := t.exec(`DELETE FROM issued_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("ошибка удаления токенов пользователя %d: %w", userID, err)
	}
	res, err := t.exec(`DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("ошибка удаления пользователя %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.commit()
}

// CompleteReset обнуляет трафик и переносит дату следующего сброса.
// Дата переносится только вперед.
func (db *DB) CompleteReset(userID int64, nextReset time.Time) error {
	res, err := db.exec(`UPDATE users SET used_traffic = 0, next_reset_time = ?, updated_at = ?
		WHERE id = ? AND (next_reset_time IS NULL OR next_reset_time < ?)`,
		nextReset.Unix(), nowUnix(), userID, nextReset.Unix())
	if err != nil {
		return fmt.Errorf("ошибка сохранения сброса пользователя %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("дата сброса пользователя %d не может двигаться назад", userID)
	}
	return nil
}

// SetSubscriptionToken сохраняет новый токен подписки
func (db *DB) SetSubscriptionToken(userID int64, token string) error {
	if _, err := db.exec(`UPDATE users SET subscription_token = ?, updated_at = ? WHERE id = ?`, token, nowUnix(), userID); err != nil {
		return fmt.Errorf("ошибка сохранения токена подписки пользователя %d: %w", userID, err)
	}
	return nil
}
