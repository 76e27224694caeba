package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xuiportal/common"
)

const serverColumns = `id, board_name, server, port, path, sub_path, username, password, created_at, updated_at`

func scanServer(row interface{ Scan(...any) error }) (*common.ServerConfig, error) {
	var s common.ServerConfig
	var createdAt, updatedAt int64
	if err := row.Scan(&s.ID, &s.BoardName, &s.Server, &s.Port, &s.Path, &s.SubPath,
		&s.Username, &s.Password, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}

// ListServers возвращает все серверы по имени борда
func (db *DB) ListServers() ([]common.ServerConfig, error) {
	rows, err := db.query(`SELECT ` + serverColumns + ` FROM server_configs ORDER BY board_name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения серверов: %w", err)
	}
	defer rows.Close()

	var servers []common.ServerConfig
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения сервера: %w", err)
		}
		servers = append(servers, *s)
	}
	return servers, rows.Err()
}

// GetServer возвращает сервер по имени борда
func (db *DB) GetServer(board string) (*common.ServerConfig, error) {
	s, err := scanServer(db.queryRow(`SELECT `+serverColumns+` FROM server_configs WHERE board_name = ?`, board))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сервера %s: %w", board, err)
	}
	return s, nil
}

// SaveServer создает сервер или обновляет существующий с тем же board_name
func (db *DB) SaveServer(s *common.ServerConfig) error {
	now := nowUnix()
	existing, err := db.GetServer(s.BoardName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if existing != nil {
		_, err = db.exec(`UPDATE server_configs SET server = ?, port = ?, path = ?, sub_path = ?,
			username = ?, password = ?, updated_at = ? WHERE id = ?`,
			s.Server, s.Port, s.Path, s.SubPath, s.Username, s.Password, now, existing.ID)
		if err != nil {
			return fmt.Errorf("ошибка обновления сервера %s: %w", s.BoardName, err)
		}
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
		s.UpdatedAt = time.Unix(now, 0)
		return nil
	}

	id, err := db.insert(`INSERT INTO server_configs (board_name, server, port, path, sub_path, username, password,
		created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.BoardName, s.Server, s.Port, s.Path, s.SubPath, s.Username, s.Password, now, now)
	if err != nil {
		return fmt.Errorf("ошибка создания сервера %s: %w", s.BoardName, err)
	}
	s.ID = id
	s.CreatedAt = time.Unix(now, 0)
	s.UpdatedAt = s.CreatedAt
	return nil
}

// DeleteServer удаляет сервер по имени борда
func (db *DB) DeleteServer(board string) error {
	res, err := db.exec(`DELETE FROM server_configs WHERE board_name = ?`, board)
	if err != nil {
		return fmt.Errorf("ошибка удаления сервера %s: %w", board, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBoardNodes считает узлы пакетов, ссылающиеся на борд
func (db *DB) CountBoardNodes(board string) (int, error) {
	var count int
	if err := db.queryRow(`SELECT COUNT(*) FROM package_nodes WHERE board_name = ?`, board).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчета узлов борда %s: %w", board, err)
	}
	return count, nil
}
