package storage

import (
	"fmt"
	"strings"
)

// Время хранится в BIGINT unix-секундах
var schema = []string{
	`CREATE TABLE IF NOT EXISTS server_configs (
		id {{ID}},
		board_name VARCHAR(50) NOT NULL UNIQUE,
		server VARCHAR(255) NOT NULL,
		port INTEGER NOT NULL,
		path VARCHAR(255) NOT NULL,
		sub_path VARCHAR(255) NOT NULL,
		username VARCHAR(255) NOT NULL,
		password VARCHAR(255) NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS packages (
		id {{ID}},
		name VARCHAR(100) NOT NULL UNIQUE,
		total_traffic BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS package_nodes (
		id {{ID}},
		package_id BIGINT NOT NULL,
		board_name VARCHAR(50) NOT NULL,
		inbound_id INTEGER NOT NULL,
		node_name VARCHAR(255) NOT NULL DEFAULT '',
		traffic_rate {{FLOAT}} NOT NULL DEFAULT 1.0,
		created_at BIGINT NOT NULL,
		UNIQUE (package_id, board_name, inbound_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_package_nodes_board ON package_nodes (board_name)`,
	`CREATE TABLE IF NOT EXISTS users (
		id {{ID}},
		username VARCHAR(80) NOT NULL UNIQUE,
		email VARCHAR(120) NOT NULL UNIQUE,
		package_id BIGINT,
		package_expire_time BIGINT,
		next_reset_time BIGINT,
		reset_day INTEGER NOT NULL DEFAULT 0,
		used_traffic BIGINT NOT NULL DEFAULT 0,
		subscription_token VARCHAR(64) UNIQUE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_package ON users (package_id)`,
	`CREATE TABLE IF NOT EXISTS user_node_status (
		user_id BIGINT PRIMARY KEY,
		is_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		disable_reason VARCHAR(100) NOT NULL DEFAULT '',
		disabled_at BIGINT,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS issued_tokens (
		id {{ID}},
		user_id BIGINT NOT NULL,
		token_id VARCHAR(64) NOT NULL UNIQUE,
		expires_at BIGINT NOT NULL,
		is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
		user_agent VARCHAR(500) NOT NULL DEFAULT '',
		ip_address VARCHAR(50) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_issued_tokens_expires ON issued_tokens (expires_at)`,
	`CREATE TABLE IF NOT EXISTS mihomo_templates (
		id {{ID}},
		name VARCHAR(100) NOT NULL UNIQUE,
		content TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	)`,
}

func (db *DB) migrate() error {
	types := strings.NewReplacer(
		"{{ID}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{FLOAT}}", "REAL",
	)
	if db.dialect == DialectPostgres {
		types = strings.NewReplacer(
			"{{ID}}", "BIGSERIAL PRIMARY KEY",
			"{{FLOAT}}", "DOUBLE PRECISION",
		)
	}

	for _, stmt := range schema {
		if _, err := db.raw.Exec(types.Replace(stmt)); err != nil {
			return fmt.Errorf("ошибка применения схемы: %w", err)
		}
	}
	return nil
}
