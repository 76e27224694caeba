// Package storage хранит серверы, пакеты, пользователей и токены портала в SQLite или PostgreSQL.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"xuiportal/common"
)

// ErrNotFound запись не найдена
var ErrNotFound = errors.New("запись не найдена")

// Dialect тип базы данных
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// DB обертка над *sql.DB, переписывающая плейсхолдеры под диалект
type DB struct {
	raw     *sql.DB
	dialect Dialect
	cfg     *common.Config
}

// Open подключается к базе по конфигурации и применяет схему
func Open(cfg *common.Config) (*DB, error) {
	var (
		raw     *sql.DB
		dialect Dialect
		err     error
	)

	switch strings.ToLower(cfg.DBType) {
	case "postgres", "postgresql":
		dialect = DialectPostgres
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			cfg.PGHost, cfg.PGPort, cfg.PGUser, cfg.PGPassword, cfg.PGDBName)
		raw, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
		}
		raw.SetMaxOpenConns(25)
		raw.SetMaxIdleConns(5)
		raw.SetConnMaxLifetime(5 * time.Minute)
	case "", "sqlite":
		dialect = DialectSQLite
		raw, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("ошибка открытия SQLite %s: %w", cfg.SQLitePath, err)
		}
		// in-memory база существует только в рамках одного соединения
		raw.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("неизвестный DB_TYPE: %s", cfg.DBType)
	}

	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ошибка проверки соединения с %s: %w", dialect, err)
	}

	db := &DB{raw: raw, dialect: dialect, cfg: cfg}
	if err := db.migrate(); err != nil {
		raw.Close()
		return nil, err
	}
	log.Printf("STORAGE: База %s подключена", dialect)
	return db, nil
}

// Dialect возвращает диалект базы
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close закрывает соединение
func (db *DB) Close() error {
	if db == nil || db.raw == nil {
		return nil
	}
	log.Printf("STORAGE: База %s отключена", db.dialect)
	return db.raw.Close()
}

// Ping проверяет соединение
func (db *DB) Ping() error {
	return db.raw.Ping()
}

func (db *DB) exec(query string, args ...any) (sql.Result, error) {
	return db.raw.Exec(rewriteQuery(db.dialect, query), args...)
}

func (db *DB) query(query string, args ...any) (*sql.Rows, error) {
	return db.raw.Query(rewriteQuery(db.dialect, query), args...)
}

func (db *DB) queryRow(query string, args ...any) *sql.Row {
	return db.raw.QueryRow(rewriteQuery(db.dialect, query), args...)
}

func (db *DB) begin() (*tx, error) {
	raw, err := db.raw.Begin()
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	return &tx{raw: raw, dialect: db.dialect}, nil
}

func (db *DB) insert(query string, args ...any) (int64, error) {
	return insertReturningID(db.dialect, db.raw.QueryRow, db.raw.Exec, query, args...)
}

// tx транзакция с тем же переписыванием запросов
type tx struct {
	raw     *sql.Tx
	dialect Dialect
}

func (t *tx) exec(query string, args ...any) (sql.Result, error) {
	return t.raw.Exec(rewriteQuery(t.dialect, query), args...)
}

func (t *tx) insert(query string, args ...any) (int64, error) {
	return insertReturningID(t.dialect, t.raw.QueryRow, t.raw.Exec, query, args...)
}

func (t *tx) commit() error   { return t.raw.Commit() }
func (t *tx) rollback() error { return t.raw.Rollback() }

func insertReturningID(dialect Dialect,
	queryRow func(string, ...any) *sql.Row,
	exec func(string, ...any) (sql.Result, error),
	query string, args ...any) (int64, error) {

	q := rewriteQuery(dialect, query)
	if dialect == DialectPostgres {
		q = strings.TrimRight(q, "; \t\n") + " RETURNING id"
		var id int64
		if err := queryRow(q, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := exec(q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// rewriteQuery заменяет плейсхолдеры ? на $N для PostgreSQL, не трогая строковые литералы
func rewriteQuery(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var buf strings.Builder
	buf.Grow(len(query) + 16)
	n := 1
	inString := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if ch == '?' && !inString {
			fmt.Fprintf(&buf, "$%d", n)
			n++
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}

func toUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func nowUnix() int64 {
	return time.Now().Unix()
}
