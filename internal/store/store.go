// Package store is the SQLite persistence layer: schema bootstrap via a
// migration ledger, and CRUD for accounts, sticky sessions, usage stats,
// client tokens, and request logs.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the relay's SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dbPath and runs any
// pending migrations, tracked in the _migrations ledger.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	id  int
	sql string
}

var migrations = []migration{
	{1, `CREATE TABLE IF NOT EXISTS sticky_sessions (
		session_hash TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	)`},
	{2, `CREATE INDEX IF NOT EXISTS idx_sticky_sessions_expires_at ON sticky_sessions(expires_at)`},
	{3, `CREATE TABLE IF NOT EXISTS usage_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_api_key_hash TEXT NOT NULL,
		account_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		request_count INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`},
	{4, `CREATE INDEX IF NOT EXISTS idx_usage_stats_account_created ON usage_stats(account_id, created_at)`},
	{5, `CREATE INDEX IF NOT EXISTS idx_usage_stats_client_created ON usage_stats(client_api_key_hash, created_at)`},
	{6, `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		platform TEXT NOT NULL,
		credential_kind TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 100,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		api_url TEXT,
		proxy_json TEXT,
		api_key TEXT,
		refresh_token TEXT,
		organization_id TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME
	)`},
	{7, `CREATE INDEX IF NOT EXISTS idx_accounts_platform ON accounts(platform)`},
	{8, `CREATE TABLE IF NOT EXISTS client_tokens (
		id TEXT PRIMARY KEY,
		user_name TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'both',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME NOT NULL,
		revoked_at DATETIME,
		last_used_at DATETIME
	)`},
	{9, `CREATE INDEX IF NOT EXISTS idx_client_tokens_expires_at ON client_tokens(expires_at)`},
	{10, `CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		token_id TEXT,
		account_id TEXT,
		platform TEXT NOT NULL,
		model TEXT,
		stream BOOLEAN NOT NULL,
		status_code INTEGER NOT NULL,
		duration_ms INTEGER,
		error_message TEXT,
		request_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`},
	{11, `CREATE INDEX IF NOT EXISTS idx_request_logs_account_request ON request_logs(account_id, request_at DESC)`},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		id INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := s.db.Query(`SELECT id FROM _migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.id, err)
		}
		if _, err := s.db.Exec(`INSERT INTO _migrations (id) VALUES (?)`, m.id); err != nil {
			return fmt.Errorf("migration %d: record applied: %w", m.id, err)
		}
	}
	return nil
}
