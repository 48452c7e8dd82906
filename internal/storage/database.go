package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"ansr/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps *sql.DB with the driver name so queries written with `?`
// placeholders run unchanged against postgres.
type DB struct {
	*sql.DB
	driver string
}

// Driver reports the normalized driver name (sqlite3, mysql, postgres).
func (d *DB) Driver() string {
	return d.driver
}

// Rebind rewrites `?` placeholders into `$1..$n` for postgres and returns
// the query untouched for the other drivers.
func (d *DB) Rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.DB.ExecContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.DB.QueryRowContext(ctx, d.Rebind(query), args...)
}

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db     *sql.DB
		driver string
		err    error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		driver = "sqlite3"
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one pooled connection, otherwise :memory: databases fragment
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		driver = "mysql"
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case "postgres", "pgx":
		driver = "postgres"
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db, driver: driver}, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *DB) error {
	var stmts []string
	switch db.driver {
	case "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				email_verified_at DATETIME,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS auth_sessions (
				access_token TEXT PRIMARY KEY,
				refresh_token TEXT NOT NULL UNIQUE,
				user_id INTEGER NOT NULL,
				token_type TEXT NOT NULL DEFAULT 'bearer',
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				refresh_expires_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_auth_sessions_user ON auth_sessions(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_auth_sessions_expiry ON auth_sessions(expires_at)`,
			`CREATE TABLE IF NOT EXISTS campaigns (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				owner_id INTEGER NOT NULL,
				welcome_video_id TEXT NOT NULL DEFAULT '',
				thank_you_video_id TEXT NOT NULL DEFAULT '',
				thank_you_message TEXT NOT NULL DEFAULT '',
				thank_you_type TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(owner_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				external_id TEXT NOT NULL UNIQUE,
				campaign_id TEXT NOT NULL,
				user_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				last_activity_at DATETIME NOT NULL,
				UNIQUE(campaign_id, user_id),
				FOREIGN KEY(campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				external_id TEXT NOT NULL UNIQUE,
				conversation_id INTEGER NOT NULL,
				sender_id INTEGER NOT NULL,
				message_type TEXT NOT NULL,
				content TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'sent',
				created_at DATETIME NOT NULL,
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
				FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_at DESC)`,
			`CREATE TABLE IF NOT EXISTS quotes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				text TEXT NOT NULL,
				author TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS uploads (
				id TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				campaign_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				media_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_uploads_user ON uploads(user_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				email VARCHAR(255) NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL,
				email_verified_at DATETIME,
				metadata TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS auth_sessions (
				access_token VARCHAR(255) NOT NULL PRIMARY KEY,
				refresh_token VARCHAR(255) NOT NULL UNIQUE,
				user_id BIGINT UNSIGNED NOT NULL,
				token_type VARCHAR(32) NOT NULL DEFAULT 'bearer',
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				refresh_expires_at DATETIME NOT NULL,
				INDEX idx_auth_sessions_user (user_id),
				INDEX idx_auth_sessions_expiry (expires_at),
				CONSTRAINT fk_auth_sessions_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS campaigns (
				id VARCHAR(128) NOT NULL PRIMARY KEY,
				title VARCHAR(255) NOT NULL,
				description TEXT NOT NULL,
				owner_id BIGINT UNSIGNED NOT NULL,
				welcome_video_id VARCHAR(255) NOT NULL DEFAULT '',
				thank_you_video_id VARCHAR(255) NOT NULL DEFAULT '',
				thank_you_message TEXT NOT NULL,
				thank_you_type VARCHAR(32) NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				CONSTRAINT fk_campaigns_owner FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				external_id VARCHAR(64) NOT NULL UNIQUE,
				campaign_id VARCHAR(128) NOT NULL,
				user_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				last_activity_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_campaign_user (campaign_id, user_id),
				INDEX idx_conversations_activity (last_activity_at),
				CONSTRAINT fk_conversations_campaign FOREIGN KEY (campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE,
				CONSTRAINT fk_conversations_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				external_id VARCHAR(64) NOT NULL UNIQUE,
				conversation_id BIGINT UNSIGNED NOT NULL,
				sender_id BIGINT UNSIGNED NOT NULL,
				message_type VARCHAR(16) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				status VARCHAR(32) NOT NULL DEFAULT 'sent',
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_conversation (conversation_id),
				CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
				CONSTRAINT fk_messages_sender FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS quotes (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				text TEXT NOT NULL,
				author VARCHAR(255) NOT NULL DEFAULT '',
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS uploads (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				user_id BIGINT UNSIGNED NOT NULL,
				campaign_id VARCHAR(128) NOT NULL,
				kind VARCHAR(16) NOT NULL,
				media_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL DEFAULT 'pending',
				error TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				INDEX idx_uploads_user (user_id),
				CONSTRAINT fk_uploads_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case "postgres":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				email_verified_at TIMESTAMPTZ,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS auth_sessions (
				access_token TEXT PRIMARY KEY,
				refresh_token TEXT NOT NULL UNIQUE,
				user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				token_type TEXT NOT NULL DEFAULT 'bearer',
				created_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL,
				refresh_expires_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_auth_sessions_user ON auth_sessions(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_auth_sessions_expiry ON auth_sessions(expires_at)`,
			`CREATE TABLE IF NOT EXISTS campaigns (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				welcome_video_id TEXT NOT NULL DEFAULT '',
				thank_you_video_id TEXT NOT NULL DEFAULT '',
				thank_you_message TEXT NOT NULL DEFAULT '',
				thank_you_type TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id BIGSERIAL PRIMARY KEY,
				external_id TEXT NOT NULL UNIQUE,
				campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
				user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMPTZ NOT NULL,
				last_activity_at TIMESTAMPTZ NOT NULL,
				UNIQUE(campaign_id, user_id)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGSERIAL PRIMARY KEY,
				external_id TEXT NOT NULL UNIQUE,
				conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				message_type TEXT NOT NULL,
				content TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'sent',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_at DESC)`,
			`CREATE TABLE IF NOT EXISTS quotes (
				id BIGSERIAL PRIMARY KEY,
				text TEXT NOT NULL,
				author TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS uploads (
				id TEXT PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				campaign_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				media_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_uploads_user ON uploads(user_id)`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", db.driver)
	}

	for _, stmt := range stmts {
		if _, err := db.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", db.driver, err)
		}
	}
	return nil
}
