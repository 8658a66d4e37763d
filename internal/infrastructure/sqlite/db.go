package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS grocery_items (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS aliases (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	grocery_item_id INTEGER NOT NULL REFERENCES grocery_items(id) ON DELETE CASCADE,
	alias           TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS preferred_products (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	grocery_item_id    INTEGER NOT NULL REFERENCES grocery_items(id) ON DELETE CASCADE,
	rank               INTEGER NOT NULL,
	name               TEXT NOT NULL,
	price              TEXT NOT NULL DEFAULT '',
	image_url          TEXT NOT NULL DEFAULT '',
	url                TEXT NOT NULL,
	url_key            TEXT NOT NULL,
	brand              TEXT NOT NULL DEFAULT '',
	item_id            TEXT NOT NULL DEFAULT '',
	last_seen_in_stock DATETIME,
	UNIQUE (grocery_item_id, url_key)
);

CREATE INDEX IF NOT EXISTS idx_preferred_products_item ON preferred_products (grocery_item_id, rank);

CREATE TABLE IF NOT EXISTS order_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT NOT NULL,
	source_text      TEXT NOT NULL,
	grocery_item_id  INTEGER REFERENCES grocery_items(id) ON DELETE SET NULL,
	proposed_product TEXT NOT NULL DEFAULT '',
	final_product    TEXT NOT NULL DEFAULT '',
	product_url      TEXT NOT NULL DEFAULT '',
	was_corrected    BOOLEAN NOT NULL DEFAULT 0,
	added_to_cart    BOOLEAN NOT NULL DEFAULT 0,
	skipped          BOOLEAN NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_log_session ON order_log (session_id);
CREATE INDEX IF NOT EXISTS idx_order_log_created ON order_log (created_at);
`

// Open connects to the sqlite database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(path string) (*sqlx.DB, error) {
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn += "&_journal_mode=WAL"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := InitDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// InitDatabase applies the schema. It is safe to run on every start.
func InitDatabase(db *sqlx.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
