package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const busyTimeout = 5 * time.Second

// OpenDB opens (creating if needed) the sqlite database file at dbPath with
// WAL journaling and a busy timeout, so several workers in one process can
// share it.
func OpenDB(dbPath string) (*sql.DB, error) {
	zlog.Debug().Str("path", dbPath).Msg("Initializing SQLite database")

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if dbPath == ":memory:" {
		// every new connection to :memory: is a distinct, empty database
		db.SetMaxOpenConns(1)
	}

	zlog.Debug().Msg("SQLite database initialized successfully")
	return db, nil
}

func dsn(dbPath string) string {
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file:") {
		return dbPath
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		dbPath, busyTimeout.Milliseconds())
}

// NewStorageFromPath opens the database at dbPath, migrates it and returns a
// ready Storage.
func NewStorageFromPath(dbPath string) (*Storage, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	storage := NewStorage(db)
	if err := storage.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}
