package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chaz8081/badgelink/internal/badge"
)

// SQLiteStore keeps every saved identity in SQLite. The most recent one is
// the active identity.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open badge db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate badge db: %w", err)
	}
	slog.Debug("[STORE] opened", "path", dbPath)
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS badges (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			service_id      TEXT NOT NULL,
			address         TEXT NOT NULL,
			key_hex         TEXT NOT NULL,
			characteristics TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadLast returns the most recently saved identity.
func (s *SQLiteStore) LoadLast(ctx context.Context) (*badge.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT service_id, address, key_hex, characteristics FROM badges ORDER BY id DESC LIMIT 1",
	)
	var serviceID, address, keyHex, chars string
	if err := row.Scan(&serviceID, &address, &keyHex, &chars); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id, err := decodeIdentity(serviceID, address, keyHex, chars)
	if err != nil {
		return nil, fmt.Errorf("store: decode badge: %w", err)
	}
	return id, nil
}

// Save appends id, making it the active identity.
func (s *SQLiteStore) Save(ctx context.Context, id *badge.Identity) error {
	chars, err := marshalBindings(id.Characteristics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO badges (service_id, address, key_hex, characteristics, created_at) VALUES (?, ?, ?, ?, ?)",
		id.ServiceID.String(), id.Address, hex.EncodeToString(id.Key[:]), chars,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Count returns the number of identities ever saved.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM badges").Scan(&n)
	return n, err
}
