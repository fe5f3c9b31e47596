package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"

	"scalper/internal/trading/book"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS run_history (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	ended_at   INTEGER NOT NULL
)`

// SQLiteStore implements HistoryStore on a SQLite file
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, entry book.RunHistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	checksum := sha256.Sum256(data)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_history (id, data, checksum, ended_at) VALUES (?, ?, ?, ?)`,
		entry.ID, string(data), checksum[:], entry.EndTime.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	// keep only the newest entries
	_, err = tx.ExecContext(ctx,
		`DELETE FROM run_history WHERE id NOT IN (SELECT id FROM run_history ORDER BY ended_at DESC LIMIT ?)`,
		MaxHistoryEntries)
	if err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context) ([]book.RunHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, checksum FROM run_history ORDER BY ended_at DESC LIMIT ?`, MaxHistoryEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var entries []book.RunHistoryEntry
	for rows.Next() {
		var data string
		var stored []byte
		if err := rows.Scan(&data, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		computed := sha256.Sum256([]byte(data))
		if !bytes.Equal(stored, computed[:]) {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}

		var entry book.RunHistoryEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
