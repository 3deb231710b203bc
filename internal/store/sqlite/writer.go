// Package sqlite is a store.Backend on a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"signalbot/internal/logger"
	"signalbot/internal/model"
)

// snapshots kept after each insert
const keepSnapshots = 10

// Config configures the SQLite store.
type Config struct {
	DBPath string // e.g. "data/signalbot.db"
	Logger *zap.Logger
}

// Store is a SQLite-backed store.Backend.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := logger.OrNop(cfg.Logger).With(zap.String("component", "sqlite"))
	log.Info("opened database", zap.String("path", cfg.DBPath))
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reference_prices (
			chat_id    INTEGER PRIMARY KEY,
			price      REAL    NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id    INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			signal     TEXT    NOT NULL,
			price      REAL    NOT NULL,
			rsi        REAL    NOT NULL,
			usd_change REAL    NOT NULL,
			pct_change REAL    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS history_chat ON history (chat_id, id);

		CREATE TABLE IF NOT EXISTS subscribers (
			chat_id    INTEGER PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_locks (
			chat_id    INTEGER PRIMARY KEY,
			owner      TEXT    NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS indicator_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

func (s *Store) SaveReference(ctx context.Context, chatID int64, price float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_prices (chat_id, price, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET price = excluded.price, updated_at = excluded.updated_at
	`, chatID, price, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite save reference: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, chatID int64, e model.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (chat_id, ts, signal, price, rsi, usd_change, pct_change)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, chatID, e.Timestamp.UnixNano(), string(e.Signal), e.Price, e.RSI, e.USDChange, e.PctChange)
	if err != nil {
		return fmt.Errorf("sqlite append history: %w", err)
	}
	return nil
}

func (s *Store) AddSubscriber(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscribers (chat_id, created_at) VALUES (?, ?)`,
		chatID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite add subscriber: %w", err)
	}
	return nil
}

// Delete removes the chat's rows from all three tables in one transaction.
func (s *Store) Delete(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM reference_prices WHERE chat_id = ?`,
		`DELETE FROM history WHERE chat_id = ?`,
		`DELETE FROM subscribers WHERE chat_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite delete %d: %w", chatID, err)
		}
	}
	return tx.Commit()
}

// SaveSnapshot records the indicator snapshot of a cycle and prunes all but
// the most recent few.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snapshotRow(snap))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO indicator_snapshots (data, created_at) VALUES (?, ?)`,
		string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM indicator_snapshots WHERE id NOT IN (SELECT id FROM indicator_snapshots ORDER BY id DESC LIMIT ?)`,
		keepSnapshots)
	if err != nil {
		s.log.Warn("prune snapshots", zap.Error(err))
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
