// Package sqlite implements store.ExchangeStore on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kmahone/promptrelay/pkg/domain"
	"github.com/kmahone/promptrelay/pkg/store"
)

// Store implements store.ExchangeStore using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.ExchangeStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		instruction TEXT NOT NULL DEFAULT '',
		reply TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ns INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_timestamp ON exchanges(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists a new exchange record.
func (s *Store) Append(ctx context.Context, ex *domain.Exchange) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, chat_id, model, instruction, reply, error, duration_ns, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.ChatID, ex.Model, ex.Instruction, ex.Reply, ex.Error,
		int64(ex.Duration), ex.Timestamp,
	)
	return err
}

// Recent returns the newest exchanges, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.Exchange, error) {
	query := `SELECT id, chat_id, model, instruction, reply, error, duration_ns, timestamp
		FROM exchanges ORDER BY timestamp DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []domain.Exchange
	for rows.Next() {
		var ex domain.Exchange
		var durationNS int64
		if err := rows.Scan(&ex.ID, &ex.ChatID, &ex.Model, &ex.Instruction,
			&ex.Reply, &ex.Error, &durationNS, &ex.Timestamp); err != nil {
			return nil, err
		}
		ex.Duration = time.Duration(durationNS)
		exchanges = append(exchanges, ex)
	}
	return exchanges, rows.Err()
}
