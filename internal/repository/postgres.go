package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"avatar-agent/internal/domain"
)

// PostgresStore persists conversation history in PostgreSQL, one row per
// exchange.
type PostgresStore struct {
	pool      *pgxpool.Pool
	maxMemory int
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxMemory int) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("repository: database url must not be empty")
	}
	if maxMemory <= 0 {
		return nil, errors.New("repository: max memory must be positive")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, maxMemory: maxMemory}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL NOT NULL,
			user_id TEXT NOT NULL,
			user_text TEXT NOT NULL,
			reply TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_user_seq ON conversation_turns (user_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("repository: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// History returns the user's most recent exchanges as entries, oldest first.
func (s *PostgresStore) History(ctx context.Context, userID string) ([]domain.ConversationEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_text, reply FROM conversation_turns
		 WHERE user_id=$1 ORDER BY seq DESC LIMIT $2`,
		userID,
		s.maxMemory,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: query history: %w", err)
	}
	defer rows.Close()

	exchanges := make([]domain.Exchange, 0, s.maxMemory)
	for rows.Next() {
		var ex domain.Exchange
		if err := rows.Scan(&ex.Text, &ex.Answer); err != nil {
			return nil, fmt.Errorf("repository: scan history row: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate history rows: %w", err)
	}

	entries := make([]domain.ConversationEntry, 0, 2*len(exchanges))
	for i := len(exchanges) - 1; i >= 0; i-- {
		entries = append(entries, exchanges[i].Entries()...)
	}
	return entries, nil
}

// AppendTurn inserts the exchange and trims the user's rows to the window in
// one transaction. An advisory lock keyed by user serializes writers across
// processes.
func (s *PostgresStore) AppendTurn(ctx context.Context, userID, userText, reply string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("repository: lock user: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_turns (id, user_id, user_text, reply, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(),
		userID,
		userText,
		reply,
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("repository: insert turn: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_turns
		 WHERE user_id=$1 AND seq NOT IN (
			SELECT seq FROM conversation_turns WHERE user_id=$1 ORDER BY seq DESC LIMIT $2
		 )`,
		userID,
		s.maxMemory,
	); err != nil {
		return fmt.Errorf("repository: trim turns: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
