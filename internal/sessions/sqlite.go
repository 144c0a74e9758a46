package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"omniagent/pkg/models"
)

// SQLStore persists session logs in SQLite. It implements Store with the
// same ordering and atomicity guarantees as MemoryStore.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if needed) a SQLite-backed session store at
// path. Use ":memory:" for an ephemeral store.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// Serialized access keeps per-session operations atomic without
	// busy-retry handling at every call site.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_messages (
			session_id   TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			tool_calls   TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			name         TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, seq)
		);
		CREATE TABLE IF NOT EXISTS stream_events (
			stream     TEXT NOT NULL,
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			fields     TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStorage, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Append(ctx context.Context, sessionID string, msgs []models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq)+1, 0) FROM session_messages WHERE session_id = ?`,
		sessionID).Scan(&next); err != nil {
		return fmt.Errorf("%w: next seq: %v", ErrStorage, err)
	}

	for i, msg := range msgs {
		if err := insertMessage(ctx, tx, sessionID, next+i, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLStore) Replace(ctx context.Context, sessionID string, msgs []models.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrStorage, err)
	}
	for i, msg := range msgs {
		if err := insertMessage(ctx, tx, sessionID, i, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, name
		FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStorage, err)
	}
	defer rows.Close()

	msgs := []models.ChatMessage{}
	for rows.Next() {
		var msg models.ChatMessage
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.Name); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("%w: decode tool_calls: %v", ErrStorage, err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrStorage, err)
	}
	return msgs, nil
}

func (s *SQLStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLStore) PublishStreamEvent(ctx context.Context, stream string, fields map[string]string) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: encode fields: %v", ErrStorage, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_events (stream, fields) VALUES (?, ?)`,
		stream, string(encoded)); err != nil {
		return fmt.Errorf("%w: insert event: %v", ErrStorage, err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, sessionID string, seq int, msg models.ChatMessage) error {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("%w: encode tool_calls: %v", ErrStorage, err)
		}
		toolCalls = string(encoded)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, seq, role, content, tool_calls, tool_call_id, name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, msg.Role, msg.Content, toolCalls, msg.ToolCallID, msg.Name); err != nil {
		return fmt.Errorf("%w: insert: %v", ErrStorage, err)
	}
	return nil
}
