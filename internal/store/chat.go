package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const timeFmt = time.RFC3339Nano

// Message states as stored. Open messages are never persisted.
const (
	StateSealed      = "sealed"
	StateInterrupted = "interrupted"
)

type Conversation struct {
	ID               string
	Title            string
	CumulativeTokens int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	State          string
	CreatedAt      time.Time
}

func parseTime(s string) time.Time {
	for _, f := range []string{timeFmt, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeFmt)
}

// UpsertConversation records c, keeping created_at of an existing row.
func (s *Store) UpsertConversation(c *Conversation) error {
	now := formatTime(c.UpdatedAt)
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, title, cumulative_tokens, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   cumulative_tokens = excluded.cumulative_tokens,
		   updated_at = excluded.updated_at`,
		c.ID, c.Title, c.CumulativeTokens, formatTime(c.CreatedAt), now,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns nil if id is unknown.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, title, cumulative_tokens, created_at, updated_at FROM conversations WHERE id = ?`, id,
	)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *Store) ListConversations() ([]*Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, title, cumulative_tokens, created_at, updated_at FROM conversations ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(r scanner) (*Conversation, error) {
	var c Conversation
	var created, updated string
	if err := r.Scan(&c.ID, &c.Title, &c.CumulativeTokens, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// DeleteConversation removes the conversation and its messages.
func (s *Store) DeleteConversation(id string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// SaveMessage stores a settled message, replacing any earlier copy with the
// same id. The conversation row is created if missing.
func (s *Store) SaveMessage(m *Message) error {
	if m.State == "" {
		m.State = StateSealed
	}
	created := formatTime(m.CreatedAt)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		m.ConversationID, created, created,
	); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, state = excluded.state`,
		m.ID, m.ConversationID, m.Role, m.Content, m.State, created,
	); err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	if _, err := tx.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND updated_at < ?`,
		created, m.ConversationID, created,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// ReplaceMessages swaps a conversation's cached history for msgs.
func (s *Store) ReplaceMessages(conversationID string, msgs []*Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := formatTime(time.Time{})
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		conversationID, now, now,
	); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for _, m := range msgs {
		state := m.State
		if state == "" {
			state = StateSealed
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO messages (id, conversation_id, role, content, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, conversationID, m.Role, m.Content, state, formatTime(m.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Messages(conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, state, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// Search finds cached messages containing q, newest first.
func (s *Store) Search(q string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, state, created_at FROM messages
		 WHERE content LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT ?`,
		"%"+escaped+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()
	var result []*Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.State, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		result = append(result, &m)
	}
	return result, rows.Err()
}
