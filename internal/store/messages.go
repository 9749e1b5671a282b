package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Message types stored in stored_messages.
const (
	MessageDirect    = "direct"
	MessageBroadcast = "broadcast"
	MessageSystem    = "system"
)

// StoredMessage is one persisted hierarchy message. ToAgent is nil for
// broadcasts.
type StoredMessage struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	FromAgent   string    `json:"fromAgent"`
	ToAgent     *string   `json:"toAgent"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
}

// messageTimeLayout is RFC3339 with a fixed nine-digit fraction, so that
// stored timestamps sort lexically in time order.
const messageTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// InsertMessage appends a message row for this location.
func (s *Store) InsertMessage(m *StoredMessage) error {
	var to sql.NullString
	if m.ToAgent != nil {
		to = sql.NullString{String: *m.ToAgent, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO stored_messages (id, timestamp, from_agent, to_agent, content, message_type, location)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Timestamp.UTC().Format(messageTimeLayout), m.FromAgent, to, m.Content, m.MessageType, s.location)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a page of messages for this location in
// chronological order, plus the total count.
func (s *Store) ListMessages(limit, offset int) ([]*StoredMessage, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM stored_messages WHERE location = ?`, s.location).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, timestamp, from_agent, to_agent, content, message_type
		FROM stored_messages
		WHERE location = ? ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?
	`, s.location, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*StoredMessage
	for rows.Next() {
		var m StoredMessage
		var tsStr string
		var to sql.NullString
		if err := rows.Scan(&m.ID, &tsStr, &m.FromAgent, &to, &m.Content, &m.MessageType); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		if to.Valid {
			m.ToAgent = &to.String
		}
		msgs = append(msgs, &m)
	}
	return msgs, total, rows.Err()
}

// DeleteMessagesBefore removes messages older than cutoff and reports how
// many were removed. A single DELETE, cheap enough for the opportunistic
// purge that runs inside the agent's writer.
func (s *Store) DeleteMessagesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM stored_messages WHERE location = ? AND timestamp < ?
	`, s.location, cutoff.UTC().Format(messageTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
