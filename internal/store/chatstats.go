package store

import (
	"database/sql"
	"fmt"
	"time"
)

// StatsDateFormat is the calendar-day key for chat statistics (UTC).
const StatsDateFormat = "2006-01-02"

// ChatStats holds one location's per-day chat counters. SuccessRate is
// maintained as successful/executed × 100, or 0 when nothing executed.
type ChatStats struct {
	Location          string  `json:"location"`
	Date              string  `json:"date"`
	MessagesToday     int64   `json:"messagesToday"`
	ActionsExecuted   int64   `json:"actionsExecuted"`
	SuccessfulActions int64   `json:"successfulActions"`
	SuccessRate       float64 `json:"successRate"`
}

// Recalc recomputes SuccessRate from the action counters.
func (c *ChatStats) Recalc() {
	if c.ActionsExecuted > 0 {
		c.SuccessRate = float64(c.SuccessfulActions) / float64(c.ActionsExecuted) * 100
	} else {
		c.SuccessRate = 0
	}
}

// LoadChatStats returns the counters for the given UTC date, or zeroed
// counters when no row exists.
func (s *Store) LoadChatStats(date string) (*ChatStats, error) {
	cs := &ChatStats{Location: s.location, Date: date}
	err := s.db.QueryRow(`
		SELECT messages_today, actions_executed, successful_actions, success_rate
		FROM chat_statistics WHERE location = ? AND date = ?
	`, s.location, date).Scan(&cs.MessagesToday, &cs.ActionsExecuted, &cs.SuccessfulActions, &cs.SuccessRate)
	if err == sql.ErrNoRows {
		return cs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chat stats: %w", err)
	}
	return cs, nil
}

// SaveChatStats upserts the counters for (location, date).
func (s *Store) SaveChatStats(cs *ChatStats) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO chat_statistics (location, date, messages_today, actions_executed, successful_actions, success_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (location, date) DO UPDATE
		SET messages_today = excluded.messages_today,
		    actions_executed = excluded.actions_executed,
		    successful_actions = excluded.successful_actions,
		    success_rate = excluded.success_rate,
		    updated_at = excluded.updated_at
	`, s.location, cs.Date, cs.MessagesToday, cs.ActionsExecuted, cs.SuccessfulActions, cs.SuccessRate, now, now)
	if err != nil {
		return fmt.Errorf("save chat stats: %w", err)
	}
	return nil
}
