package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// FleetState is the persisted root state of one agent: its operation
// counter, direct children (by last segment), and agent type.
type FleetState struct {
	ID        string    `json:"id"` // canonical path
	Counter   int64     `json:"counter"`
	Children  []string  `json:"children"`
	AgentType string    `json:"agentType"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LoadFleetState returns the persisted state for this store's location.
// The second return is false when no row exists yet.
func (s *Store) LoadFleetState() (*FleetState, bool, error) {
	var fs FleetState
	var childrenJSON, createdStr, updatedStr string

	err := s.db.QueryRow(`
		SELECT id, counter, children, agent_type, created_at, updated_at
		FROM fleet_state WHERE id = ?
	`, s.location).Scan(&fs.ID, &fs.Counter, &childrenJSON, &fs.AgentType, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load fleet state: %w", err)
	}

	if err := json.Unmarshal([]byte(childrenJSON), &fs.Children); err != nil {
		return nil, false, fmt.Errorf("decode children: %w", err)
	}
	fs.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	fs.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)

	return &fs, true, nil
}

// SaveFleetState upserts the state row for this store's location.
func (s *Store) SaveFleetState(fs *FleetState) error {
	children := fs.Children
	if children == nil {
		children = []string{}
	}
	childrenJSON, err := json.Marshal(children)
	if err != nil {
		return fmt.Errorf("encode children: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO fleet_state (id, counter, children, agent_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET counter = excluded.counter,
		    children = excluded.children,
		    agent_type = excluded.agent_type,
		    updated_at = excluded.updated_at
	`, s.location, fs.Counter, string(childrenJSON), fs.AgentType,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save fleet state: %w", err)
	}
	return nil
}

// Clear removes every row belonging to this store's location, across all
// tables. Used by subtree deletion; the next agent at this path starts
// from empty state.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM fleet_state WHERE id = ?`,
		`DELETE FROM inventory_items WHERE location = ?`,
		`DELETE FROM stored_messages WHERE location = ?`,
		`DELETE FROM inventory_transactions WHERE location = ?`,
		`DELETE FROM inventory_analysis WHERE location = ?`,
		`DELETE FROM inventory_decisions WHERE location = ?`,
		`DELETE FROM demand_forecasts WHERE location = ?`,
		`DELETE FROM chat_statistics WHERE location = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q, s.location); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	return tx.Commit()
}
