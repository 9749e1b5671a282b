package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InventoryItem is one SKU's stock position at this location.
type InventoryItem struct {
	SKU               string    `json:"sku"`
	Name              string    `json:"name"`
	CurrentStock      int64     `json:"currentStock"`
	LowStockThreshold int64     `json:"lowStockThreshold"`
	Location          string    `json:"location"`
	CreatedAt         time.Time `json:"createdAt"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// Transaction records one applied stock operation.
type Transaction struct {
	ID        int64     `json:"id"`
	SKU       string    `json:"sku"`
	Operation string    `json:"operation"`
	Quantity  int64     `json:"quantity"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// SaveItemWithTransaction upserts the item and appends the transaction
// that produced it, atomically. Either both rows become visible or
// neither does.
func (s *Store) SaveItemWithTransaction(item *InventoryItem, txn *Transaction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO inventory_items (sku, name, current_stock, low_stock_threshold, location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sku) DO UPDATE
		SET name = excluded.name,
		    current_stock = excluded.current_stock,
		    low_stock_threshold = excluded.low_stock_threshold,
		    updated_at = excluded.updated_at
	`, item.SKU, item.Name, item.CurrentStock, item.LowStockThreshold,
		s.location, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO inventory_transactions (sku, operation, quantity, location, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, txn.SKU, txn.Operation, txn.Quantity, s.location, txn.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return tx.Commit()
}

// GetItem returns one SKU's row, or (nil, nil) when it does not exist.
func (s *Store) GetItem(sku string) (*InventoryItem, error) {
	item, err := scanItem(s.db.QueryRow(`
		SELECT sku, name, current_stock, low_stock_threshold, location, created_at, updated_at
		FROM inventory_items WHERE sku = ?
	`, sku))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ListItems returns every item at this location, ordered by SKU.
func (s *Store) ListItems() ([]*InventoryItem, error) {
	rows, err := s.db.Query(`
		SELECT sku, name, current_stock, low_stock_threshold, location, created_at, updated_at
		FROM inventory_items WHERE location = ? ORDER BY sku
	`, s.location)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*InventoryItem
	for rows.Next() {
		item, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListTransactions returns the most recent transactions for one SKU,
// newest first.
func (s *Store) ListTransactions(sku string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, sku, operation, quantity, location, timestamp
		FROM inventory_transactions
		WHERE sku = ? ORDER BY timestamp DESC, id DESC LIMIT ?
	`, sku, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var t Transaction
		var tsStr string
		if err := rows.Scan(&t.ID, &t.SKU, &t.Operation, &t.Quantity, &t.Location, &tsStr); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

func scanItem(row *sql.Row) (*InventoryItem, error) {
	var it InventoryItem
	var createdStr, updatedStr string
	err := row.Scan(&it.SKU, &it.Name, &it.CurrentStock, &it.LowStockThreshold, &it.Location, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	it.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	it.LastUpdated, _ = time.Parse(time.RFC3339, updatedStr)
	return &it, nil
}

func scanItemRows(rows *sql.Rows) (*InventoryItem, error) {
	var it InventoryItem
	var createdStr, updatedStr string
	err := rows.Scan(&it.SKU, &it.Name, &it.CurrentStock, &it.LowStockThreshold, &it.Location, &createdStr, &updatedStr)
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	it.LastUpdated, _ = time.Parse(time.RFC3339, updatedStr)
	return &it, nil
}
