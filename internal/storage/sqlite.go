package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	login TEXT NOT NULL,
	session_token TEXT NOT NULL,
	remember_token TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	broker_order_id INTEGER NOT NULL,
	underlying TEXT NOT NULL,
	strategy TEXT NOT NULL,
	symbols TEXT NOT NULL,
	price_effect TEXT NOT NULL,
	price TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStorage keeps the session and order journal in a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps modernc's file locking simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// SaveSession replaces the stored session.
func (s *SQLiteStorage) SaveSession(rec SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, login, session_token, remember_token, created_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login = excluded.login,
			session_token = excluded.session_token,
			remember_token = excluded.remember_token,
			created_at = excluded.created_at`,
		rec.Login, rec.SessionToken, rec.RememberToken, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session.
func (s *SQLiteStorage) LoadSession() (*SessionRecord, error) {
	var rec SessionRecord
	var created int64
	err := s.db.QueryRow(`SELECT login, session_token, remember_token, created_at FROM sessions WHERE id = 1`).
		Scan(&rec.Login, &rec.SessionToken, &rec.RememberToken, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

// RecordOrder inserts rec into the journal.
func (s *SQLiteStorage) RecordOrder(rec OrderRecord) error {
	symbols, err := json.Marshal(rec.Symbols)
	if err != nil {
		return fmt.Errorf("encode symbols: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO orders (id, broker_order_id, underlying, strategy, symbols, price_effect,
			price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BrokerOrderID, rec.Underlying, rec.Strategy, string(symbols), rec.PriceEffect,
		rec.Price, rec.Status, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record order %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateOrderStatus sets the status of the journal entry with id.
func (s *SQLiteStorage) UpdateOrderStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetOrders returns the journal, oldest first.
func (s *SQLiteStorage) GetOrders() ([]OrderRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, broker_order_id, underlying, strategy, symbols, price_effect, price, status,
			created_at, updated_at
		FROM orders ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var (
			rec              OrderRecord
			symbols          string
			created, updated int64
		)
		if err := rows.Scan(&rec.ID, &rec.BrokerOrderID, &rec.Underlying, &rec.Strategy, &symbols,
			&rec.PriceEffect, &rec.Price, &rec.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := json.Unmarshal([]byte(symbols), &rec.Symbols); err != nil {
			return nil, fmt.Errorf("decode symbols of %s: %w", rec.ID, err)
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
