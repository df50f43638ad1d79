// Package storage persists the broker session and the order journal.
package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Supported storage drivers.
const (
	DriverJSON   = "json"
	DriverSQLite = "sqlite"
)

// SessionRecord is a persisted broker login.
type SessionRecord struct {
	Login         string    `json:"login"`
	SessionToken  string    `json:"session_token"`
	RememberToken string    `json:"remember_token"`
	CreatedAt     time.Time `json:"created_at"`
}

// OrderRecord is one journal entry for a liquidation order.
type OrderRecord struct {
	ID            string          `json:"id"`
	BrokerOrderID int             `json:"broker_order_id"`
	Underlying    string          `json:"underlying"`
	Strategy      string          `json:"strategy"`
	Symbols       []string        `json:"symbols"`
	PriceEffect   string          `json:"price_effect"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Interface defines the contract for session and order journal persistence.
//
// Implementations must be safe for concurrent use.
type Interface interface {
	SaveSession(rec SessionRecord) error
	// LoadSession returns ErrNotFound when no session was saved.
	LoadSession() (*SessionRecord, error)

	RecordOrder(rec OrderRecord) error
	// UpdateOrderStatus returns ErrNotFound for unknown ids.
	UpdateOrderStatus(id, status string) error
	// GetOrders returns the journal, oldest first.
	GetOrders() ([]OrderRecord, error)

	Close() error
}

// NewStorage creates the storage backend selected by driver.
func NewStorage(driver, path string) (Interface, error) {
	switch driver {
	case DriverJSON, "":
		return NewJSONStorage(path)
	case DriverSQLite:
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
