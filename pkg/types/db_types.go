package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSON is a custom type for handling JSON data in GORM
type JSON map[string]any

// Value implements the driver.Valuer interface for JSON
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for JSON
func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = make(map[string]any)
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into JSON", value)
	}

	if len(data) == 0 {
		*j = make(map[string]any)
		return nil
	}

	return json.Unmarshal(data, j)
}

// OAuthState is a pending authorization transaction. At most one row is live
// per client; starting a new authorization replaces any prior row.
type OAuthState struct {
	State     string    `gorm:"primaryKey"`
	ClientID  string    `gorm:"not null;index"`
	ReturnTo  string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TokenRecord is the durable per-client QuickBooks credential material.
// Absence of a row means the client never connected.
type TokenRecord struct {
	ClientID         string    `gorm:"primaryKey"`
	RealmID          string    `gorm:"not null"`
	AccessToken      string    `gorm:"not null"`
	RefreshToken     string    `gorm:"not null"`
	AccessExpiresAt  time.Time `gorm:"not null;index"`
	RefreshExpiresAt time.Time
	Status           string `gorm:"not null;default:connected;index"`
	LastError        string
	LastSyncAt       *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// WebhookReceipt records one accepted webhook delivery before any downstream
// processing. EventID dedupes provider redeliveries; when no event identity
// can be derived from the payload it equals the receipt ID.
type WebhookReceipt struct {
	ID         string `gorm:"primaryKey"`
	EventID    string `gorm:"uniqueIndex;not null"`
	Signature  string `gorm:"not null"`
	Payload    JSON   `gorm:"type:text;not null"`
	Status     string `gorm:"not null;default:pending;index"`
	LastError  string
	ReceivedAt time.Time `gorm:"autoCreateTime"`
}

// Connection is the legacy per-client connection row kept for older
// dashboard builds. New state lives on TokenRecord; this row is only
// downgraded on disconnect and surfaced by the refresh batch.
type Connection struct {
	ClientID   string `gorm:"primaryKey"`
	RealmID    string
	Status     string `gorm:"not null;default:connected;index"`
	LastSyncAt *time.Time
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}
