package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/primecfo/qbo-connect/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store represents the database connection and operations
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
}

// New creates a new database connection and sets up the schema
func New(dsn string) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	// Configure GORM logger
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Change to logger.Info for debugging
	}

	// If DSN is empty, use SQLite with local file
	if dsn == "" {
		// Create data directory if it doesn't exist
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}

		// Use local SQLite database
		sqlitePath := filepath.Join(dataDir, "qbo_connect.db")
		gormDB, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
		dbType = "sqlite"
	} else {
		// Check if it's a PostgreSQL DSN
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
			dbType = "postgres"
		} else {
			// Assume SQLite file path
			gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
			dbType = "sqlite"
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database := &Store{db: gormDB, dbType: dbType}

	// Setup schema using GORM AutoMigrate
	if err := database.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return database, nil
}

// setupSchema creates the necessary tables and handles migrations
func (d *Store) setupSchema() error {
	err := d.db.AutoMigrate(
		&types.OAuthState{},
		&types.TokenRecord{},
		&types.WebhookReceipt{},
		&types.Connection{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}

	return nil
}

// ReplaceOAuthState deletes any pending authorization state for the client
// and then inserts the new one. The delete must complete before the insert
// so that at most one transaction is live per client at any time.
func (d *Store) ReplaceOAuthState(state *types.OAuthState) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&types.OAuthState{}, "client_id = ?", state.ClientID).Error; err != nil {
			return fmt.Errorf("failed to clear prior state: %w", err)
		}
		return tx.Create(state).Error
	})
}

// ConsumeOAuthState validates a state token against the stored transaction
// and deletes it (single-use). Expired or unknown states return an error.
func (d *Store) ConsumeOAuthState(state string) (*types.OAuthState, error) {
	var row types.OAuthState
	err := d.db.First(&row, "state = ? AND expires_at > ?", state, time.Now()).Error
	if err != nil {
		return nil, err
	}

	if err := d.db.Delete(&types.OAuthState{}, "state = ?", state).Error; err != nil {
		return nil, err
	}

	return &row, nil
}

// CleanupExpiredStates removes expired authorization transactions
func (d *Store) CleanupExpiredStates() error {
	result := d.db.Where("expires_at < ?", time.Now()).Delete(&types.OAuthState{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired states: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		fmt.Printf("Deleted %d expired OAuth states\n", result.RowsAffected)
	}
	return nil
}

// GetTokenRecord retrieves the token record for a client
func (d *Store) GetTokenRecord(clientID string) (*types.TokenRecord, error) {
	var rec types.TokenRecord
	err := d.db.First(&rec, "client_id = ?", clientID).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertTokenRecord stores a new token record or updates an existing one
func (d *Store) UpsertTokenRecord(rec *types.TokenRecord) error {
	// Save does an upsert keyed by the primary key
	return d.db.Save(rec).Error
}

// DeleteTokenRecord deletes the token record for a client
func (d *Store) DeleteTokenRecord(clientID string) error {
	return d.db.Delete(&types.TokenRecord{}, "client_id = ?", clientID).Error
}

// ListExpiringTokenRecords returns connected or transiently errored records
// whose access token expires before the given horizon. Records awaiting
// reauthorization are excluded; refreshing them cannot succeed.
func (d *Store) ListExpiringTokenRecords(before time.Time) ([]types.TokenRecord, error) {
	var recs []types.TokenRecord
	err := d.db.
		Where("access_expires_at < ? AND status IN ?", before, []string{types.StatusConnected, types.StatusError}).
		Order("access_expires_at").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// CreateWebhookReceipt inserts a receipt row, ignoring redelivered events.
// It returns the receipt ID the caller should acknowledge: the new row's ID,
// or the existing row's ID when the event was already recorded.
func (d *Store) CreateWebhookReceipt(receipt *types.WebhookReceipt) (string, error) {
	result := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(receipt)
	if result.Error != nil {
		return "", result.Error
	}

	if result.RowsAffected == 0 {
		var existing types.WebhookReceipt
		if err := d.db.First(&existing, "event_id = ?", receipt.EventID).Error; err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	return receipt.ID, nil
}

// GetWebhookReceipt retrieves a receipt by ID
func (d *Store) GetWebhookReceipt(id string) (*types.WebhookReceipt, error) {
	var receipt types.WebhookReceipt
	err := d.db.First(&receipt, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// UpdateWebhookReceiptStatus advances a receipt's processing state. Used by
// the sync worker after it drains the receipt.
func (d *Store) UpdateWebhookReceiptStatus(id, status, lastError string) error {
	result := d.db.Model(&types.WebhookReceipt{}).Where("id = ?", id).Updates(map[string]any{
		"status":     status,
		"last_error": lastError,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("webhook receipt not found: id=%s", id)
	}
	return nil
}

// SaveConnection stores or updates the legacy connection row for a client
func (d *Store) SaveConnection(conn *types.Connection) error {
	return d.db.Save(conn).Error
}

// MarkConnectionDisconnected downgrades the legacy connection row. A missing
// row is not an error; newer clients never had one.
func (d *Store) MarkConnectionDisconnected(clientID string) error {
	return d.db.Model(&types.Connection{}).
		Where("client_id = ?", clientID).
		Update("status", types.StatusDisconnected).Error
}

// ListOrphanConnections returns legacy connected rows with no token record.
// These cannot be refreshed and must be surfaced for reauthorization.
func (d *Store) ListOrphanConnections() ([]types.Connection, error) {
	var conns []types.Connection
	sub := d.db.Model(&types.TokenRecord{}).Select("client_id")
	err := d.db.
		Where("status = ? AND client_id NOT IN (?)", types.StatusConnected, sub).
		Order("client_id").
		Find(&conns).Error
	if err != nil {
		return nil, err
	}
	return conns, nil
}

// MarkConnectionNeedsReauth flags a legacy connection row for reconnection
func (d *Store) MarkConnectionNeedsReauth(clientID string) error {
	return d.db.Model(&types.Connection{}).
		Where("client_id = ?", clientID).
		Update("status", types.StatusNeedsReauth).Error
}

// Close closes the database connection
func (d *Store) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
