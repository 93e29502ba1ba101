package tokens

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/primecfo/qbo-connect/pkg/types"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// RefreshHorizon is the safety window before actual expiry within which a
// token is proactively renewed.
const RefreshHorizon = 10 * time.Minute

var (
	// ErrNotConnected is returned when the client has no stored token record.
	ErrNotConnected = errors.New("client is not connected to QuickBooks")

	// ErrRefreshFailed is returned when Intuit rejected the refresh exchange.
	// The caller must not retry; reconnection requires user action.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Database interface for token operations
type Database interface {
	GetTokenRecord(clientID string) (*types.TokenRecord, error)
	UpsertTokenRecord(rec *types.TokenRecord) error
	ListExpiringTokenRecords(before time.Time) ([]types.TokenRecord, error)
	ListOrphanConnections() ([]types.Connection, error)
	MarkConnectionNeedsReauth(clientID string) error
}

// Refresher exchanges a refresh token for a new token pair
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RefreshTokenExpiryFunc extracts the rotated refresh token lifetime from a
// provider token response.
type RefreshTokenExpiryFunc func(tok *oauth2.Token) time.Time

// Manager resolves valid access tokens for clients, refreshing near-expiry
// tokens transparently and recording failures on the token record.
type Manager struct {
	db            Database
	provider      Refresher
	refreshExpiry RefreshTokenExpiryFunc
	locks         sync.Map // clientID -> *sync.Mutex
}

// NewManager creates a token manager backed by the given store and provider
func NewManager(db Database, provider Refresher, refreshExpiry RefreshTokenExpiryFunc) *Manager {
	return &Manager{
		db:            db,
		provider:      provider,
		refreshExpiry: refreshExpiry,
	}
}

func (m *Manager) lockFor(clientID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(clientID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ResolveAccessToken returns a valid access token for the client. Tokens
// still valid beyond the refresh horizon are returned without a network
// call. Refreshes for the same client are serialized; a caller that waited
// on another caller's refresh reuses the rotated token instead of starting
// a second exchange.
func (m *Manager) ResolveAccessToken(ctx context.Context, clientID string) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("client ID is required")
	}

	rec, err := m.db.GetTokenRecord(clientID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotConnected
		}
		return "", fmt.Errorf("failed to load token record: %w", err)
	}

	if m.isFresh(rec) {
		return rec.AccessToken, nil
	}

	mu := m.lockFor(clientID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; the refresh may already have happened while
	// this caller was waiting.
	rec, err = m.db.GetTokenRecord(clientID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotConnected
		}
		return "", fmt.Errorf("failed to load token record: %w", err)
	}
	if m.isFresh(rec) {
		return rec.AccessToken, nil
	}

	return m.refreshLocked(ctx, rec)
}

func (m *Manager) isFresh(rec *types.TokenRecord) bool {
	return rec.AccessExpiresAt.After(time.Now().Add(RefreshHorizon))
}

// refreshLocked performs the refresh exchange and persists the rotated
// token pair. The caller must hold the client's lock.
func (m *Manager) refreshLocked(ctx context.Context, rec *types.TokenRecord) (string, error) {
	tok, err := m.provider.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		rec.Status = failureStatus(err)
		rec.LastError = err.Error()
		if uerr := m.db.UpsertTokenRecord(rec); uerr != nil {
			log.Printf("Failed to record refresh failure for client %s: %v", rec.ClientID, uerr)
		}
		return "", fmt.Errorf("%w for client %s: %v", ErrRefreshFailed, rec.ClientID, err)
	}

	rec.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	rec.AccessExpiresAt = tok.Expiry
	if m.refreshExpiry != nil {
		if exp := m.refreshExpiry(tok); !exp.IsZero() {
			rec.RefreshExpiresAt = exp
		}
	}
	rec.Status = types.StatusConnected
	rec.LastError = ""

	if err := m.db.UpsertTokenRecord(rec); err != nil {
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}

	return rec.AccessToken, nil
}

// failureStatus classifies a refresh failure. Rejections by the provider
// (revoked consent, rotated-out refresh token) require the user to
// reconnect; everything else is treated as transient.
func failureStatus(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return types.StatusNeedsReauth
		}
		if re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return types.StatusNeedsReauth
		}
	}
	return types.StatusError
}

// RefreshResult is one client's outcome in a refresh batch
type RefreshResult struct {
	ClientID string `json:"client_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// RefreshExpiring proactively refreshes every token record whose expiry
// falls within the horizon, sequentially to respect Intuit's rate limits.
// Legacy connected rows without token material are flagged for
// reauthorization. One client's failure never aborts the batch.
func (m *Manager) RefreshExpiring(ctx context.Context) ([]RefreshResult, error) {
	recs, err := m.db.ListExpiringTokenRecords(time.Now().Add(RefreshHorizon))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", err)
	}

	results := make([]RefreshResult, 0, len(recs))
	for i := range recs {
		rec := recs[i]
		mu := m.lockFor(rec.ClientID)
		mu.Lock()
		// The record may have been refreshed or disconnected since the scan.
		current, err := m.db.GetTokenRecord(rec.ClientID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			mu.Unlock()
			continue
		case err != nil:
			mu.Unlock()
			results = append(results, RefreshResult{ClientID: rec.ClientID, OK: false, Error: err.Error()})
			continue
		}
		if m.isFresh(current) {
			mu.Unlock()
			results = append(results, RefreshResult{ClientID: rec.ClientID, OK: true})
			continue
		}
		_, err = m.refreshLocked(ctx, current)
		mu.Unlock()
		if err != nil {
			results = append(results, RefreshResult{ClientID: rec.ClientID, OK: false, Error: err.Error()})
			continue
		}
		results = append(results, RefreshResult{ClientID: rec.ClientID, OK: true})
	}

	// Legacy rows can only be surfaced, not refreshed: they carry no token
	// material.
	conns, err := m.db.ListOrphanConnections()
	if err != nil {
		log.Printf("Failed to list legacy connections: %v", err)
		return results, nil
	}
	for _, conn := range conns {
		if err := m.db.MarkConnectionNeedsReauth(conn.ClientID); err != nil {
			log.Printf("Failed to flag legacy connection %s: %v", conn.ClientID, err)
		}
		results = append(results, RefreshResult{
			ClientID: conn.ClientID,
			OK:       false,
			Error:    "no token record; reconnection required",
		})
	}

	return results, nil
}
