package disconnect

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/primecfo/qbo-connect/pkg/handlerutils"
	"github.com/primecfo/qbo-connect/pkg/types"
	"gorm.io/gorm"
)

// Store provides the token and legacy connection operations needed to
// disconnect a client
type Store interface {
	GetTokenRecord(clientID string) (*types.TokenRecord, error)
	DeleteTokenRecord(clientID string) error
	MarkConnectionDisconnected(clientID string) error
}

// Revoker invalidates a refresh token at the provider
type Revoker interface {
	Revoke(ctx context.Context, refreshToken string) error
}

type Handler struct {
	db       Store
	provider Revoker
}

func NewHandler(db Store, provider Revoker) http.Handler {
	return &Handler{
		db:       db,
		provider: provider,
	}
}

// Response is the disconnect acknowledgment body
type Response struct {
	Success bool `json:"success"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.APIError{
			Error:            "missing_parameter",
			ErrorDescription: "client_id is required",
		})
		return
	}

	// Best-effort revoke at Intuit before the material is gone. Failure is
	// tolerated: deleting the record alone stops further API use.
	rec, err := h.db.GetTokenRecord(clientID)
	if err == nil && rec.RefreshToken != "" {
		if err := h.provider.Revoke(r.Context(), rec.RefreshToken); err != nil {
			log.Printf("Failed to revoke token for client %s: %v", clientID, err)
		}
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("Failed to load token record for client %s: %v", clientID, err)
	}

	if err := h.db.DeleteTokenRecord(clientID); err != nil {
		handlerutils.JSON(w, http.StatusInternalServerError, types.APIError{
			Error:            "state_store_error",
			ErrorDescription: "Failed to delete token record",
		})
		return
	}

	// Legacy row downgrade is advisory; the deletion above already severed
	// the connection.
	if err := h.db.MarkConnectionDisconnected(clientID); err != nil {
		log.Printf("Failed to mark legacy connection disconnected for client %s: %v", clientID, err)
	}

	handlerutils.JSON(w, http.StatusOK, Response{Success: true})
}
