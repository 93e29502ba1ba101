package status

import (
	"errors"
	"net/http"
	"time"

	"github.com/primecfo/qbo-connect/pkg/handlerutils"
	"github.com/primecfo/qbo-connect/pkg/types"
	"gorm.io/gorm"
)

// TokenReader reads the stored token record for a client
type TokenReader interface {
	GetTokenRecord(clientID string) (*types.TokenRecord, error)
}

type Handler struct {
	db TokenReader
}

func NewHandler(db TokenReader) http.Handler {
	return &Handler{db: db}
}

// Response is the connection health summary rendered by the dashboard
type Response struct {
	Status         string     `json:"status"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	ExpirationTime *time.Time `json:"expiration_time"`
	LastError      string     `json:"last_error,omitempty"`
}

// ServeHTTP reports the stored connection status. It passes the stored
// status through without evaluating expiry itself, and it always answers
// 200 with a renderable status; store failures degrade to "error".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.APIError{
			Error:            "missing_parameter",
			ErrorDescription: "client_id is required",
		})
		return
	}

	rec, err := h.db.GetTokenRecord(clientID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Never connected
			handlerutils.JSON(w, http.StatusOK, Response{Status: types.StatusDisconnected})
			return
		}
		handlerutils.JSON(w, http.StatusOK, Response{Status: types.StatusError})
		return
	}

	resp := Response{
		LastSyncAt:     rec.LastSyncAt,
		ExpirationTime: &rec.AccessExpiresAt,
		LastError:      rec.LastError,
	}

	switch rec.Status {
	case types.StatusConnected:
		resp.Status = types.StatusConnected
	case types.StatusNeedsReauth:
		resp.Status = types.StatusNeedsReauth
	default:
		// Anything else the dashboard treats as a generic problem
		resp.Status = types.StatusError
	}

	handlerutils.JSON(w, http.StatusOK, resp)
}
