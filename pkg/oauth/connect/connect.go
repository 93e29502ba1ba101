package connect

import (
	"net/http"
	"time"

	"github.com/primecfo/qbo-connect/pkg/handlerutils"
	"github.com/primecfo/qbo-connect/pkg/statetoken"
	"github.com/primecfo/qbo-connect/pkg/types"
)

// DefaultReturnTo is used when the caller does not name a return destination.
const DefaultReturnTo = "/dashboard"

// StateStore persists authorization transactions
type StateStore interface {
	ReplaceOAuthState(state *types.OAuthState) error
}

// AuthURLBuilder produces the provider authorization URL for a state token
type AuthURLBuilder interface {
	AuthCodeURL(state string) string
}

type Handler struct {
	db       StateStore
	signer   *statetoken.Signer
	provider AuthURLBuilder
}

func NewHandler(db StateStore, signer *statetoken.Signer, provider AuthURLBuilder) http.Handler {
	return &Handler{
		db:       db,
		signer:   signer,
		provider: provider,
	}
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

	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" {
		returnTo = DefaultReturnTo
	}

	state, err := h.signer.Sign(clientID, returnTo)
	if err != nil {
		handlerutils.JSON(w, http.StatusInternalServerError, types.APIError{
			Error:            "server_error",
			ErrorDescription: "Failed to create state token",
		})
		return
	}

	// The state row must exist before the user leaves for Intuit. Redirecting
	// without it would let a forged callback through.
	err = h.db.ReplaceOAuthState(&types.OAuthState{
		State:     state,
		ClientID:  clientID,
		ReturnTo:  returnTo,
		ExpiresAt: time.Now().Add(statetoken.TTL),
	})
	if err != nil {
		handlerutils.JSON(w, http.StatusInternalServerError, types.APIError{
			Error:            "state_store_error",
			ErrorDescription: "Failed to persist authorization state",
		})
		return
	}

	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}
