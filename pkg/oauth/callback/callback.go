package callback

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/primecfo/qbo-connect/pkg/handlerutils"
	"github.com/primecfo/qbo-connect/pkg/qbo"
	"github.com/primecfo/qbo-connect/pkg/statetoken"
	"github.com/primecfo/qbo-connect/pkg/types"
	"golang.org/x/oauth2"
)

// Store persists the outcome of a completed authorization
type Store interface {
	ConsumeOAuthState(state string) (*types.OAuthState, error)
	UpsertTokenRecord(rec *types.TokenRecord) error
	SaveConnection(conn *types.Connection) error
}

// Exchanger trades an authorization code for a token pair
type Exchanger interface {
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

type Handler struct {
	db       Store
	signer   *statetoken.Signer
	provider Exchanger
}

func NewHandler(db Store, signer *statetoken.Signer, provider Exchanger) http.Handler {
	return &Handler{
		db:       db,
		signer:   signer,
		provider: provider,
	}
}

// isValidRelativePath validates that a redirect path is relative and safe
func isValidRelativePath(path string) bool {
	// Must start with / and not be a protocol-relative URL
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return false
	}
	// No backslashes (Windows path confusion)
	if strings.Contains(path, "\\") {
		return false
	}
	return true
}

// redirectWithStatus sends the user back to their return destination with a
// connection outcome query parameter the dashboard can render.
func redirectWithStatus(w http.ResponseWriter, r *http.Request, returnTo, outcome string) {
	if !isValidRelativePath(returnTo) {
		returnTo = "/dashboard"
	}
	sep := "?"
	if strings.Contains(returnTo, "?") {
		sep = "&"
	}
	http.Redirect(w, r, returnTo+sep+"connection="+url.QueryEscape(outcome), http.StatusFound)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	realmID := query.Get("realmId")
	oauthErr := query.Get("error")

	if state == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.APIError{
			Error:            "invalid_state",
			ErrorDescription: "Missing state parameter",
		})
		return
	}

	// Signature and expiry check first; a forged state never touches the store.
	claims, err := h.signer.Parse(state)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.APIError{
			Error:            "invalid_state",
			ErrorDescription: "State token is invalid or expired",
		})
		return
	}

	// Anti-replay: the state must match the one live transaction for this
	// client. Consuming it also retires the transaction.
	stored, err := h.db.ConsumeOAuthState(state)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.APIError{
			Error:            "invalid_state",
			ErrorDescription: "Authorization transaction not found or expired",
		})
		return
	}

	returnTo := stored.ReturnTo
	if returnTo == "" {
		returnTo = claims.ReturnTo
	}

	// User declined or Intuit reported an error
	if oauthErr != "" {
		log.Printf("OAuth callback error for client %s: %s", claims.ClientID, oauthErr)
		redirectWithStatus(w, r, returnTo, "error")
		return
	}

	if code == "" || realmID == "" {
		log.Printf("OAuth callback for client %s missing code or realmId", claims.ClientID)
		redirectWithStatus(w, r, returnTo, "error")
		return
	}

	tok, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		log.Printf("Code exchange failed for client %s: %v", claims.ClientID, err)
		redirectWithStatus(w, r, returnTo, "error")
		return
	}

	rec := &types.TokenRecord{
		ClientID:        claims.ClientID,
		RealmID:         realmID,
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		AccessExpiresAt: tok.Expiry,
		Status:          types.StatusConnected,
	}
	if exp := qbo.RefreshTokenExpiry(tok); !exp.IsZero() {
		rec.RefreshExpiresAt = exp
	}

	if err := h.db.UpsertTokenRecord(rec); err != nil {
		log.Printf("Failed to store token record for client %s: %v", claims.ClientID, err)
		redirectWithStatus(w, r, returnTo, "error")
		return
	}

	// Keep the legacy connection row in step for older dashboard builds.
	if err := h.db.SaveConnection(&types.Connection{
		ClientID: claims.ClientID,
		RealmID:  realmID,
		Status:   types.StatusConnected,
	}); err != nil {
		log.Printf("Failed to update legacy connection for client %s: %v", claims.ClientID, err)
	}

	redirectWithStatus(w, r, returnTo, "connected")
}
