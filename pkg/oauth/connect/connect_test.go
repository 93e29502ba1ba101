package connect

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/primecfo/qbo-connect/pkg/qbo"
	"github.com/primecfo/qbo-connect/pkg/statetoken"
	"github.com/primecfo/qbo-connect/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStateStore captures the persisted transaction
type fakeStateStore struct {
	states []*types.OAuthState
	err    error
}

func (f *fakeStateStore) ReplaceOAuthState(state *types.OAuthState) error {
	if f.err != nil {
		return f.err
	}
	// Replacement semantics: drop prior rows for the same client
	kept := f.states[:0]
	for _, s := range f.states {
		if s.ClientID != state.ClientID {
			kept = append(kept, s)
		}
	}
	f.states = append(kept, state)
	return nil
}

func newTestHandler(store *fakeStateStore) http.Handler {
	signer := statetoken.NewSigner([]byte("test-key"))
	provider := qbo.New("app_id", "app_secret", "https://connect.example.com/callback")
	return NewHandler(store, signer, provider)
}

func start(handler http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRedirectsToIntuit(t *testing.T) {
	store := &fakeStateStore{}
	handler := newTestHandler(store)

	w := start(handler, "/connect?client_id=client_1&return_to=/dashboard/reports")
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "appcenter.intuit.com", location.Host)
	assert.Equal(t, "app_id", location.Query().Get("client_id"))
	assert.Equal(t, qbo.ScopeAccounting, location.Query().Get("scope"))
	assert.Equal(t, "https://connect.example.com/callback", location.Query().Get("redirect_uri"))

	// The redirected state matches the persisted transaction
	require.Len(t, store.states, 1)
	assert.Equal(t, store.states[0].State, location.Query().Get("state"))
	assert.Equal(t, "client_1", store.states[0].ClientID)
	assert.Equal(t, "/dashboard/reports", store.states[0].ReturnTo)
	assert.False(t, store.states[0].ExpiresAt.IsZero())
}

func TestStatePersistedBeforeRedirect(t *testing.T) {
	store := &fakeStateStore{}
	handler := newTestHandler(store)

	// Two starts for the same client leave exactly one live transaction
	first := start(handler, "/connect?client_id=client_1")
	require.Equal(t, http.StatusFound, first.Code)
	second := start(handler, "/connect?client_id=client_1")
	require.Equal(t, http.StatusFound, second.Code)

	require.Len(t, store.states, 1)
	secondLocation, err := url.Parse(second.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, store.states[0].State, secondLocation.Query().Get("state"))
}

func TestMissingClientID(t *testing.T) {
	store := &fakeStateStore{}
	handler := newTestHandler(store)

	w := start(handler, "/connect")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_parameter")
	assert.Empty(t, store.states)
}

func TestDefaultReturnTo(t *testing.T) {
	store := &fakeStateStore{}
	handler := newTestHandler(store)

	w := start(handler, "/connect?client_id=client_1")
	require.Equal(t, http.StatusFound, w.Code)
	require.Len(t, store.states, 1)
	assert.Equal(t, DefaultReturnTo, store.states[0].ReturnTo)
}

func TestStoreFailureBlocksRedirect(t *testing.T) {
	store := &fakeStateStore{err: assert.AnError}
	handler := newTestHandler(store)

	// Proceeding without recorded state would permit callback forgery
	w := start(handler, "/connect?client_id=client_1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "state_store_error")
	assert.Empty(t, w.Header().Get("Location"))
}
