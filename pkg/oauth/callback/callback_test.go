package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/primecfo/qbo-connect/pkg/statetoken"
	"github.com/primecfo/qbo-connect/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// fakeStore simulates the state and token tables
type fakeStore struct {
	states      map[string]*types.OAuthState
	records     map[string]*types.TokenRecord
	connections map[string]*types.Connection
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:      make(map[string]*types.OAuthState),
		records:     make(map[string]*types.TokenRecord),
		connections: make(map[string]*types.Connection),
	}
}

func (f *fakeStore) ConsumeOAuthState(state string) (*types.OAuthState, error) {
	row, ok := f.states[state]
	if !ok || row.ExpiresAt.Before(time.Now()) {
		return nil, gorm.ErrRecordNotFound
	}
	delete(f.states, state)
	return row, nil
}

func (f *fakeStore) UpsertTokenRecord(rec *types.TokenRecord) error {
	f.records[rec.ClientID] = rec
	return nil
}

func (f *fakeStore) SaveConnection(conn *types.Connection) error {
	f.connections[conn.ClientID] = conn
	return nil
}

// fakeExchanger returns a fixed token pair
type fakeExchanger struct {
	err error
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{
		AccessToken:  "exchanged_access",
		RefreshToken: "exchanged_refresh",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

var testSigner = statetoken.NewSigner([]byte("test-key"))

func liveState(t *testing.T, store *fakeStore, clientID, returnTo string) string {
	t.Helper()
	state, err := testSigner.Sign(clientID, returnTo)
	require.NoError(t, err)
	store.states[state] = &types.OAuthState{
		State:     state,
		ClientID:  clientID,
		ReturnTo:  returnTo,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	return state
}

func callBack(handler http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestSuccessfulCallbackStoresTokens(t *testing.T) {
	store := newFakeStore()
	handler := NewHandler(store, testSigner, &fakeExchanger{})
	state := liveState(t, store, "client_1", "/dashboard/reports")

	w := callBack(handler, "/callback?code=auth_code&realmId=9341452148&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/dashboard/reports?connection=connected", w.Header().Get("Location"))

	rec, ok := store.records["client_1"]
	require.True(t, ok)
	assert.Equal(t, "exchanged_access", rec.AccessToken)
	assert.Equal(t, "exchanged_refresh", rec.RefreshToken)
	assert.Equal(t, "9341452148", rec.RealmID)
	assert.Equal(t, types.StatusConnected, rec.Status)

	// Legacy connection row tracks the new state
	conn, ok := store.connections["client_1"]
	require.True(t, ok)
	assert.Equal(t, types.StatusConnected, conn.Status)
}

func TestStateIsSingleUse(t *testing.T) {
	store := newFakeStore()
	handler := NewHandler(store, testSigner, &fakeExchanger{})
	state := liveState(t, store, "client_1", "/dashboard")
	target := "/callback?code=auth_code&realmId=1&state=" + url.QueryEscape(state)

	first := callBack(handler, target)
	require.Equal(t, http.StatusFound, first.Code)

	second := callBack(handler, target)
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Contains(t, second.Body.String(), "invalid_state")
}

func TestForgedStateRejected(t *testing.T) {
	store := newFakeStore()
	handler := NewHandler(store, testSigner, &fakeExchanger{})

	forged, err := statetoken.NewSigner([]byte("attacker-key")).Sign("client_1", "/dashboard")
	require.NoError(t, err)

	w := callBack(handler, "/callback?code=auth_code&realmId=1&state="+url.QueryEscape(forged))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, store.records)
}

func TestMissingStateRejected(t *testing.T) {
	store := newFakeStore()
	handler := NewHandler(store, testSigner, &fakeExchanger{})

	w := callBack(handler, "/callback?code=auth_code&realmId=1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProviderErrorRedirectsWithError(t *testing.T) {
	store := newFakeStore()
	handler := NewHandler(store, testSigner, &fakeExchanger{})
	state := liveState(t, store, "client_1", "/dashboard")

	w := callBack(handler, "/callback?error=access_denied&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/dashboard?connection=error", w.Header().Get("Location"))
	assert.Empty(t, store.records)
}

func TestExchangeFailureRedirectsWithError(t *testing.T) {
	store := newFakeStore()
	handler := NewHandler(store, testSigner, &fakeExchanger{err: assert.AnError})
	state := liveState(t, store, "client_1", "/dashboard")

	w := callBack(handler, "/callback?code=auth_code&realmId=1&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/dashboard?connection=error", w.Header().Get("Location"))
	assert.Empty(t, store.records)
}

func TestUnsafeReturnToFallsBack(t *testing.T) {
	store := newFakeStore()
	handler := NewHandler(store, testSigner, &fakeExchanger{})
	state := liveState(t, store, "client_1", "https://evil.example.com/phish")

	w := callBack(handler, "/callback?code=auth_code&realmId=1&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/dashboard?connection=connected", w.Header().Get("Location"))
}
