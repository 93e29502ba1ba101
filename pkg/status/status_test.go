package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/primecfo/qbo-connect/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeTokenReader returns a scripted record or error
type fakeTokenReader struct {
	rec *types.TokenRecord
	err error
}

func (f *fakeTokenReader) GetTokenRecord(clientID string) (*types.TokenRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func query(t *testing.T, handler http.Handler, clientID string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	target := "/status"
	if clientID != "" {
		target += "?client_id=" + clientID
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp Response
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestMissingClientID(t *testing.T) {
	handler := NewHandler(&fakeTokenReader{})

	w, _ := query(t, handler, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNoRecordMeansDisconnected(t *testing.T) {
	handler := NewHandler(&fakeTokenReader{err: gorm.ErrRecordNotFound})

	w, resp := query(t, handler, "client_1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusDisconnected, resp.Status)
}

func TestStoreFailureDegradesToError(t *testing.T) {
	handler := NewHandler(&fakeTokenReader{err: errors.New("connection refused")})

	w, resp := query(t, handler, "client_1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusError, resp.Status)
	assert.Nil(t, resp.LastSyncAt)
	assert.Nil(t, resp.ExpirationTime)
}

func TestConnectedPassthroughIgnoresExpiry(t *testing.T) {
	// Expiry 2 minutes out: the reporter passes the stored status through
	// without evaluating freshness. That is the token manager's job.
	expiry := time.Now().Add(2 * time.Minute)
	lastSync := time.Now().Add(-time.Hour)
	handler := NewHandler(&fakeTokenReader{rec: &types.TokenRecord{
		ClientID:        "client_1",
		Status:          types.StatusConnected,
		AccessExpiresAt: expiry,
		LastSyncAt:      &lastSync,
	}})

	w, resp := query(t, handler, "client_1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusConnected, resp.Status)
	require.NotNil(t, resp.ExpirationTime)
	assert.WithinDuration(t, expiry, *resp.ExpirationTime, time.Second)
	require.NotNil(t, resp.LastSyncAt)
	assert.WithinDuration(t, lastSync, *resp.LastSyncAt, time.Second)
}

func TestNeedsReauthPassthrough(t *testing.T) {
	handler := NewHandler(&fakeTokenReader{rec: &types.TokenRecord{
		ClientID:        "client_1",
		Status:          types.StatusNeedsReauth,
		AccessExpiresAt: time.Now().Add(-time.Hour),
		LastError:       "invalid_grant",
	}})

	_, resp := query(t, handler, "client_1")
	assert.Equal(t, types.StatusNeedsReauth, resp.Status)
	assert.Equal(t, "invalid_grant", resp.LastError)
}

func TestOtherStatusesReportAsError(t *testing.T) {
	for _, stored := range []string{types.StatusError, types.StatusDisconnected, "something_unknown"} {
		handler := NewHandler(&fakeTokenReader{rec: &types.TokenRecord{
			ClientID:        "client_1",
			Status:          stored,
			AccessExpiresAt: time.Now(),
		}})

		_, resp := query(t, handler, "client_1")
		assert.Equal(t, types.StatusError, resp.Status, "stored status %q", stored)
	}
}
