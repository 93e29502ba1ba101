package statetoken

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	signer := NewSigner([]byte("test-signing-key"))

	token, err := signer.Sign("client_1", "/dashboard/reports")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := signer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "client_1", claims.ClientID)
	assert.Equal(t, "/dashboard/reports", claims.ReturnTo)
	assert.NotEmpty(t, claims.Nonce)
}

func TestTokensAreUniquePerTransaction(t *testing.T) {
	signer := NewSigner([]byte("test-signing-key"))

	first, err := signer.Sign("client_1", "/dashboard")
	require.NoError(t, err)
	second, err := signer.Sign("client_1", "/dashboard")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestParseRejectsWrongKey(t *testing.T) {
	signer := NewSigner([]byte("test-signing-key"))
	other := NewSigner([]byte("different-key"))

	token, err := signer.Sign("client_1", "/dashboard")
	require.NoError(t, err)

	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestParseRejectsGarbage(t *testing.T) {
	signer := NewSigner([]byte("test-signing-key"))

	_, err := signer.Parse("not-a-state-token")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = signer.Parse("")
	assert.ErrorIs(t, err, ErrInvalidState)
}
