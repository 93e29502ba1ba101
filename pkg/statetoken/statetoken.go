package statetoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/primecfo/qbo-connect/pkg/encryption"
)

// TTL is the validity window of an authorization transaction. A callback
// presenting a state older than this is rejected.
const TTL = 10 * time.Minute

var ErrInvalidState = errors.New("invalid state token")

// Claims carried inside a signed state token. The callback recovers the
// client and return destination from the token itself; the stored state row
// only guards against replay.
type Claims struct {
	ClientID string `json:"client_id"`
	ReturnTo string `json:"return_to"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256-signed state tokens
type Signer struct {
	key []byte
}

func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign produces a state token binding the client to this transaction. The
// random nonce makes every token unique even for repeated starts.
func (s *Signer) Sign(clientID, returnTo string) (string, error) {
	now := time.Now()
	claims := Claims{
		ClientID: clientID,
		ReturnTo: returnTo,
		Nonce:    encryption.GenerateRandomString(16),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry of a state token and returns its
// claims. Any failure maps to ErrInvalidState; callers must not distinguish
// forged from merely expired states.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidState
	}
	if claims.ClientID == "" {
		return nil, ErrInvalidState
	}
	return claims, nil
}
