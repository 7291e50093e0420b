package policy

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrTokenInvalid = errors.New("confirm token invalid")
	ErrTokenExpired = errors.New("confirm token expired")
)

const (
	tokenIssuer = "watchkeeper"
	seedSize    = 32
)

// ConfirmClaims are the claims carried by a confirm token. The jti keys
// the single-use ledger; exp is advisory next to the ledger's confirm_by.
type ConfirmClaims struct {
	jwt.RegisteredClaims
	IncidentID string `json:"incident_id"`
	Tool       string `json:"tool_name"`
	RequestID  string `json:"request_id"`
	ActionID   string `json:"action_id"`
}

// TokenMinter mints and verifies confirm tokens as HS256 JWTs. The
// signing key is derived from the instance seed, so tokens survive a
// restart but never validate on another instance.
type TokenMinter struct {
	key []byte
	now func() time.Time
}

// NewTokenMinter derives the signing key from seed via HKDF-SHA256.
func NewTokenMinter(seed []byte) (*TokenMinter, error) {
	if len(seed) < seedSize {
		return nil, fmt.Errorf("policy: seed must be at least %d bytes, got %d", seedSize, len(seed))
	}
	kdf := hkdf.New(sha256.New, seed, []byte("watchkeeper-confirm-kdf"), []byte("confirm-token-hs256"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("policy: derive token key: %w", err)
	}
	return &TokenMinter{key: key, now: time.Now}, nil
}

// WithTokenClock replaces the verification clock, for tests.
func (m *TokenMinter) WithTokenClock(now func() time.Time) *TokenMinter {
	m.now = now
	return m
}

// Mint issues a token for one pending action. Returns the compact JWT and
// its jti, which the caller records in the single-use ledger.
func (m *TokenMinter) Mint(incidentID, tool, requestID, actionID string, now, confirmBy time.Time) (string, string, error) {
	jti := uuid.New().String()
	claims := ConfirmClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   incidentID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(confirmBy),
		},
		IncidentID: incidentID,
		Tool:       tool,
		RequestID:  requestID,
		ActionID:   actionID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", "", fmt.Errorf("policy: sign token: %w", err)
	}
	return token, jti, nil
}

// Verify parses and checks a token. Expired tokens return ErrTokenExpired;
// every other failure is ErrTokenInvalid.
func (m *TokenMinter) Verify(token string) (*ConfirmClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ConfirmClaims{},
		func(t *jwt.Token) (interface{}, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*ConfirmClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrTokenInvalid)
	}
	return claims, nil
}

// LoadOrCreateSeed reads the instance seed, creating a fresh random one
// on first start. A new seed invalidates every outstanding token.
func LoadOrCreateSeed(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if err == nil && len(seed) >= seedSize {
		return seed, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("policy: read seed %s: %w", path, err)
	}

	seed = make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("policy: generate seed: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("policy: create seed dir: %w", err)
		}
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, fmt.Errorf("policy: write seed %s: %w", path, err)
	}
	return seed, nil
}
