// Package auth issues and validates the bearer tokens that scope API access
// to one owner.
//
// Tokens are Ed25519 (EdDSA) JWTs. Validation needs only the public key, so
// a server can verify tokens minted elsewhere; issuing needs the private key.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "tsugi"

// ErrNoSigningKey is returned by IssueToken on a validate-only manager.
var ErrNoSigningKey = errors.New("auth: no private key configured")

// Claims extends jwt.RegisteredClaims with the owner the token acts for.
// Subject carries the same id as a decimal string.
type Claims struct {
	jwt.RegisteredClaims
	OwnerID int64 `json:"owner_id"`
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files. publicKeyPath is
// required; without privateKeyPath the manager only validates.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if publicKeyPath == "" {
		return nil, fmt.Errorf("auth: public key path is required")
	}
	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	m := &JWTManager{publicKey: edPub, expiration: expiration}
	if privateKeyPath == "" {
		return m, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	// A key pair mixed across environments would mint tokens this server rejects.
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	m.privateKey = edPriv
	return m, nil
}

// NewEphemeralJWTManager generates an in-memory key pair. Tokens it issues
// die with the process; for development and tests only.
func NewEphemeralJWTManager(expiration time.Duration) (*JWTManager, error) {
	slog.Warn("auth: generating ephemeral JWT key pair (not for production)")
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: generate key pair: %w", err)
	}
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
}

// CanIssue reports whether the manager holds a private key.
func (m *JWTManager) CanIssue() bool {
	return m.privateKey != nil
}

// IssueToken creates a signed JWT for ownerID. ttl <= 0 uses the
// configured expiration.
func (m *JWTManager) IssueToken(ownerID int64, ttl time.Duration) (string, time.Time, error) {
	if m.privateKey == nil {
		return "", time.Time{}, ErrNoSigningKey
	}
	if ownerID <= 0 {
		return "", time.Time{}, fmt.Errorf("auth: owner id must be positive")
	}
	if ttl <= 0 {
		ttl = m.expiration
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(ownerID, 10),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		OwnerID: ownerID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	sub, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || sub <= 0 || sub != claims.OwnerID {
		return nil, fmt.Errorf("auth: invalid subject %q for owner %d", claims.Subject, claims.OwnerID)
	}
	return claims, nil
}
