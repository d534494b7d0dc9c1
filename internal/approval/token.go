package approval

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rendis/tradegate/pkg/schema"
)

const (
	tokenIssuer     = "tradegate"
	defaultTokenTTL = 10 * time.Minute
)

// Claims bind an approval token to one request and its proposed trade.
type Claims struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
	Side      string `json:"side"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies approval tokens (HS256 JWTs). An approved
// resolution carries a token that the execute stage checks before acting.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. An empty secret generates a random
// process-local key, so tokens do not survive a restart.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{secret: key, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the request.
func (t *TokenIssuer) Issue(req *schema.ApprovalRequest) (string, error) {
	now := t.now()
	claims := Claims{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Subject:   req.Subject,
		Side:      string(req.Side),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   req.SessionID,
			ID:        req.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign approval token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks its signature, issuer and expiry.
func (t *TokenIssuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "invalid approval token: %v", err).WithCause(err)
	}
	return claims, nil
}
