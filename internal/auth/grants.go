// Package auth issues and checks the short-lived grants that gate access to
// secret items. A grant is scoped to one item and one operation and expires
// after a small window; the host credential check that precedes issuance is
// an external collaborator behind the Verifier interface.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrAuthRequired is returned for secret-item operations attempted without a
// valid, unexpired, correctly-scoped grant.
var ErrAuthRequired = errors.New("authentication required")

// Operations a grant can be scoped to.
const (
	OpReveal = "reveal"
	OpRecopy = "recopy"
	OpEdit   = "edit"
	OpUnmark = "unmark"
)

// ValidOp reports whether op names a grantable operation.
func ValidOp(op string) bool {
	switch op {
	case OpReveal, OpRecopy, OpEdit, OpUnmark:
		return true
	}
	return false
}

// DefaultGrantTTL is how long an issued grant stays usable.
const DefaultGrantTTL = 30 * time.Second

// Verifier performs the host credential check before a grant is issued.
type Verifier interface {
	Verify(ctx context.Context, itemID int64, op string) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, itemID int64, op string) error

func (f VerifierFunc) Verify(ctx context.Context, itemID int64, op string) error {
	return f(ctx, itemID, op)
}

// TrustTransport accepts every grant request without a credential prompt.
// Appropriate when the IPC transport itself is the trust boundary.
var TrustTransport = VerifierFunc(func(context.Context, int64, string) error { return nil })

type grantClaims struct {
	ItemID int64  `json:"item_id"`
	Op     string `json:"op"`
	jwt.RegisteredClaims
}

// GrantService mints and validates grant tokens. The signing key is random
// per process, so grants never survive a daemon restart.
type GrantService struct {
	secretKey []byte
	verifier  Verifier
	ttl       time.Duration
}

func NewGrantService(verifier Verifier, ttl time.Duration) (*GrantService, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate grant key: %w", err)
	}
	if verifier == nil {
		verifier = TrustTransport
	}
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &GrantService{secretKey: key, verifier: verifier, ttl: ttl}, nil
}

// Issue runs the credential check and, on success, returns a token scoped to
// one item and one operation.
func (g *GrantService) Issue(ctx context.Context, itemID int64, op string) (string, error) {
	if !ValidOp(op) {
		return "", fmt.Errorf("unknown grant operation %q", op)
	}
	if err := g.verifier.Verify(ctx, itemID, op); err != nil {
		return "", fmt.Errorf("%w: credential check failed", ErrAuthRequired)
	}

	now := time.Now()
	claims := &grantClaims{
		ItemID: itemID,
		Op:     op,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign grant: %w", err)
	}
	return signed, nil
}

// Check validates that tokenString grants op on itemID. Any failure
// (missing, malformed, expired, or scoped to a different item or operation)
// comes back as ErrAuthRequired.
func (g *GrantService) Check(tokenString string, itemID int64, op string) error {
	if tokenString == "" {
		return ErrAuthRequired
	}

	token, err := jwt.ParseWithClaims(tokenString, &grantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secretKey, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: invalid grant", ErrAuthRequired)
	}

	claims, ok := token.Claims.(*grantClaims)
	if !ok {
		return fmt.Errorf("%w: invalid grant claims", ErrAuthRequired)
	}
	if claims.ItemID != itemID || claims.Op != op {
		return fmt.Errorf("%w: grant scope mismatch", ErrAuthRequired)
	}
	return nil
}
