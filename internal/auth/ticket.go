// Package auth issues and checks the session tickets a signer hands to
// terminals on transports that do not authenticate peers themselves.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"headless/internal/protocol"
)

const issuer = "bssigner"

// DefaultTTL bounds a ticket when the config does not.
const DefaultTTL = 24 * time.Hour

// Claims binds a ticket to the client session it was issued for.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"cid"`
}

// Issuer signs HS256 tickets with a per-process secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer generates a random signing secret. Tickets do not survive a
// signer restart.
func NewIssuer(ttl time.Duration) (*Issuer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate ticket secret: %w", err)
	}
	return NewIssuerWithSecret(secret, ttl), nil
}

// NewIssuerWithSecret is NewIssuer with a caller-provided secret.
func NewIssuerWithSecret(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: append([]byte(nil), secret...), ttl: ttl, now: time.Now}
}

// Issue returns a ticket bound to clientID.
func (i *Issuer) Issue(clientID string) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		ClientID: clientID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", protocol.Wrap(protocol.ErrAuth, "auth", "issue ticket", "", err)
	}
	return signed, nil
}

// Validate checks signature, expiry and the client binding.
func (i *Issuer) Validate(ticket, clientID string) error {
	if ticket == "" {
		return protocol.Wrap(protocol.ErrAuth, "auth", "validate ticket", "missing ticket", nil)
	}
	token, err := jwt.ParseWithClaims(ticket, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return protocol.Wrap(protocol.ErrAuth, "auth", "validate ticket", "", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return protocol.Wrap(protocol.ErrAuth, "auth", "validate ticket", "invalid claims", nil)
	}
	if claims.ClientID != clientID {
		return protocol.Wrap(protocol.ErrAuth, "auth", "validate ticket", "ticket issued to another client", nil)
	}
	return nil
}

// Expired reports whether err came from an expired ticket.
func Expired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
