package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"headless/internal/protocol"
)

func TestIssueAndValidate(t *testing.T) {
	issuer, err := NewIssuer(time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	ticket, err := issuer.Issue("client-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := issuer.Validate(ticket, "client-a"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := issuer.Validate(ticket, "client-b"); !errors.Is(err, protocol.ErrAuth) {
		t.Fatalf("cross-client ticket accepted: %v", err)
	}
}

func TestValidateRejectsMissingAndForeign(t *testing.T) {
	issuer := NewIssuerWithSecret([]byte("one"), time.Minute)
	other := NewIssuerWithSecret([]byte("two"), time.Minute)

	if err := issuer.Validate("", "c"); !errors.Is(err, protocol.ErrAuth) {
		t.Fatalf("empty ticket accepted: %v", err)
	}
	foreign, err := other.Issue("c")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := issuer.Validate(foreign, "c"); !errors.Is(err, protocol.ErrAuth) {
		t.Fatalf("foreign ticket accepted: %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	issuer := NewIssuerWithSecret([]byte("secret"), time.Minute)
	start := time.Now()
	issuer.now = func() time.Time { return start }
	ticket, err := issuer.Issue("c")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	issuer.now = func() time.Time { return start.Add(2 * time.Minute) }
	err = issuer.Validate(ticket, "c")
	if !Expired(err) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	issuer := NewIssuerWithSecret([]byte("secret"), time.Minute)
	claims := Claims{ClientID: "c", RegisteredClaims: jwt.RegisteredClaims{Issuer: "bssigner"}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if err := issuer.Validate(unsigned, "c"); err == nil {
		t.Fatal("unsigned ticket accepted")
	}
}
