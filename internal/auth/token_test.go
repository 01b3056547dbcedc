package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, expiresAt, err := IssueToken(secret, Claims{
		Sub:  "reader-1",
		Name: "Imogen",
		JTI:  "jti-1",
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if until := time.Until(expiresAt); until < 59*time.Minute || until > time.Hour {
		t.Fatalf("expected expiry about an hour out, got %s", until)
	}

	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "reader-1" || claims.Name != "Imogen" || claims.JTI != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Exp != expiresAt.Unix() {
		t.Fatalf("claims.Exp = %d, want %d", claims.Exp, expiresAt.Unix())
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, _, err := IssueToken(secret, Claims{Sub: "reader-1", Name: "Imogen", JTI: "jti-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampered(t *testing.T) {
	secret := []byte("secret")
	issued, _, err := IssueToken(secret, Claims{Sub: "reader-1", Name: "Imogen", JTI: "jti-1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	payload, signature, _ := strings.Cut(issued, ".")
	forged := payload + "x." + signature
	if _, err := ParseToken(secret, forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken(forged payload) error = %v, want ErrInvalidToken", err)
	}

	if _, err := ParseToken([]byte("other-secret"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken(wrong secret) error = %v, want ErrInvalidToken", err)
	}
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	secret := []byte("secret")
	for _, token := range []string{"", "nodot", ".", "a.", ".b"} {
		if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ParseToken(%q) error = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestHashToken(t *testing.T) {
	first := HashToken("share-token-value")
	second := HashToken("share-token-value")
	if first != second {
		t.Error("expected stable hash for the same value")
	}
	if first == HashToken("another-value") {
		t.Error("expected different hashes for different values")
	}
	if len(first) != 64 {
		t.Errorf("expected hex sha256 length 64, got %d", len(first))
	}
}
