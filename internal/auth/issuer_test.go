package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesActorTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "fieldsync-auth",
		Audience:      "fieldsync-api",
		TokenTTL:      12 * time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueActorToken(context.Background(), ActorClaims{
		ActorID: "coordinator-7",
		Name:    "J. Okafor",
		Role:    "coordinator",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &actorTokenClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "coordinator-7" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Role != "coordinator" {
		t.Fatalf("unexpected role %s", claims.Role)
	}
	if claims.Issuer != "fieldsync-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "fieldsync-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "fieldsync-auth",
		Audience:      "fieldsync-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueActorToken(context.Background(), ActorClaims{ActorID: "worker-21"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.ActorID != "worker-21" {
		t.Fatalf("unexpected actor id %s", claims.ActorID)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	current := time.Unix(1700000000, 0)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "fieldsync-auth",
		Audience:      "fieldsync-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueActorToken(context.Background(), ActorClaims{ActorID: "worker-3"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail after expiry")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  TokenIssuerConfig
	}{
		{"missing secret", TokenIssuerConfig{Issuer: "a", Audience: "b"}},
		{"missing issuer", TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "b"}},
		{"missing audience", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a"}},
		{"negative ttl", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: "b", TokenTTL: -time.Minute}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.cfg); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}

func TestTokenIssuerRequiresActorID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "fieldsync-auth",
		Audience:      "fieldsync-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueActorToken(context.Background(), ActorClaims{ActorID: "  "}); err == nil {
		t.Fatalf("expected error for blank actor id")
	}
}
