package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 12 * time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("token issuer must be provided")
	errMissingAudience      = errors.New("token audience must be provided")
	errInvalidTTL           = errors.New("token ttl must be positive")
	errMissingActorID       = errors.New("actor id must be provided")
)

// ActorClaims identifies a field worker or coordinator acting on queue
// items and optimistic updates. The subject ends up in audit notes, so
// it must survive a round trip through issuance and validation intact.
type ActorClaims struct {
	ActorID string
	Name    string
	Role    string
}

// TokenIssuerConfig configures the actor JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates HS256 actor tokens. Field devices
// hold a token for the whole deployment shift, hence the long default
// TTL.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

type actorTokenClaims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// NewTokenIssuer validates the configuration and constructs an issuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl < 0 {
		return nil, errInvalidTTL
	}
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueActorToken produces a signed JWT and its expiry in seconds.
func (i *TokenIssuer) IssueActorToken(_ context.Context, claims ActorClaims) (string, int64, error) {
	if strings.TrimSpace(claims.ActorID) == "" {
		return "", 0, errMissingActorID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	tokenClaims := actorTokenClaims{
		Name: claims.Name,
		Role: claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.ActorID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks signature, issuer, audience and expiry, and
// returns the actor claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (ActorClaims, error) {
	claims := &actorTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return ActorClaims{}, err
	}
	if claims.Subject == "" {
		return ActorClaims{}, errMissingActorID
	}
	return ActorClaims{
		ActorID: claims.Subject,
		Name:    claims.Name,
		Role:    claims.Role,
	}, nil
}
