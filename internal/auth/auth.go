// Package auth validates bearer tokens and maps them to principals used
// by the access-rule engine.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/livegate/livegate/pkg/model"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature or
	// claim validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the JWT payload carried by livegate access tokens.
type Claims struct {
	UserID string                 `json:"uid"`
	Roles  []string               `json:"roles,omitempty"`
	Admin  bool                   `json:"admin,omitempty"`
	Extra  map[string]interface{} `json:"extra,omitempty"`

	jwt.RegisteredClaims
}

// Service issues and validates access tokens.
type Service struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	tokenTTL   time.Duration
}

// NewService loads (or generates) the signing key named by the config.
func NewService(cfg Config) (*Service, error) {
	cfg.ApplyDefaults()
	key, err := EnsurePrivateKey(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return &Service{
		privateKey: key,
		publicKey:  &key.PublicKey,
		tokenTTL:   cfg.TokenTTL,
	}, nil
}

// GenerateToken signs an access token for the given principal.
func (s *Service) GenerateToken(p *model.Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: p.ID,
		Roles:  p.Roles,
		Admin:  p.Admin,
		Extra:  p.Claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

// ValidateToken verifies the token and returns the principal it names.
func (s *Service) ValidateToken(tokenString string) (*model.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user ID", ErrInvalidToken)
	}

	return &model.Principal{
		ID:     claims.UserID,
		Roles:  claims.Roles,
		Admin:  claims.Admin,
		Claims: claims.Extra,
	}, nil
}
