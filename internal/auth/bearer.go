package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSigningKey is returned when neither a secret nor a public key is configured.
	ErrNoSigningKey = errors.New("no jwt verification key configured")
	// ErrInvalidToken covers every reason a bearer token is refused.
	ErrInvalidToken = errors.New("invalid token")
)

// BearerConfig configures bearer token validation.
type BearerConfig struct {
	// Algorithm is HS256 or RS256. RS256 is implied when PublicKeyPEM is set.
	Algorithm    string
	Secret       string
	PublicKeyPEM string
	Issuer       string
	Audience     string
	Leeway       time.Duration
}

// BearerValidator validates access tokens issued by the user service.
type BearerValidator struct {
	key    any
	parser *jwt.Parser
}

// NewBearerValidator builds a validator from cfg.
func NewBearerValidator(cfg BearerConfig) (*BearerValidator, error) {
	var (
		key    any
		method string
	)
	switch {
	case cfg.PublicKeyPEM != "" || strings.EqualFold(cfg.Algorithm, "RS256"):
		if cfg.PublicKeyPEM == "" {
			return nil, ErrNoSigningKey
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		key, method = pub, jwt.SigningMethodRS256.Alg()
	case cfg.Secret != "":
		key, method = []byte(cfg.Secret), jwt.SigningMethodHS256.Alg()
	default:
		return nil, ErrNoSigningKey
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &BearerValidator{key: key, parser: jwt.NewParser(opts...)}, nil
}

// Validate checks the token and returns the principal named by its subject.
func (v *BearerValidator) Validate(token string) (Principal, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Principal{UserID: claims.Subject, Scheme: SchemeBearer}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authorization string) (string, bool) {
	const prefix = "bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	return token, token != ""
}
