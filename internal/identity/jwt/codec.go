// Package jwt issues and verifies the signed tokens used by the identity module.
package jwt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Claim names.
const (
	ClaimTokenType              = "token_type"
	ClaimRole                   = "role"
	ClaimRequiresPasswordChange = "requiresPasswordChange"
)

// minSecretLength is the minimum decoded secret size for HS256.
const minSecretLength = 32

// Token errors.
var (
	ErrTokenInvalid      = errors.New("token is invalid")
	ErrTokenExpired      = errors.New("token has expired")
	ErrTokenTypeMismatch = errors.New("token type mismatch")
)

// Config contains token signing configuration.
type Config struct {
	// SecretKey is the base64-encoded HMAC secret.
	SecretKey                 string
	AccessTokenDuration       time.Duration
	RefreshTokenDuration      time.Duration
	VerificationTokenDuration time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Token is a decoded and verified token.
type Token struct {
	Subject   string
	Role      domain.Role
	Type      domain.TokenType
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    map[string]any
}

// Bool returns a boolean claim, false if absent or not a boolean.
func (t *Token) Bool(name string) bool {
	v, _ := t.Claims[name].(bool)
	return v
}

// Codec signs and verifies tokens. It holds no mutable state and is safe for concurrent use.
type Codec struct {
	secret []byte
	ttls   map[domain.TokenType]time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// NewCodec creates a codec from cfg. The secret is decoded once and never changes afterwards.
func NewCodec(cfg Config) (*Codec, error) {
	secret, err := base64.StdEncoding.DecodeString(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("secret key must be at least %d bytes, got %d", minSecretLength, len(secret))
	}

	ttls := map[domain.TokenType]time.Duration{
		domain.TokenTypeAccess:            cfg.AccessTokenDuration,
		domain.TokenTypeRefresh:           cfg.RefreshTokenDuration,
		domain.TokenTypeEmailVerification: cfg.VerificationTokenDuration,
	}
	for tokenType, ttl := range ttls {
		if ttl <= 0 {
			return nil, fmt.Errorf("%s token duration must be positive", tokenType)
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Codec{
		secret: secret,
		ttls:   ttls,
		now:    now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(now),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// TTL returns the configured lifetime for a token type.
func (c *Codec) TTL(tokenType domain.TokenType) time.Duration {
	return c.ttls[tokenType]
}

// Issue signs a token for subject. Access tokens carry the role without any "ROLE_" prefix;
// extra claims never override the registered, type or role claims.
func (c *Codec) Issue(subject string, role domain.Role, tokenType domain.TokenType, ttl time.Duration, extra map[string]any) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}

	now := c.now()
	claims := jwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["sub"] = subject
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(now.Add(ttl))
	claims[ClaimTokenType] = string(tokenType)

	if tokenType == domain.TokenTypeAccess {
		claims[ClaimRole] = string(domain.ParseRole(string(role)))
	} else {
		delete(claims, ClaimRole)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and token type.
func (c *Codec) Verify(tokenString string, expected domain.TokenType) (*Token, error) {
	claims := jwt.MapClaims{}
	_, err := c.parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}

	tokenType, _ := claims[ClaimTokenType].(string)
	if domain.TokenType(tokenType) != expected {
		return nil, ErrTokenTypeMismatch
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	token := &Token{
		Subject: subject,
		Type:    domain.TokenType(tokenType),
		Claims:  claims,
	}
	if role, ok := claims[ClaimRole].(string); ok {
		token.Role = domain.ParseRole(role)
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		token.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		token.ExpiresAt = exp.Time
	}

	return token, nil
}

// Subject extracts the subject without verifying signature, expiry or type.
// The result must not be trusted until Verify succeeds.
func (c *Codec) Subject(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := c.parser.ParseUnverified(strings.TrimSpace(tokenString), claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return subject, nil
}
