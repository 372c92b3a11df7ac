// Package auth turns a bearer credential into a user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailure wraps every credential rejection. The connection is closed
// and nothing about it is retained.
var ErrAuthFailure = errors.New("authentication failed")

type Authenticator interface {
	// Validate returns the user id the token was issued to.
	Validate(ctx context.Context, token string) (string, error)
}

// Claims is the token body. The user id travels in the standard sub claim.
type Claims struct {
	jwt.RegisteredClaims
}

type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWT validates HS256 tokens signed with a shared secret.
type JWT struct {
	secret []byte
	opts   JWTOptions
	parser *jwt.Parser
}

func NewJWT(secret []byte, opts JWTOptions) (*JWT, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	return &JWT{secret: secret, opts: opts, parser: jwt.NewParser(parserOpts...)}, nil
}

var _ Authenticator = (*JWT)(nil)

func (a *JWT) Validate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrAuthFailure)
	}
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrAuthFailure)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token missing 'sub' claim", ErrAuthFailure)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl. Used by the dev token command
// and tests.
func (a *JWT) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	if a.opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.opts.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
