package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_ValidateIssuedToken(t *testing.T) {
	a, err := auth.NewJWT([]byte("secret"), auth.JWTOptions{Issuer: "relay", Audience: "clients"})
	require.NoError(t, err)

	token, err := a.Issue("alice", time.Minute)
	require.NoError(t, err)

	userID, err := a.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestJWT_Rejections(t *testing.T) {
	ctx := context.Background()
	a, err := auth.NewJWT([]byte("secret"), auth.JWTOptions{Issuer: "relay"})
	require.NoError(t, err)
	other, err := auth.NewJWT([]byte("other-secret"), auth.JWTOptions{Issuer: "relay"})
	require.NoError(t, err)

	expired, err := a.Issue("alice", -time.Minute)
	require.NoError(t, err)
	forged, err := other.Issue("alice", time.Minute)
	require.NoError(t, err)
	noSubject, err := a.Issue("", time.Minute)
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice",
		Issuer:  "relay",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "relay",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"expired":      expired,
		"forged":       forged,
		"no subject":   noSubject,
		"wrong issuer": wrongIssuer,
		"no expiry":    noExpiry,
		"alg none":     noneAlg,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			userID, err := a.Validate(ctx, token)
			assert.ErrorIs(t, err, auth.ErrAuthFailure)
			assert.Empty(t, userID)
		})
	}
}

func TestNewJWT_RequiresSecret(t *testing.T) {
	_, err := auth.NewJWT(nil, auth.JWTOptions{})
	assert.Error(t, err)
}
