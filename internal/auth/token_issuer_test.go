package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuerIssuesSignedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
	})
	require.NoError(t, err)

	tokenString, expiresIn, err := issuer.IssueToken("user-123")
	require.NoError(t, err)
	require.Equal(t, int64((30 * time.Minute).Seconds()), expiresIn)

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	require.NoError(t, err)

	require.Equal(t, "user-123", claims.Subject)
	require.Equal(t, DefaultIssuer, claims.Issuer)
	require.NotEmpty(t, claims.Audience)
	require.Equal(t, DefaultAudience, claims.Audience[0])
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: nil})
	require.Error(t, err)
}

func TestTokenIssuerRejectsEmptySubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	require.NoError(t, err)
	_, _, err = issuer.IssueToken("  ")
	require.Error(t, err)
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		TokenTTL:      15 * time.Minute,
	})
	require.NoError(t, err)

	tokenString, _, err := issuer.IssueToken("user-321")
	require.NoError(t, err)

	subject, err := issuer.ValidateToken(tokenString)
	require.NoError(t, err)
	require.Equal(t, "user-321", subject)

	_, err = issuer.ValidateToken("invalid.token")
	require.Error(t, err, "malformed token")
}

func TestTokenIssuerRejectsForeignAudience(t *testing.T) {
	foreign, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Audience: "other-api"})
	require.NoError(t, err)
	local, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	require.NoError(t, err)

	tokenString, _, err := foreign.IssueToken("user-1")
	require.NoError(t, err)
	_, err = local.ValidateToken(tokenString)
	require.Error(t, err, "audience mismatch")
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), TokenTTL: time.Minute, Clock: clock})
	require.NoError(t, err)
	tokenString, _, err := issuer.IssueToken("user-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = issuer.ValidateToken(tokenString)
	require.Error(t, err, "expired token")
}

func TestIssuerTokenSourceCachesUntilNearExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), TokenTTL: 10 * time.Minute, Clock: clock})
	require.NoError(t, err)
	source, err := NewIssuerTokenSource(issuer, "user-7")
	require.NoError(t, err)

	first, err := source.Token(context.Background())
	require.NoError(t, err)
	now = now.Add(5 * time.Minute)
	second, err := source.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second, "cached token must be reused")

	now = now.Add(4*time.Minute + 30*time.Second)
	third, err := source.Token(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first, third, "token must refresh near expiry")
	subject, err := issuer.ValidateToken(third)
	require.NoError(t, err)
	require.Equal(t, "user-7", subject)
}

func TestStaticTokenSourceRequiresToken(t *testing.T) {
	_, err := NewStaticTokenSource(" ")
	require.Error(t, err)
	source, err := NewStaticTokenSource(" abc ")
	require.NoError(t, err)
	token, err := source.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", token)
}
