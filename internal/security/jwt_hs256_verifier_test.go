package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "verifier-test-secret"

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestVerifyAccessToken_Valid(t *testing.T) {
	v := NewHS256Verifier(testSecret, "ragline")
	token := signed(t, testSecret, jwt.MapClaims{
		"tid":  "t1",
		"uid":  "u1",
		"role": "member",
		"iss":  "ragline",
		"sub":  "u1",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.VerifyAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "member", claims.Role)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.Exp, 5*time.Second)
}

func TestVerifyAccessToken_Expired(t *testing.T) {
	v := NewHS256Verifier(testSecret, "")
	token := signed(t, testSecret, jwt.MapClaims{
		"tid": "t1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := v.VerifyAccessToken(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyAccessToken_WrongSecret(t *testing.T) {
	v := NewHS256Verifier(testSecret, "")
	token := signed(t, "other-secret", jwt.MapClaims{
		"tid": "t1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.VerifyAccessToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyAccessToken_RejectsForeignAlg(t *testing.T) {
	v := NewHS256Verifier(testSecret, "")
	tok := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.MapClaims{
		"tid": "t1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.VerifyAccessToken(s)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyAccessToken_MissingTenant(t *testing.T) {
	v := NewHS256Verifier(testSecret, "")
	token := signed(t, testSecret, jwt.MapClaims{
		"uid": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.VerifyAccessToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyAccessToken_IssuerMismatch(t *testing.T) {
	v := NewHS256Verifier(testSecret, "ragline")
	token := signed(t, testSecret, jwt.MapClaims{
		"tid": "t1",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.VerifyAccessToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyAccessToken_Garbage(t *testing.T) {
	v := NewHS256Verifier(testSecret, "")
	_, err := v.VerifyAccessToken("not-a-jwt")
	require.ErrorIs(t, err, ErrTokenInvalid)
}
