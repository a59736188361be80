package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevMode(t *testing.T) {
	v := NewVerifier("", "")
	p, err := v.Verify("u1:company_admin:co1")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", Role: RoleCompanyAdmin, CompanyID: "co1"}, p)
	assert.True(t, p.TenantWide())

	for _, bad := range []string{"", "u1:driver", "u1::co1", "a:b:c:d"} {
		_, err := v.Verify(bad)
		assert.ErrorIs(t, err, ErrUnauthenticated, bad)
	}
}

func TestHMACMode(t *testing.T) {
	v := NewVerifier("hmac", "s3cret")
	tok, err := v.Sign(Principal{UserID: "d1", Role: "driver", CompanyID: "co1"}, time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "d1", p.UserID)
	assert.Equal(t, RoleDriver, p.Role)
	assert.Equal(t, "co1", p.CompanyID)
	assert.False(t, p.TenantWide())

	other := NewVerifier("hmac", "other")
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHMACExpiredAndMissingExp(t *testing.T) {
	v := NewVerifier("hmac", "s3cret")
	tok, err := v.Sign(Principal{UserID: "d1", Role: RoleDriver, CompanyID: "co1"}, time.Minute)
	require.NoError(t, err)
	v.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{CompanyID: "co1", RegisteredClaims: jwt.RegisteredClaims{Subject: "d1"}}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = NewVerifier("hmac", "s3cret").Verify(noExp)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHMACRejectsOtherAlgorithms(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{CompanyID: "co1", RegisteredClaims: jwt.RegisteredClaims{
		Subject: "d1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewVerifier("hmac", "s3cret").Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
