package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

func newAuthServiceForTest(t *testing.T) *AuthService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret!"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewAuthService(nil, nil, AuthConfig{
		AccessTokenSecret:    "test-secret",
		AccessTokenExpiry:    15 * time.Minute,
		Issuer:               "campuswatch",
		OperatorUsername:     "operator",
		OperatorPasswordHash: string(hash),
	})
}

func TestAuthServiceLoginIssuesOperatorToken(t *testing.T) {
	svc := newAuthServiceForTest(t)

	resp, err := svc.Login(context.Background(), models.LoginRequest{Username: "operator", Password: "s3cret!"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, int64(900), resp.ExpiresIn)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, models.RoleOperator, claims.Role)
}

func TestAuthServiceLoginRejectsBadCredentials(t *testing.T) {
	svc := newAuthServiceForTest(t)

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "operator", Password: "wrong"})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	_, err = svc.Login(context.Background(), models.LoginRequest{Username: "admin", Password: "s3cret!"})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	_, err = svc.Login(context.Background(), models.LoginRequest{Username: "operator"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestAuthServiceLoginDisabledWithoutHash(t *testing.T) {
	svc := NewAuthService(nil, nil, AuthConfig{AccessTokenSecret: "x", OperatorUsername: "operator"})

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "operator", Password: "anything"})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestAuthServiceValidateTokenRejections(t *testing.T) {
	svc := newAuthServiceForTest(t)

	_, err := svc.ValidateToken("not-a-token")
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	other := NewAuthService(nil, nil, AuthConfig{AccessTokenSecret: "other-secret", Issuer: "campuswatch"})
	foreign, _, err := other.IssueToken("operator")
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	wrongIssuer := NewAuthService(nil, nil, AuthConfig{AccessTokenSecret: "test-secret", Issuer: "elsewhere"})
	token, _, err := wrongIssuer.IssueToken("operator")
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	viewer := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.JWTClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "campuswatch",
			Subject:   "someone",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := viewer.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(signed)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestAuthServiceRejectsExpiredToken(t *testing.T) {
	svc := newAuthServiceForTest(t)
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.JWTClaims{
		Role: models.RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "campuswatch",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(signed)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}
