package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "facedid/pkg/domain-errors"
)

func newTestService() *JWTService {
	return NewJWTService("test-signing-key", "facedid", "facedid-api")
}

func TestGenerateAndValidate(t *testing.T) {
	service := newTestService()

	token, err := service.GenerateAccessToken("operator-1", "client-a", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.Equal(t, "client-a", claims.ClientID)
	assert.Equal(t, "facedid", claims.Issuer)
}

func TestValidateExpiredToken(t *testing.T) {
	service := newTestService()

	token, err := service.GenerateAccessToken("operator-1", "client-a", -time.Minute)
	require.NoError(t, err)

	_, err = service.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateWrongKey(t *testing.T) {
	token, err := newTestService().GenerateAccessToken("operator-1", "client-a", time.Hour)
	require.NoError(t, err)

	other := NewJWTService("different-key", "facedid", "facedid-api")
	_, err = other.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestValidateGarbage(t *testing.T) {
	_, err := newTestService().ValidateToken("not.a.token")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestMiddlewareAdapter(t *testing.T) {
	service := newTestService()
	token, err := service.GenerateAccessToken("operator-1", "client-a", time.Hour)
	require.NoError(t, err)

	claims, err := NewMiddlewareAdapter(service).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.Equal(t, "client-a", claims.ClientID)
}
