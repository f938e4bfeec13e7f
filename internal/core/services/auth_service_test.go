package services

import (
	"testing"
	"time"

	"pikacall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthServiceRoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Minute)

	token, err := auth.GenerateToken("ops-dashboard", domain.RoleViewer)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-dashboard", claims.Subject)
	assert.Equal(t, domain.RoleViewer, claims.Role)

	assert.NoError(t, auth.Authorize(claims, domain.RoleViewer))
	assert.ErrorIs(t, auth.Authorize(claims, domain.RoleOperator), ErrForbidden)
	assert.ErrorIs(t, auth.Authorize(nil, domain.RoleViewer), ErrForbidden)
}

func TestAuthServiceRejectsBadTokens(t *testing.T) {
	auth := NewAuthService("secret", time.Minute)

	other, err := NewAuthService("other-secret", time.Minute).GenerateToken("x", domain.RoleOperator)
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewAuthService("secret", -time.Minute).GenerateToken("x", domain.RoleOperator)
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAPIRoleAllows(t *testing.T) {
	assert.True(t, domain.RoleOperator.Allows(domain.RoleViewer))
	assert.False(t, domain.RoleViewer.Allows(domain.RoleOperator))
	assert.False(t, domain.APIRole("root").Allows(domain.RoleViewer))
}
