package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	mgr := NewManager("test-secret")

	tok, err := mgr.GenerateAccessToken("user-1", "tenant-1", "operator")
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "operator", claims.Role)
	assert.Equal(t, Access, claims.TokenType)
	assert.NotEmpty(t, claims.ID)
}

func TestRefreshTokenHasRefreshType(t *testing.T) {
	mgr := NewManager("test-secret")

	tok, err := mgr.GenerateRefreshToken("user-1", "tenant-1", "viewer")
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, Refresh, claims.TokenType)
}

func TestValidateRejectsWrongKey(t *testing.T) {
	tok, err := NewManager("key-a").GenerateAccessToken("user-1", "tenant-1", "admin")
	require.NoError(t, err)

	_, err = NewManager("key-b").ValidateToken(tok)
	assert.Error(t, err)
}
