package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, "collab.test")

	p := Principal{
		ID:          "user-1",
		DisplayName: "Alice",
		Role:        RoleEditor,
		Permissions: []string{"documents:write"},
	}

	token, err := svc.Issue(p)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.DisplayName, got.DisplayName)
	assert.Equal(t, p.Role, got.Role)
	assert.Equal(t, p.Permissions, got.Permissions)
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, "collab.test")
	_, err := svc.Issue(Principal{ID: "user-1", Role: "WIZARD"})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestVerifyExpiredToken(t *testing.T) {
	svc := NewTokenService("test-secret", -time.Minute, "collab.test")
	token, err := svc.Issue(Principal{ID: "user-1", Role: RoleUser})
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, "collab.test")
	token, err := svc.Issue(Principal{ID: "user-1", Role: RoleUser})
	require.NoError(t, err)

	other := NewTokenService("different-secret", time.Hour, "collab.test")
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, "collab.test")
	_, err := svc.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRoleCanWrite(t *testing.T) {
	assert.True(t, RoleAdmin.CanWrite())
	assert.True(t, RoleEditor.CanWrite())
	assert.True(t, RoleUser.CanWrite())
	assert.False(t, RoleViewer.CanWrite())
}
