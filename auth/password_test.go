package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndValidatePassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	assert.NoError(t, ValidatePassword("s3cret", hash))
	assert.Error(t, ValidatePassword("wrong", hash))
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestStaticCredentials(t *testing.T) {
	creds := NewStaticCredentials()
	require.NoError(t, creds.Add("alice", "s3cret", Principal{
		ID:          "alice",
		DisplayName: "Alice",
		Role:        RoleEditor,
	}))

	p, err := creds.VerifyCredentials("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	assert.Equal(t, RoleEditor, p.Role)

	_, err = creds.VerifyCredentials("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = creds.VerifyCredentials("bob", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestParseStaticCredentials(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	creds, err := ParseStaticCredentials("alice:Alice:EDITOR:" + hash + ",bob:Bob:VIEWER:" + hash)
	require.NoError(t, err)

	p, err := creds.VerifyCredentials("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)

	p, err = creds.VerifyCredentials("bob", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, p.Role)
}

func TestParseStaticCredentialsErrors(t *testing.T) {
	_, err := ParseStaticCredentials("missing-fields")
	assert.Error(t, err)

	_, err = ParseStaticCredentials("alice:Alice:WIZARD:$2a$10$hash")
	assert.ErrorIs(t, err, ErrUnknownRole)
}
