package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for bcrypt hashing
const BcryptCost = 10

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// ValidatePassword checks if a password matches the hash
func ValidatePassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// CredentialVerifier maps valid credentials to a principal. User
// registration and account management live outside collabd; the gateway
// only consumes this contract for its token endpoint.
type CredentialVerifier interface {
	VerifyCredentials(username, password string) (*Principal, error)
}

// StaticCredentials is a CredentialVerifier backed by an in-memory table
// of bcrypt hashes, suitable for development and tests.
type StaticCredentials struct {
	entries map[string]staticEntry
}

type staticEntry struct {
	hash      string
	principal Principal
}

// NewStaticCredentials creates an empty credential table.
func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{entries: make(map[string]staticEntry)}
}

// Add registers a username with a plaintext password and principal.
func (s *StaticCredentials) Add(username, password string, p Principal) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	s.entries[username] = staticEntry{hash: hash, principal: p}
	return nil
}

// AddHash registers a username with an already-hashed password.
func (s *StaticCredentials) AddHash(username, hash string, p Principal) {
	s.entries[username] = staticEntry{hash: hash, principal: p}
}

// ParseStaticCredentials builds a credential table from a comma-separated
// list of username:displayName:role:bcryptHash entries. The username
// doubles as the principal id.
func ParseStaticCredentials(raw string) (*StaticCredentials, error) {
	creds := NewStaticCredentials()
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed credential entry %q", entry)
		}
		role := Role(parts[2])
		if !role.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, parts[2])
		}
		creds.AddHash(parts[0], parts[3], Principal{
			ID:          parts[0],
			DisplayName: parts[1],
			Role:        role,
		})
	}
	return creds, nil
}

// VerifyCredentials implements CredentialVerifier.
func (s *StaticCredentials) VerifyCredentials(username, password string) (*Principal, error) {
	entry, ok := s.entries[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := ValidatePassword(password, entry.hash); err != nil {
		return nil, ErrInvalidCredentials
	}
	p := entry.principal
	return &p, nil
}
