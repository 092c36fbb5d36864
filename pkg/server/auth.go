package server

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrAuthFailed = errors.New("authentication failed")

// CredentialGate decides whether an identity may connect. Listed identities
// must present the password matching their bcrypt hash; unlisted identities
// pass unless the gate is strict.
type CredentialGate struct {
	required bool
	hashes   map[string][]byte
}

// NewCredentialGate builds a gate from identity → bcrypt hash pairs
func NewCredentialGate(required bool, users map[string]string) *CredentialGate {
	hashes := make(map[string][]byte, len(users))
	for identity, hash := range users {
		hashes[identity] = []byte(hash)
	}
	return &CredentialGate{required: required, hashes: hashes}
}

// Check returns nil when identity may connect with password
func (g *CredentialGate) Check(identity, password string) error {
	hash, listed := g.hashes[identity]
	if !listed {
		if g.required {
			return fmt.Errorf("%w: unknown identity %q", ErrAuthFailed, identity)
		}
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}

// HashPassword returns the bcrypt hash to place in [auth.users]
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
