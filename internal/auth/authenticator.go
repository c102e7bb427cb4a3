// Package auth verifies device credentials on ingestion and, optionally,
// reader tokens on the query and streaming surfaces.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a device is unknown or its token
// does not match.
var ErrInvalidCredentials = errors.New("invalid device credentials")

// Authenticator checks a claimed device identity against its configured
// secret. A secret is either a plain token or a bcrypt hash of one.
// It is immutable after construction and safe for concurrent use.
type Authenticator struct {
	secrets map[string]string
}

// NewAuthenticator builds an Authenticator from a device id to secret map.
func NewAuthenticator(credentials map[string]string) (*Authenticator, error) {
	secrets := make(map[string]string, len(credentials))
	for id, secret := range credentials {
		if strings.TrimSpace(id) == "" {
			return nil, errors.New("device id cannot be empty")
		}
		if secret == "" {
			return nil, fmt.Errorf("secret for device %q cannot be empty", id)
		}
		if isBcrypt(secret) {
			if _, err := bcrypt.Cost([]byte(secret)); err != nil {
				return nil, fmt.Errorf("invalid bcrypt hash for device %q: %w", id, err)
			}
		}
		secrets[id] = secret
	}
	return &Authenticator{secrets: secrets}, nil
}

// Verify returns the authenticated device id, which is the identity of
// record for whatever the caller does next.
func (a *Authenticator) Verify(claimedDeviceID, token string) (string, error) {
	secret, ok := a.secrets[claimedDeviceID]
	if !ok || token == "" {
		return "", ErrInvalidCredentials
	}

	if isBcrypt(secret) {
		if err := bcrypt.CompareHashAndPassword([]byte(secret), []byte(token)); err != nil {
			return "", ErrInvalidCredentials
		}
		return claimedDeviceID, nil
	}

	if subtle.ConstantTimeCompare([]byte(secret), []byte(token)) != 1 {
		return "", ErrInvalidCredentials
	}
	return claimedDeviceID, nil
}

// Devices returns the number of provisioned devices.
func (a *Authenticator) Devices() int {
	return len(a.secrets)
}

func isBcrypt(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") ||
		strings.HasPrefix(secret, "$2b$") ||
		strings.HasPrefix(secret, "$2y$")
}
