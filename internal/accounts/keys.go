package accounts

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// KeyProvider issues the opaque hex keys used for accounts, registration
// keys and access keys.
type KeyProvider interface {
	NewKey() (string, error)
}

type uuidKeyProvider struct{}

// NewUUIDKeyProvider constructs a KeyProvider deriving 32-byte hex keys from
// UUIDv7 values.
func NewUUIDKeyProvider() KeyProvider {
	return &uuidKeyProvider{}
}

func (p *uuidKeyProvider) NewKey() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(value[:])
	return hex.EncodeToString(digest[:]), nil
}
