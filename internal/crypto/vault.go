package crypto

import (
	"encoding/base64"
	"fmt"
)

// Vault encrypts and decrypts backup source credentials at rest.
type Vault struct {
	key []byte
}

// NewVault decodes a base64 AES-256 key, as found in BACKUP_ENCRYPTION_KEY.
func NewVault(encodedKey string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Vault{key: key}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	return Encrypt([]byte(plaintext), v.key)
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	out, err := Decrypt(ciphertext, v.key)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
