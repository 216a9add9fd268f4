package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"fundingflow/internal/model"
)

// Vault seals exchange API credentials with AES-256-GCM before they reach
// storage. The key is derived from the configured secret; an empty secret
// disables the vault entirely.
type Vault struct {
	key []byte
}

var ErrVaultDisabled = errors.New("credential vault disabled")

func NewVault(secret string) *Vault {
	if secret == "" {
		return &Vault{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Vault{key: sum[:]}
}

func (v *Vault) Enabled() bool { return v != nil && len(v.key) == 32 }

// Seal encrypts a credential set to a base64 token: nonce || ciphertext.
func (v *Vault) Seal(cred model.Credential) (string, error) {
	if !v.Enabled() {
		return "", ErrVaultDisabled
	}
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("failed to encode credential: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal.
func (v *Vault) Open(token string) (model.Credential, error) {
	if !v.Enabled() {
		return model.Credential{}, ErrVaultDisabled
	}
	sealed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return model.Credential{}, fmt.Errorf("malformed credential token: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return model.Credential{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return model.Credential{}, err
	}
	if len(sealed) < gcm.NonceSize() {
		return model.Credential{}, errors.New("malformed credential token: too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return model.Credential{}, fmt.Errorf("credential decryption failed: %w", err)
	}

	var cred model.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return model.Credential{}, fmt.Errorf("failed to decode credential: %w", err)
	}
	return cred, nil
}
