package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const sealedPrefix = "enc:"

// Secret holds either a plaintext value or an "enc:"-prefixed AES-GCM
// ciphertext. It is never printed in plaintext.
type Secret string

func (s Secret) Empty() bool { return strings.TrimSpace(string(s)) == "" }

func (s Secret) Sealed() bool { return strings.HasPrefix(string(s), sealedPrefix) }

func (s Secret) String() string {
	if s.Empty() {
		return ""
	}
	return "********"
}

// Keyring decrypts sealed secrets on read.
type Keyring struct {
	key []byte
}

// NewKeyring parses a base64 encoded 32 byte key. An empty key yields a
// keyring that can only reveal plaintext secrets.
func NewKeyring(encoded string) (Keyring, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return Keyring{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Keyring{}, fmt.Errorf("secret_key: %w", err)
	}
	if len(key) != 32 {
		return Keyring{}, fmt.Errorf("secret_key must decode to 32 bytes, got %d", len(key))
	}
	return Keyring{key: key}, nil
}

func (k Keyring) aead() (cipher.AEAD, error) {
	if len(k.key) == 0 {
		return nil, errors.New("secret_key not configured")
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Reveal returns the plaintext for s.
func (k Keyring) Reveal(s Secret) (string, error) {
	if !s.Sealed() {
		return strings.TrimSpace(string(s)), nil
	}
	gcm, err := k.aead()
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(string(s), sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("sealed secret too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed secret: %w", err)
	}
	return string(plain), nil
}

// Seal encrypts plaintext into a Secret suitable for launchline.yml.
func (k Keyring) Seal(plaintext string) (Secret, error) {
	gcm, err := k.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Secret(sealedPrefix + base64.StdEncoding.EncodeToString(out)), nil
}
