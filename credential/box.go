package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MasterKeySize is the required key length for sealing, in bytes.
const MasterKeySize = 32

// Box seals and opens credential material with AES-256-GCM. Sealed output is
// the random nonce followed by the ciphertext.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from the master key. The key is the hex or base64
// encoding of 32 raw bytes, as carried by ENCRYPTION_MASTER_KEY.
func NewBox(masterKey string) (*Box, error) {
	key, err := ParseMasterKey(masterKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// ParseMasterKey decodes a 32-byte key from its hex or base64 form.
func ParseMasterKey(masterKey string) ([]byte, error) {
	masterKey = strings.TrimSpace(masterKey)
	if masterKey == "" {
		return nil, errors.New("credential: master key is empty")
	}
	if key, err := hex.DecodeString(masterKey); err == nil {
		if len(key) != MasterKeySize {
			return nil, fmt.Errorf("credential: master key is %d bytes, want %d", len(key), MasterKeySize)
		}
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(masterKey); err == nil {
		if len(key) != MasterKeySize {
			return nil, fmt.Errorf("credential: master key is %d bytes, want %d", len(key), MasterKeySize)
		}
		return key, nil
	}
	return nil, errors.New("credential: master key is neither hex nor base64")
}

// Seal encrypts plaintext and prepends the nonce.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credential: generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts sealed output produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < b.aead.NonceSize() {
		return nil, errors.New("credential: sealed material truncated")
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("credential: sealed material does not authenticate")
	}
	return plaintext, nil
}
