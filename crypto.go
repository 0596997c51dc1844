package openmemory

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// EncryptedPlaceholder is substituted on read paths when decryption fails.
// Read failures never fail the call.
const EncryptedPlaceholder = "[Encrypted Content]"

// CryptoBox encrypts memory content at rest with AES-256-GCM. The key is
// derived once from the configured passphrase; the box is stateless after
// init and safe for concurrent use.
type CryptoBox struct {
	aead cipher.AEAD
}

// NewCryptoBox derives a 256-bit key from the passphrase and builds the AEAD.
func NewCryptoBox(passphrase string) (*CryptoBox, error) {
	if passphrase == "" {
		return nil, Errf(CodeInvalid, "empty encryption passphrase")
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("openmemory: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("openmemory: gcm init: %w", err)
	}
	return &CryptoBox{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce prepended to the output.
func (c *CryptoBox) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("openmemory: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *CryptoBox) Decrypt(blob []byte) (string, error) {
	ns := c.aead.NonceSize()
	if len(blob) < ns {
		return "", Errf(CodeInvalid, "ciphertext too short")
	}
	plain, err := c.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("openmemory: decrypt: %w", err)
	}
	return string(plain), nil
}

// DecryptOrPlaceholder is the read-path helper: decryption failures yield the
// placeholder string and a false flag so callers can log once.
func (c *CryptoBox) DecryptOrPlaceholder(blob []byte) (string, bool) {
	plain, err := c.Decrypt(blob)
	if err != nil {
		return EncryptedPlaceholder, false
	}
	return plain, true
}
