// internal/security/cipher.go
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const gcmNonceLength = 12

var (
	ErrInvalidKeyLength   = errors.New("chave de cifra precisa ter 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext curto demais")
	ErrDecrypt            = errors.New("falha ao decifrar (chave diferente ou blob corrompido)")
)

// Cipher faz AES-256-GCM com o nonce prefixado ao ciphertext, tudo em base64.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("criar cifra: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("iniciar gcm: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, gcmNonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("gerar nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	if len(raw) < gcmNonceLength {
		return nil, ErrCiphertextTooShort
	}
	plain, err := c.aead.Open(nil, raw[:gcmNonceLength], raw[gcmNonceLength:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
