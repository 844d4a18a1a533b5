package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const aes256KeySize = 32

// ErrDecryption indicates a payload could not be opened: the key is missing,
// the nonce is malformed, or the ciphertext is corrupt. Callers must surface
// the affected message as undecryptable rather than drop it.
var ErrDecryption = errors.New("crypto: decryption failed")

// Encrypt encrypts plaintext with AES-256-GCM and returns ciphertext and IV.
func Encrypt(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	if len(key) != aes256KeySize {
		return nil, nil, fmt.Errorf("invalid key length: got %d want %d", len(key), aes256KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt decrypts AES-256-GCM ciphertext using the provided IV. Failures to
// authenticate or open the payload wrap ErrDecryption.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), aes256KeySize)
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext is required", ErrDecryption)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce length: got %d want %d", ErrDecryption, len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open ciphertext: %v", ErrDecryption, err)
	}

	return plaintext, nil
}
