package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/hkdf"
)

// chatKeyInfo namespaces HKDF derivations so chat subkeys can never collide
// with keys derived for other purposes from the same master key.
const chatKeyInfo = "courier:chat:"

// Keyring derives per-chat content keys from a single device master key and
// applies the encryption boundary at the local-store/relay seam.
type Keyring struct {
	master []byte
}

// NewKeyring wraps a raw 32-byte master key.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != aes256KeySize {
		return nil, fmt.Errorf("invalid master key length: got %d want %d", len(master), aes256KeySize)
	}
	key := make([]byte, aes256KeySize)
	copy(key, master)
	return &Keyring{master: key}, nil
}

// LoadOrCreateKeyring reads the base64 master key file at path, generating
// and persisting a fresh key (mode 0600) when none exists yet.
func LoadOrCreateKeyring(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		master, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decode master key file %q: %w", path, err)
		}
		return NewKeyring(master)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read master key file %q: %w", path, err)
	}

	master := make([]byte, aes256KeySize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(master)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write master key file %q: %w", path, err)
	}

	return NewKeyring(master)
}

// chatKey derives the AES-256 subkey for one chat via HKDF-SHA256.
func (k *Keyring) chatKey(chatID string) ([]byte, error) {
	if k == nil || len(k.master) == 0 {
		return nil, fmt.Errorf("%w: no master key loaded", ErrDecryption)
	}

	key := make([]byte, aes256KeySize)
	reader := hkdf.New(sha256.New, k.master, nil, []byte(chatKeyInfo+chatID))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive chat key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext for a chat and returns ciphertext and IV.
func (k *Keyring) Seal(chatID string, plaintext []byte) (ciphertext, iv []byte, err error) {
	key, err := k.chatKey(chatID)
	if err != nil {
		return nil, nil, err
	}
	return Encrypt(key, plaintext)
}

// Open decrypts a sealed payload for a chat. Failures wrap ErrDecryption.
func (k *Keyring) Open(chatID string, ciphertext, iv []byte) ([]byte, error) {
	key, err := k.chatKey(chatID)
	if err != nil {
		return nil, err
	}
	return Decrypt(key, iv, ciphertext)
}
