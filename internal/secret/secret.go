// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secret encrypts API keys at rest.
//
// Values are sealed with AES-256-GCM under a key derived from a passphrase
// with PBKDF2-SHA-256. Encrypted values are stored as strings of the form
// "ENC:" + base64(nonce|ciphertext|tag), so a config file can hold a mix of
// plain and encrypted keys.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/aihub/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// EncryptedPrefix marks an encrypted value.
const EncryptedPrefix = "ENC:"

const (
	// NonceSize is the AES-GCM nonce size (96 bits).
	NonceSize = 12

	// KeySize is the AES-256 key size.
	KeySize = 32

	// SaltSize is the PBKDF2 salt size.
	SaltSize = 32

	// Iterations is the PBKDF2-SHA-256 iteration count.
	Iterations = 600000
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidCiphertext indicates a malformed encrypted value.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed indicates a wrong key or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrInvalidKey indicates a key of the wrong length.
	ErrInvalidKey = errors.New("invalid key size")

	// ErrEmptyPassphrase is returned when no passphrase was given.
	ErrEmptyPassphrase = errors.New("passphrase is empty")
)

// =============================================================================
// KEY DERIVATION
// =============================================================================

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a KeySize key from passphrase and salt.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
}

// LoadOrCreateSalt reads the salt at path, creating it with fresh random
// bytes (mode 0600, directory 0700) when it does not exist.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("salt file %s: want %d bytes, got %d", path, SaltSize, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	salt, err = GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := util.AtomicWriteFileWithDir(path, salt, 0600, 0700); err != nil {
		return nil, fmt.Errorf("failed to write salt: %w", err)
	}
	return salt, nil
}

// =============================================================================
// VAULT
// =============================================================================

// Vault seals and opens values with one key. It is safe for concurrent use.
type Vault struct {
	mu          sync.RWMutex
	aead        cipher.AEAD
	fingerprint string
}

// New creates a vault from a raw KeySize key. The key is not retained.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	sum := sha256.Sum256(key)
	return &Vault{aead: gcm, fingerprint: hex.EncodeToString(sum[:4])}, nil
}

// Open derives a key from passphrase and the salt stored at saltPath.
func Open(passphrase, saltPath string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	salt, err := LoadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	key := DeriveKey(passphrase, salt)
	defer clear(key)
	return New(key)
}

// Fingerprint identifies the key without revealing it: the first four
// bytes of its SHA-256, hex encoded.
func (v *Vault) Fingerprint() string {
	return v.fingerprint
}

// Encrypt seals plaintext and returns nonce|ciphertext|tag.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+v.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	plaintext, err := v.aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString returns plaintext as an "ENC:" value.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	ciphertext, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString opens an "ENC:" value.
func (v *Vault) DecryptString(value string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	plaintext, err := v.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Reveal returns value decrypted when it carries the "ENC:" prefix and
// unchanged otherwise.
func (v *Vault) Reveal(value string) (string, error) {
	if value == "" || !IsEncrypted(value) {
		return value, nil
	}
	return v.DecryptString(value)
}

// IsEncrypted reports whether value carries the "ENC:" prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// Mask hides all but the last four characters of a secret for display.
func Mask(value string) string {
	if IsEncrypted(value) {
		return EncryptedPrefix + "****"
	}
	r := []rune(value)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}
