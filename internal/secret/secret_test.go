// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secret

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, KeySize)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

// =============================================================================
// KEY DERIVATION TESTS
// =============================================================================

func TestDeriveKey(t *testing.T) {
	salt := []byte("test_salt_value!")

	key1 := DeriveKey("passphrase", salt)
	key2 := DeriveKey("passphrase", salt)
	require.Len(t, key1, KeySize)
	require.True(t, bytes.Equal(key1, key2), "same passphrase/salt should derive same key")

	key3 := DeriveKey("passphrase", []byte("different_salt!!"))
	require.False(t, bytes.Equal(key1, key3), "different salt should derive different key")
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "salt")

	salt1, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	require.Len(t, salt1, SaltSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	salt2, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	require.Equal(t, salt1, salt2, "existing salt should be reused")

	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
	_, err = LoadOrCreateSalt(path)
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	saltPath := filepath.Join(t.TempDir(), "salt")

	_, err := Open("", saltPath)
	require.ErrorIs(t, err, ErrEmptyPassphrase)

	v1, err := Open("correct horse", saltPath)
	require.NoError(t, err)
	enc, err := v1.EncryptString("sk-test")
	require.NoError(t, err)

	v2, err := Open("correct horse", saltPath)
	require.NoError(t, err)
	require.Equal(t, v1.Fingerprint(), v2.Fingerprint())
	plain, err := v2.DecryptString(enc)
	require.NoError(t, err)
	require.Equal(t, "sk-test", plain)

	v3, err := Open("wrong", saltPath)
	require.NoError(t, err)
	require.NotEqual(t, v1.Fingerprint(), v3.Fingerprint())
	_, err = v3.DecryptString(enc)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

// =============================================================================
// ENCRYPTION TESTS
// =============================================================================

func TestNew_InvalidKey(t *testing.T) {
	_, err := New([]byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestVault_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plain := range []string{"", "sk-abc123", "ключ 🔑", strings.Repeat("x", 4096)} {
		enc, err := v.EncryptString(plain)
		require.NoError(t, err)
		require.True(t, IsEncrypted(enc))
		require.NotContains(t, enc[len(EncryptedPrefix):], "sk-abc123")

		got, err := v.DecryptString(enc)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
}

func TestVault_NonceUniqueness(t *testing.T) {
	v := newTestVault(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		enc, err := v.Encrypt([]byte("same"))
		require.NoError(t, err)
		nonce := string(enc[:NonceSize])
		require.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}

func TestVault_Tampered(t *testing.T) {
	v := newTestVault(t)

	enc, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)
	enc[len(enc)-1] ^= 0xff
	_, err = v.Decrypt(enc)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = v.Decrypt([]byte("tiny"))
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = v.DecryptString("ENC:not-base64!!")
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = v.DecryptString("plain")
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	short := EncryptedPrefix + base64.StdEncoding.EncodeToString([]byte("abc"))
	_, err = v.DecryptString(short)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestVault_Reveal(t *testing.T) {
	v := newTestVault(t)

	got, err := v.Reveal("sk-plain")
	require.NoError(t, err)
	require.Equal(t, "sk-plain", got)

	got, err = v.Reveal("")
	require.NoError(t, err)
	require.Empty(t, got)

	enc, _ := v.EncryptString("sk-hidden")
	got, err = v.Reveal(enc)
	require.NoError(t, err)
	require.Equal(t, "sk-hidden", got)
}

func TestVault_Concurrent(t *testing.T) {
	v := newTestVault(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc, err := v.EncryptString("value")
			if err != nil {
				t.Errorf("EncryptString: %v", err)
				return
			}
			if got, err := v.DecryptString(enc); err != nil || got != "value" {
				t.Errorf("DecryptString = %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "***"},
		{"sk-1234567890", "*********7890"},
		{"ENC:abcdef", "ENC:****"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
