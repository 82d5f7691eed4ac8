// Package crypto seals remote credentials kept in feesync config files.
// Sealed values are AES-256-GCM encrypted under a key derived from the
// machine id, so a copied config file is useless on another device.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SealedPrefix marks a sealed config value, e.g. "enc:v1:AbC...".
const SealedPrefix = "enc:v1:"

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when no machine id is available.
	ErrInvalidKey = errors.New("invalid key")
)

var (
	hkdfSalt = []byte("feesync/secrets/v1")
	hkdfInfo = []byte("remote-credentials")
)

func deriveKey(machineID string) ([]byte, error) {
	if machineID == "" {
		return nil, ErrInvalidKey
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(machineID), hkdfSalt, hkdfInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(machineID string) (cipher.AEAD, error) {
	key, err := deriveKey(machineID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IsSealed reports whether v carries SealedPrefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}

// Seal encrypts plaintext for machineID.
func Seal(plaintext, machineID string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	gcm, err := newGCM(machineID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal on the same machine.
func Open(value, machineID string) (string, error) {
	if !IsSealed(value) {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	gcm, err := newGCM(machineID)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// Reveal opens v when it is sealed and returns it unchanged otherwise, so
// plain values keep working in development configs.
func Reveal(v, machineID string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	return Open(v, machineID)
}

// MachineID returns a stable identifier for this host: the systemd or dbus
// machine id when present, the hostname otherwise.
func MachineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return "machine:" + id
			}
		}
	}
	hostname, _ := os.Hostname()
	return "host:" + hostname
}
