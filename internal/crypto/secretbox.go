// Package crypto opens transcript content sealed with the session data key.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrDecrypt is returned when a box fails authentication.
var ErrDecrypt = errors.New("decryption failed")

// Key is a SecretBox key.
type Key = [32]byte

// ParseKey decodes a base64 (std or url alphabet) 32-byte key.
func ParseKey(s string) (*Key, error) {
	s = strings.TrimSpace(s)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("decode data key: %w", err)
	}
	if len(raw) != len(Key{}) {
		return nil, fmt.Errorf("data key must be 32 bytes, got %d", len(raw))
	}
	var key Key
	copy(key[:], raw)
	return &key, nil
}

// Seal encrypts plaintext. Output format: nonce (24 bytes) || box.
func Seal(plaintext []byte, key *Key) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

// Open decrypts the output of Seal.
func Open(sealed []byte, key *Key) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: data too short", ErrDecrypt)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// OpenBase64 decodes a base64 box and opens it.
func OpenBase64(c string, key *Key) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(c)
	if err != nil {
		return nil, fmt.Errorf("decode sealed content: %w", err)
	}
	return Open(sealed, key)
}

// SealBase64 seals plaintext and base64 encodes the result.
func SealBase64(plaintext []byte, key *Key) (string, error) {
	sealed, err := Seal(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}
