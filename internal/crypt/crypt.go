// Package crypt encrypts session payloads at rest on the sync backend.
//
// Each user's data is sealed with AES-256-GCM under a key derived from the
// server master key and the user ID, so a leaked blob from one account is
// useless against another.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Box seals and opens per-user payloads.
type Box struct {
	masterKey []byte
}

// New creates a Box from the configured master key.
func New(masterKey string) *Box {
	return &Box{masterKey: []byte(masterKey)}
}

// Seal encrypts plaintext for the given user and returns a base64 blob.
func (b *Box) Seal(plaintext []byte, userID string) (string, error) {
	gcm, err := b.aead(userID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob previously produced by Seal for the same user.
func (b *Box) Open(blob string, userID string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := b.aead(userID)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// aead derives the per-user key via HKDF and builds the AES-GCM cipher.
func (b *Box) aead(userID string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, b.masterKey, nil, []byte(userID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
