package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/ap2fed/server/internal/errors"
)

// Sealed blob layout: salt(16) || nonce(12) || tag(16) || ciphertext.
// The GCM tag is stored up front so a truncated file fails fast.
const (
	sealSaltLen  = 16
	sealNonceLen = 12
	sealTagLen   = 16

	// PBKDF2-HMAC-SHA256 work factor per OWASP 2023 guidance.
	sealKDFIterations = 600000
	sealKeyLen        = 32
)

// Seal encrypts plaintext under a passphrase-derived AES-256-GCM key.
func Seal(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoutil: salt: %w", err)
	}

	key := pbkdf2.Key(passphrase, salt, sealKDFIterations, sealKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: gcm: %w", err)
	}

	nonce := make([]byte, sealNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoutil: nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	// Seal appends the tag to the ciphertext; split it to the wire layout.
	ct, tag := sealed[:len(sealed)-sealTagLen], sealed[len(sealed)-sealTagLen:]

	out := make([]byte, 0, sealSaltLen+sealNonceLen+sealTagLen+len(ct))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts a Seal blob. Authentication failure surfaces as
// storage_corrupt: either the passphrase is wrong or the file was tampered.
func Open(blob, passphrase []byte) ([]byte, error) {
	if len(blob) < sealSaltLen+sealNonceLen+sealTagLen {
		return nil, apperrors.New(apperrors.ErrCodeStorageCorrupt, "sealed blob truncated")
	}

	salt := blob[:sealSaltLen]
	nonce := blob[sealSaltLen : sealSaltLen+sealNonceLen]
	tag := blob[sealSaltLen+sealNonceLen : sealSaltLen+sealNonceLen+sealTagLen]
	ct := blob[sealSaltLen+sealNonceLen+sealTagLen:]

	key := pbkdf2.Key(passphrase, salt, sealKDFIterations, sealKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: gcm: %w", err)
	}

	sealed := make([]byte, 0, len(ct)+sealTagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStorageCorrupt, "sealed blob failed authentication", err)
	}
	return plaintext, nil
}

// LoadSealedKey reads and unseals ./keys/<agentID>_private.pem.enc. When the
// file is absent a fresh keypair is generated, sealed, and written, so a cold
// deployment self-provisions its identity.
func LoadSealedKey(dir, agentID string, passphrase []byte, alg Algorithm) (*KeyPair, error) {
	path := filepath.Join(dir, agentID+"_private.pem.enc")

	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return provisionSealedKey(path, passphrase, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: read sealed key: %w", err)
	}

	pemBytes, err := Open(blob, passphrase)
	if err != nil {
		return nil, err
	}
	return ParsePEM(pemBytes)
}

func provisionSealedKey(path string, passphrase []byte, alg Algorithm) (*KeyPair, error) {
	key, err := GenerateKeyPair(alg)
	if err != nil {
		return nil, err
	}
	pemBytes, err := key.MarshalPEM()
	if err != nil {
		return nil, err
	}
	blob, err := Seal(pemBytes, passphrase)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cryptoutil: create key dir: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return nil, fmt.Errorf("cryptoutil: write sealed key: %w", err)
	}
	return key, nil
}
