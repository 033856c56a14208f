// Package vault holds the enclave's credential encryption. Decrypted
// credential bytes are created here, handed to connector constructors by
// value, and wiped through the memory guard on shutdown or eviction.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/equivault/enclave-worker/internal/faults"
	"github.com/equivault/enclave-worker/internal/memguard"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// Vault performs authenticated encryption with a key derived from the
// operator's master secret.
type Vault struct {
	key  []byte
	aead cipher.AEAD
}

// New derives the 256-bit key as SHA-256 of the master secret and
// registers it with the memory guard for shutdown wiping.
func New(masterSecret string, guard *memguard.Guard) (*Vault, error) {
	if masterSecret == "" {
		return nil, faults.New(faults.KindInternal, "master key missing")
	}
	sum := sha256.Sum256([]byte(masterSecret))
	key := make([]byte, len(sum))
	copy(key, sum[:])

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "cipher init", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "cipher init", err)
	}

	if guard != nil {
		guard.Register(key)
		guard.Lock(key)
	}
	return &Vault{key: key, aead: aead}, nil
}

// Encrypt seals plaintext and returns hex(nonce || tag || ciphertext).
// The nonce is random per call, so two encryptions of the same plaintext
// differ.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", faults.Wrap(faults.KindInternal, "nonce generation", err)
	}

	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return hex.EncodeToString(out), nil
}

// Decrypt opens hex(nonce || tag || ciphertext). A tag mismatch is an
// integrity fault, never silently swallowed.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, "ciphertext not hex", err)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, faults.New(faults.KindIntegrity, "ciphertext truncated")
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindAuth, "credential authentication failed", err)
	}
	return plaintext, nil
}

// Hash returns the hex SHA-256 of arbitrary bytes.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint digests the canonical credential string "key:secret:passphrase".
// Used only for duplicate detection, never as key material.
func Fingerprint(key, secret, passphrase string) string {
	return Hash([]byte(strings.Join([]string{key, secret, passphrase}, ":")))
}

// DeriveUserID maps a credential tuple onto a stable identifier: the
// leading 128 bits of SHA-256("venue:key:secret:passphrase") shaped as a
// version-4 UUID. Stable across restarts, so the gateway can submit
// credentials without knowing the resulting id.
func DeriveUserID(venue, key, secret, passphrase string) uuid.UUID {
	sum := sha256.Sum256([]byte(strings.Join([]string{venue, key, secret, passphrase}, ":")))

	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40 // version 4
	id[8] = (id[8] & 0x3f) | 0x80 // variant 10
	return id
}
