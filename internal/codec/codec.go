// Package codec encodes the sensitive fields of a FormRecord at rest.
//
// Each non-empty sensitive string is sealed with XChaCha20-Poly1305 under a
// key derived from per-install secret material, and stored as
//
//	enc:v1:<base64url(nonce || ciphertext)>
//
// The field name is bound as associated data, so a value cannot be moved to
// another field and still decode. Decoding is detected by the prefix and is
// safe to call on plain data. Neither direction ever fails: a value that
// cannot be encoded or decoded is returned unchanged and a warning is
// logged, because losing form data is worse than storing it in the clear.
//
// The secret lives next to the database on the same device. This protects
// against casual inspection of the store file and backups, not against an
// attacker who can read both the key file and the database.
package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/roach88/formsync/internal/record"
)

// Prefix tags an encoded value. The version allows the scheme to change.
const Prefix = "enc:v1:"

// MinSecretLen is the minimum accepted length of secret material.
const MinSecretLen = 16

// hkdfInfo separates this key from any other key derived from the secret.
var hkdfInfo = []byte("formsync/sensitive-fields/v1")

// ErrNotEncoded is returned by DecodeValue for a value without Prefix.
var ErrNotEncoded = errors.New("value is not encoded")

// Codec seals and opens sensitive field values. Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
	rand io.Reader
}

// New derives the field key from secret and returns a Codec.
func New(secret []byte) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("codec: secret must be at least %d bytes", MinSecretLen)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("codec: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return &Codec{aead: aead, rand: rand.Reader}, nil
}

// IsEncoded reports whether s carries the encoding prefix.
func IsEncoded(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// EncodeValue seals plain for the named field.
func (c *Codec) EncodeValue(field, plain string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plain)+c.aead.Overhead())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("encode %s: nonce: %w", field, err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), []byte(field))
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecodeValue opens a value produced by EncodeValue for the same field.
func (c *Codec) DecodeValue(field, value string) (string, error) {
	if !IsEncoded(value) {
		return "", ErrNotEncoded
	}
	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", field, err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+c.aead.Overhead() {
		return "", fmt.Errorf("decode %s: value too short", field)
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, []byte(field))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", field, err)
	}
	return string(plain), nil
}

// Encode returns a copy of r with every non-empty sensitive field sealed
// and Encrypted set. A record already marked Encrypted is returned as is,
// so encoding twice never double-wraps a value.
func (c *Codec) Encode(r record.FormRecord) record.FormRecord {
	out := r.Clone()
	if out.Encrypted {
		return out
	}
	for _, name := range record.SensitiveFields() {
		p := out.SensitiveField(name)
		if *p == "" {
			continue
		}
		enc, err := c.EncodeValue(name, *p)
		if err != nil {
			slog.Warn("sensitive field left unencoded", "field", name, "record_id", r.ID, "error", err)
			continue
		}
		*p = enc
	}
	out.Encrypted = true
	return out
}

// Decode returns a copy of r with every encoded sensitive field opened and
// Encrypted cleared. Plain values are left alone, so Decode is safe to call
// speculatively.
func (c *Codec) Decode(r record.FormRecord) record.FormRecord {
	out := r.Clone()
	for _, name := range record.SensitiveFields() {
		p := out.SensitiveField(name)
		if !IsEncoded(*p) {
			continue
		}
		plain, err := c.DecodeValue(name, *p)
		if err != nil {
			slog.Warn("sensitive field left encoded", "field", name, "record_id", r.ID, "error", err)
			continue
		}
		*p = plain
	}
	out.Encrypted = false
	return out
}
