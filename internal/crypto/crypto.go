// Package crypto wraps the primitives the vault engine is specified
// against: Argon2id for password-derived keys, an XSalsa20-Poly1305
// secretbox for authenticated encryption, and keyed BLAKE2b for record
// and file MACs. Callers never touch the underlying libraries directly.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of all symmetric keys: the master key, the
	// password-derived KEK, and every keyed-hash key.
	KeySize = 32
	// SaltSize is the Argon2id salt size.
	SaltSize = 16
	// NonceSize is the secretbox nonce size.
	NonceSize = 24
	// TagSize is the secretbox authenticator size.
	TagSize = 16
	// HashSize is the keyed BLAKE2b output size.
	HashSize = 32
)

var (
	// ErrDecrypt is returned when an authenticated open fails. Callers
	// translate it into wrong-password or integrity errors depending on
	// which envelope failed.
	ErrDecrypt = errors.New("decryption failed")
	// ErrInvalidKey is returned when a key has the wrong length.
	ErrInvalidKey = errors.New("invalid key size")
	// ErrInvalidNonce is returned when a nonce has the wrong length.
	ErrInvalidNonce = errors.New("invalid nonce size")
)

// Params holds the Argon2id cost parameters. The defaults match
// libsodium's MODERATE limits, which the on-disk format was designed
// around; both sides of a sync pair must agree on them since the fixed
// header has no room to record costs.
type Params struct {
	Ops       uint32 `yaml:"ops"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DefaultParams returns the moderate Argon2id cost parameters.
func DefaultParams() Params {
	return Params{
		Ops:       3,
		MemoryKiB: 256 * 1024,
		Threads:   1,
	}
}

// TestParams returns deliberately weak parameters for tests.
func TestParams() Params {
	return Params{Ops: 1, MemoryKiB: 64, Threads: 1}
}

// DeriveKey derives a KeySize-byte key from a secret and salt using
// Argon2id. The secret may be a password or another key.
func DeriveKey(secret, salt []byte, p Params) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("derive key: salt must be %d bytes", SaltSize)
	}
	if p.Ops == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return nil, errors.New("derive key: zero-cost parameters")
	}
	return argon2.IDKey(secret, salt, p.Ops, p.MemoryKiB, p.Threads, KeySize), nil
}

// Seal encrypts and authenticates plaintext under key and nonce. The
// result is len(plaintext)+TagSize bytes and opaque; only Open under
// the same key and nonce recovers the plaintext.
func Seal(plaintext, nonce, key []byte) ([]byte, error) {
	k, n, err := boxArgs(key, nonce)
	if err != nil {
		return nil, err
	}
	return secretbox.Seal(nil, plaintext, n, k), nil
}

// Open authenticates and decrypts a sealed box produced by Seal.
func Open(sealed, nonce, key []byte) ([]byte, error) {
	k, n, err := boxArgs(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext, ok := secretbox.Open(nil, sealed, n, k)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func boxArgs(key, nonce []byte) (*[KeySize]byte, *[NonceSize]byte, error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKey
	}
	if len(nonce) != NonceSize {
		return nil, nil, ErrInvalidNonce
	}
	var k [KeySize]byte
	var n [NonceSize]byte
	copy(k[:], key)
	copy(n[:], nonce)
	return &k, &n, nil
}

// KeyedHash computes the HashSize-byte keyed BLAKE2b digest of msg.
func KeyedHash(msg, key []byte) ([]byte, error) {
	h, err := NewKeyedHash(key)
	if err != nil {
		return nil, err
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

// NewKeyedHash returns a streaming keyed BLAKE2b hash. The file MAC is
// computed this way to avoid holding the whole file in memory.
func NewKeyedHash(key []byte) (hash.Hash, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return blake2b.New256(key)
}

// Random fills buf with cryptographically secure random bytes.
func Random(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("random: %w", err)
	}
	return nil
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := Random(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// GenerateKey returns a fresh random symmetric key.
func GenerateKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// GenerateSalt returns a fresh random Argon2id salt.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// GenerateNonce returns a fresh random secretbox nonce.
func GenerateNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}

// SecureCompare performs constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize securely clears a byte slice.
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
