// Package syncstore is the sync server's storage layer. It persists
// what the vault engine uploads — the 104-byte header, raw encrypted
// records, the recovery bundle — plus the doubly-derived credentials it
// verifies users with. Everything stored here is opaque: the server
// never holds a key that decrypts any of it.
package syncstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lockbox-cli/lockbox/internal/crypto"
)

// Bucket names
var (
	HeadersBucket     = []byte("headers")
	EntriesBucket     = []byte("entries")
	RecoveryBucket    = []byte("recovery")
	CredentialsBucket = []byte("credentials")
	TimesBucket       = []byte("times")
)

// Error variables for sync store operations
var (
	// ErrUserNotFound is returned when the user has no stored data
	ErrUserNotFound = errors.New("user not found")
	// ErrEntryNotFound is returned when the named entry does not exist
	ErrEntryNotFound = errors.New("entry not found")
	// ErrEntryExists is returned when the named entry already exists
	ErrEntryExists = errors.New("entry already exists")
	// ErrBadCredentials is returned when password verification fails
	ErrBadCredentials = errors.New("bad credentials")
)

// Credentials is the per-user authentication record: the doubly-derived
// server password and the two salts a fresh machine needs to recompute
// it from the vault password.
type Credentials struct {
	ServerPass []byte
	FirstSalt  []byte
	SecondSalt []byte
}

// RecoveryBundle is the stored recovery material: the double-sealed
// master blob, the answer salts, and the answer verifiers.
type RecoveryBundle struct {
	Recovery      []byte
	ResponseSalt1 []byte
	VerifySalt1   []byte
	ResponseSalt2 []byte
	VerifySalt2   []byte
	Verifier1     []byte
	Verifier2     []byte
}

// Store is a bbolt-backed blob store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the store database and its buckets.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sync store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{HeadersBucket, EntriesBucket, RecoveryBucket, CredentialsBucket, TimesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutHeader stores a user's vault header, replacing any previous one.
func (s *Store) PutHeader(user string, header []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(HeadersBucket).Put([]byte(user), header)
	})
}

// GetHeader returns a user's vault header.
func (s *Store) GetHeader(user string) ([]byte, error) {
	var header []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(HeadersBucket).Get([]byte(user))
		if v == nil {
			return ErrUserNotFound
		}
		header = append([]byte(nil), v...)
		return nil
	})
	return header, err
}

// PutEntry stores one encrypted record blob under the user's bucket.
// The blob is exactly what the engine's encrypted export produced.
func (s *Store) PutEntry(user, key string, blob []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(EntriesBucket).CreateBucketIfNotExists([]byte(user))
		if err != nil {
			return fmt.Errorf("failed to create user bucket: %w", err)
		}
		if b.Get([]byte(key)) != nil {
			return ErrEntryExists
		}
		return b.Put([]byte(key), blob)
	})
}

// UpdateEntry replaces an existing encrypted record blob.
func (s *Store) UpdateEntry(user, key string, blob []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EntriesBucket).Bucket([]byte(user))
		if b == nil {
			return ErrUserNotFound
		}
		if b.Get([]byte(key)) == nil {
			return ErrEntryNotFound
		}
		return b.Put([]byte(key), blob)
	})
}

// GetEntry returns one encrypted record blob.
func (s *Store) GetEntry(user, key string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EntriesBucket).Bucket([]byte(user))
		if b == nil {
			return ErrUserNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrEntryNotFound
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	return blob, err
}

// DeleteEntry removes one encrypted record blob.
func (s *Store) DeleteEntry(user, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EntriesBucket).Bucket([]byte(user))
		if b == nil {
			return ErrUserNotFound
		}
		if b.Get([]byte(key)) == nil {
			return ErrEntryNotFound
		}
		return b.Delete([]byte(key))
	})
}

// ListEntries returns the user's entry keys.
func (s *Store) ListEntries(user string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EntriesBucket).Bucket([]byte(user))
		if b == nil {
			return ErrUserNotFound
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// PutCredentials stores a user's server password record.
func (s *Store) PutCredentials(user string, creds *Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(CredentialsBucket).CreateBucketIfNotExists([]byte(user))
		if err != nil {
			return fmt.Errorf("failed to create user bucket: %w", err)
		}
		if err := b.Put([]byte("server_pass"), creds.ServerPass); err != nil {
			return err
		}
		if err := b.Put([]byte("first_salt"), creds.FirstSalt); err != nil {
			return err
		}
		return b.Put([]byte("second_salt"), creds.SecondSalt)
	})
}

// Salts returns the two salts a fresh machine needs to recompute the
// server password from the vault password.
func (s *Store) Salts(user string) (first, second []byte, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(CredentialsBucket).Bucket([]byte(user))
		if b == nil {
			return ErrUserNotFound
		}
		first = append([]byte(nil), b.Get([]byte("first_salt"))...)
		second = append([]byte(nil), b.Get([]byte("second_salt"))...)
		return nil
	})
	return first, second, err
}

// VerifyPassword compares a presented server password against the
// stored one in constant time.
func (s *Store) VerifyPassword(user string, serverPass []byte) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(CredentialsBucket).Bucket([]byte(user))
		if b == nil {
			return ErrUserNotFound
		}
		stored := b.Get([]byte("server_pass"))
		if !crypto.SecureCompare(stored, serverPass) {
			return ErrBadCredentials
		}
		return nil
	})
}

// PutRecovery stores a user's recovery bundle.
func (s *Store) PutRecovery(user string, bundle *RecoveryBundle) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(RecoveryBucket).CreateBucketIfNotExists([]byte(user))
		if err != nil {
			return fmt.Errorf("failed to create user bucket: %w", err)
		}
		fields := map[string][]byte{
			"recovery":       bundle.Recovery,
			"response_salt1": bundle.ResponseSalt1,
			"verify_salt1":   bundle.VerifySalt1,
			"response_salt2": bundle.ResponseSalt2,
			"verify_salt2":   bundle.VerifySalt2,
			"verifier1":      bundle.Verifier1,
			"verifier2":      bundle.Verifier2,
		}
		for k, v := range fields {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRecovery returns a user's recovery bundle. The verifiers are
// included so the server can check presented answers; releasing the
// blob itself should be gated on VerifyAnswers.
func (s *Store) GetRecovery(user string) (*RecoveryBundle, error) {
	bundle := &RecoveryBundle{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(RecoveryBucket).Bucket([]byte(user))
		if b == nil {
			return ErrUserNotFound
		}
		get := func(k string) []byte { return append([]byte(nil), b.Get([]byte(k))...) }
		bundle.Recovery = get("recovery")
		bundle.ResponseSalt1 = get("response_salt1")
		bundle.VerifySalt1 = get("verify_salt1")
		bundle.ResponseSalt2 = get("response_salt2")
		bundle.VerifySalt2 = get("verify_salt2")
		bundle.Verifier1 = get("verifier1")
		bundle.Verifier2 = get("verifier2")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// VerifyAnswers compares presented answer verifiers against the stored
// ones in constant time. Both must match.
func (s *Store) VerifyAnswers(user string, verifier1, verifier2 []byte) error {
	bundle, err := s.GetRecovery(user)
	if err != nil {
		return err
	}
	ok1 := crypto.SecureCompare(bundle.Verifier1, verifier1)
	ok2 := crypto.SecureCompare(bundle.Verifier2, verifier2)
	if !ok1 || !ok2 {
		return ErrBadCredentials
	}
	return nil
}

// SetLastSeen records when the user's client last synced.
func (s *Store) SetLastSeen(user string, ts uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, ts)
		return tx.Bucket(TimesBucket).Put([]byte(user), buf)
	})
}

// LastSeen returns when the user's client last synced, zero if never.
func (s *Store) LastSeen(user string) (uint64, error) {
	var ts uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(TimesBucket).Get([]byte(user))
		if v != nil {
			ts = binary.LittleEndian.Uint64(v)
		}
		return nil
	})
	return ts, err
}
