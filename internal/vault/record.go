package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/lockbox-cli/lockbox/internal/crypto"
)

// A record is laid out as
//
//	mtime u64 | type u8 | key | sealed value (valLen+16) | nonce 24 | MAC 32
//
// where the MAC is a keyed hash under the master key over all preceding
// bytes. A deleted record keeps its envelope but has the sealed value
// wiped; its stale MAC is never checked because the slot state gates
// verification.

// recordSize returns the on-disk size of a record with the given key
// and value lengths.
func recordSize(keyLen, valLen int) int {
	return EntryHeaderSize + keyLen + valLen + MACSize + NonceSize + HashSize
}

// sealRecord builds a complete record: seals the value under the master
// key with a fresh nonce and stamps the record MAC.
func sealRecord(master []byte, typ byte, key string, value []byte, mtime uint64) ([]byte, error) {
	rec := make([]byte, recordSize(len(key), len(value)))
	binary.LittleEndian.PutUint64(rec[0:8], mtime)
	rec[EntryHeaderSize-1] = typ
	copy(rec[EntryHeaderSize:], key)

	nonce := rec[len(rec)-HashSize-NonceSize : len(rec)-HashSize]
	if err := crypto.Random(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	sealed, err := crypto.Seal(value, nonce, master)
	if err != nil {
		return nil, fmt.Errorf("%w: seal value: %v", ErrCrypto, err)
	}
	copy(rec[EntryHeaderSize+len(key):], sealed)

	if err := stampRecordMAC(master, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// stampRecordMAC recomputes the trailing MAC over the record contents.
func stampRecordMAC(master, rec []byte) error {
	mac, err := crypto.KeyedHash(rec[:len(rec)-HashSize], master)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	copy(rec[len(rec)-HashSize:], mac)
	return nil
}

// verifyRecordMAC recomputes the record MAC and compares it against the
// stored trailer in constant time.
func verifyRecordMAC(master, rec []byte) error {
	mac, err := crypto.KeyedHash(rec[:len(rec)-HashSize], master)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if !crypto.SecureCompare(mac, rec[len(rec)-HashSize:]) {
		return fmt.Errorf("%w: record MAC mismatch", ErrCrypto)
	}
	return nil
}

// openRecord verifies a record and decrypts its value. keyLen comes
// from the slot; the remaining geometry follows from the record size.
func openRecord(master, rec []byte, keyLen int) (value []byte, typ byte, mtime uint64, err error) {
	if err := verifyRecordMAC(master, rec); err != nil {
		return nil, 0, 0, err
	}
	nonce := rec[len(rec)-HashSize-NonceSize : len(rec)-HashSize]
	sealed := rec[EntryHeaderSize+keyLen : len(rec)-HashSize-NonceSize]
	value, oerr := crypto.Open(sealed, nonce, master)
	if oerr != nil {
		return nil, 0, 0, fmt.Errorf("%w: open value: %v", ErrCrypto, oerr)
	}
	return value, rec[EntryHeaderSize-1], binary.LittleEndian.Uint64(rec[0:8]), nil
}
