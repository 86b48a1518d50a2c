// Package vault implements a single-file encrypted key-value store.
//
// A vault file has the following layout, all integers little-endian:
//
//	offset    size  field
//	0         1     version
//	1         7     reserved (zero)
//	8         16    password salt
//	24        48    encrypted master key (sealed box, 32+16)
//	72        24    master nonce
//	96        8     last server time
//	104       4     slot count N
//	108       16*N  slot table
//	108+16N   var   record heap
//	EOF-32    32    file MAC (keyed BLAKE2b under the master key)
//
// Values are sealed with the master key per record, each record carries
// its own keyed MAC, and the trailing file MAC covers everything before
// it. The slot table is append-with-tombstone: deletes wipe a record's
// ciphertext and mark its slot, and a compaction pass drops tombstones
// and doubles the table when it fills.
package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lockbox-cli/lockbox/internal/crypto"
)

// On-disk format version.
const Version = 1

// Byte sizes fixed by the file format.
const (
	SaltSize        = crypto.SaltSize
	MasterKeySize   = crypto.KeySize
	MACSize         = crypto.TagSize
	NonceSize       = crypto.NonceSize
	HashSize        = crypto.HashSize
	LocSize         = 16
	HeaderSize      = 108
	EntryHeaderSize = 9

	// ServerHeaderSize is the prefix of the file uploaded to the sync
	// server: everything up to but not including the slot count.
	ServerHeaderSize = HeaderSize - 4
)

// Input size limits.
const (
	MaxPathLen  = 2048
	MaxUserSize = 128
	MaxPassSize = 256

	// BoxKeySize bounds entry keys; the longest storable key is
	// BoxKeySize-1 bytes.
	BoxKeySize = 128
	// DataSize bounds entry values.
	DataSize = 4096
)

// DefaultInitialSlots is the slot-table size of a freshly created
// vault. It doubles on every compaction.
const DefaultInitialSlots = 64

// Header field offsets.
const (
	offSalt        = 8
	offMaster      = 24
	offMasterNonce = 72
	offServerTime  = 96
	offSlotCount   = 104
	offSlotTable   = HeaderSize
)

// header is the decoded fixed-size file prefix shared with the server.
type header struct {
	version        byte
	salt           [SaltSize]byte
	sealedMaster   [MasterKeySize + MACSize]byte
	masterNonce    [NonceSize]byte
	lastServerTime uint64
}

func (h *header) marshal() []byte {
	buf := make([]byte, ServerHeaderSize)
	buf[0] = h.version
	copy(buf[offSalt:], h.salt[:])
	copy(buf[offMaster:], h.sealedMaster[:])
	copy(buf[offMasterNonce:], h.masterNonce[:])
	binary.LittleEndian.PutUint64(buf[offServerTime:], h.lastServerTime)
	return buf
}

func parseHeader(buf []byte) (*header, error) {
	if len(buf) < ServerHeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes, want %d", ErrParam, len(buf), ServerHeaderSize)
	}
	h := &header{version: buf[0]}
	if h.version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFile, h.version)
	}
	copy(h.salt[:], buf[offSalt:])
	copy(h.sealedMaster[:], buf[offMaster:])
	copy(h.masterNonce[:], buf[offMasterNonce:])
	h.lastServerTime = binary.LittleEndian.Uint64(buf[offServerTime:])
	return h, nil
}

// VaultPath returns the on-disk path of a user's vault file.
func VaultPath(directory, username string) string {
	return filepath.Join(directory, username+".vault")
}

func checkPathArgs(directory, username string) error {
	if directory == "" || username == "" {
		return fmt.Errorf("%w: directory and username required", ErrParam)
	}
	if len(directory) > MaxPathLen {
		return fmt.Errorf("%w: directory exceeds %d bytes", ErrParam, MaxPathLen)
	}
	if len(username) > MaxUserSize {
		return fmt.Errorf("%w: username exceeds %d bytes", ErrParam, MaxUserSize)
	}
	return nil
}

func checkPassword(password string) error {
	if len(password) > MaxPassSize {
		return fmt.Errorf("%w: password exceeds %d bytes", ErrParam, MaxPassSize)
	}
	return nil
}

// osFile couples the open vault file with its path so failed creation
// can clean up after itself. The advisory lock lives on the descriptor
// and dies with it.
type osFile struct {
	*os.File
	path string
}

func (f *osFile) close() error {
	flockRelease(f.File)
	if err := f.File.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}

func (f *osFile) closeAndRemove() {
	flockRelease(f.File)
	f.File.Close()
	os.Remove(f.path)
}

// createVaultFile creates the vault file exclusively with owner-only
// permissions, synchronous writes, and a non-blocking exclusive lock
// held until the file is closed.
func createVaultFile(path string) (*osFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o600)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			return nil, ErrExist
		case errors.Is(err, fs.ErrPermission):
			return nil, ErrAccess
		default:
			return nil, fmt.Errorf("%w: %v", ErrSyscall, err)
		}
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: lock vault file: %v", ErrSyscall, err)
	}
	return &osFile{File: f, path: path}, nil
}

// openVaultFile opens an existing vault file and takes the session lock.
func openVaultFile(path string) (*osFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, ErrNotExist
		case errors.Is(err, fs.ErrPermission):
			return nil, ErrAccess
		default:
			return nil, fmt.Errorf("%w: %v", ErrSyscall, err)
		}
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: lock vault file: %v", ErrSyscall, err)
	}
	return &osFile{File: f, path: path}, nil
}

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	return info.Size(), nil
}

func readAt(f *os.File, buf []byte, off int64) error {
	if _, err := f.ReadAt(buf, off); err != nil {
		return fmt.Errorf("%w: read at %d: %v", ErrIO, off, err)
	}
	return nil
}

func writeAt(f *os.File, buf []byte, off int64) error {
	if _, err := f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: write at %d: %v", ErrIO, off, err)
	}
	return nil
}

// computeFileMAC streams the file through a keyed hash, leaving out the
// trailing excludeTail bytes. Pass HashSize to skip an existing MAC, 0
// to cover the whole current content.
func computeFileMAC(f *os.File, master []byte, excludeTail int64) ([]byte, error) {
	size, err := fileSize(f)
	if err != nil {
		return nil, err
	}
	h, err := crypto.NewKeyedHash(master)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, size-excludeTail)); err != nil {
		return nil, fmt.Errorf("%w: hash file: %v", ErrIO, err)
	}
	return h.Sum(nil), nil
}

// appendFileMAC hashes the whole current file and appends the MAC. Used
// after mutations that grew the heap over the previous MAC.
func appendFileMAC(f *os.File, master []byte) error {
	mac, err := computeFileMAC(f, master, 0)
	if err != nil {
		return err
	}
	size, err := fileSize(f)
	if err != nil {
		return err
	}
	return writeAt(f, mac, size)
}

// rewriteFileMAC hashes all but the trailing MAC and overwrites it in
// place. Used after in-place mutations such as header updates and
// deletes.
func rewriteFileMAC(f *os.File, master []byte) error {
	mac, err := computeFileMAC(f, master, HashSize)
	if err != nil {
		return err
	}
	size, err := fileSize(f)
	if err != nil {
		return err
	}
	return writeAt(f, mac, size-HashSize)
}

// verifyFileMAC recomputes the file MAC and compares it against the
// stored trailer in constant time.
func verifyFileMAC(f *os.File, master []byte) error {
	mac, err := computeFileMAC(f, master, HashSize)
	if err != nil {
		return err
	}
	size, err := fileSize(f)
	if err != nil {
		return err
	}
	stored := make([]byte, HashSize)
	if err := readAt(f, stored, size-HashSize); err != nil {
		return err
	}
	if !crypto.SecureCompare(mac, stored) {
		return ErrFile
	}
	return nil
}
