package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/awnumar/memguard"

	"github.com/lockbox-cli/lockbox/internal/crypto"
	"github.com/lockbox-cli/lockbox/internal/secmem"
)

// Options configures vault creation.
type Options struct {
	// InitialSlots is the starting slot-table size; it must be a
	// positive power of two. Zero selects DefaultInitialSlots.
	InitialSlots uint32
}

// hotBox caches at most one decrypted value so plaintext exposure stays
// bounded. It is invalidated on close, on delete of its key, and on
// password change.
type hotBox struct {
	key   string
	typ   byte
	value *memguard.LockedBuffer
}

func (b *hotBox) destroy() {
	if b != nil && b.value != nil {
		b.value.Destroy()
	}
}

// Session is the handle to at most one open vault. Its key material
// lives sealed in guarded memory and is only opened for the duration of
// a single call. A Session is not safe for concurrent use.
type Session struct {
	open   bool
	file   *osFile
	kek    *memguard.Enclave // password-derived key
	master *memguard.Enclave // decrypted master key
	box    *hotBox
	index  keyIndex
	kdf    crypto.Params
}

// NewSession prepares the process for secret handling (core dumps off,
// purge-on-interrupt) and returns a closed session using the default
// Argon2id cost.
func NewSession() (*Session, error) {
	return NewSessionWithParams(crypto.DefaultParams())
}

// NewSessionWithParams is NewSession with an explicit Argon2id cost.
// Both sides of a sync pair must use the same cost; it is not recorded
// in the file.
func NewSessionWithParams(p crypto.Params) (*Session, error) {
	if err := secmem.Init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemory, err)
	}
	return &Session{kdf: p}, nil
}

// openEnclave opens a sealed enclave for the duration of one call.
func openEnclave(e *memguard.Enclave) (*memguard.LockedBuffer, error) {
	buf, err := e.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemory, err)
	}
	return buf, nil
}

// Create generates a fresh vault file for the user: new master key,
// salt, and master nonce, an empty slot table, and the trailing file
// MAC. The session is open on return.
func (s *Session) Create(directory, username, password string) error {
	return s.CreateWithOptions(directory, username, password, Options{})
}

// CreateWithOptions is Create with an explicit initial slot count.
func (s *Session) CreateWithOptions(directory, username, password string, opts Options) error {
	if err := checkPathArgs(directory, username); err != nil {
		return err
	}
	if err := checkPassword(password); err != nil {
		return err
	}
	slots := opts.InitialSlots
	if slots == 0 {
		slots = DefaultInitialSlots
	}
	if slots&(slots-1) != 0 {
		return fmt.Errorf("%w: initial slot count %d is not a power of two", ErrParam, slots)
	}
	if s.open {
		return ErrVaultOpen
	}

	master, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		crypto.Zeroize(master)
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	kek, err := crypto.DeriveKey([]byte(password), salt, s.kdf)
	if err != nil {
		crypto.Zeroize(master)
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		crypto.Zeroize(master)
		crypto.Zeroize(kek)
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	sealed, err := crypto.Seal(master, nonce, kek)
	if err != nil {
		crypto.Zeroize(master)
		crypto.Zeroize(kek)
		return fmt.Errorf("%w: seal master: %v", ErrCrypto, err)
	}

	h := &header{version: Version}
	copy(h.salt[:], salt)
	copy(h.sealedMaster[:], sealed)
	copy(h.masterNonce[:], nonce)

	err = s.writeFreshVault(directory, username, h, slots, master)
	if err != nil {
		crypto.Zeroize(master)
		crypto.Zeroize(kek)
		return err
	}

	s.finishOpen(kek, master, make(keyIndex, slots/2))
	return nil
}

// CreateFromHeader creates an otherwise empty vault from a header
// downloaded from the server, verifying first that the password opens
// the master envelope it carries. Encrypted entries can then be
// replayed into it with AddEncrypted.
func (s *Session) CreateFromHeader(directory, username, password string, headerBytes []byte) error {
	if err := checkPathArgs(directory, username); err != nil {
		return err
	}
	if err := checkPassword(password); err != nil {
		return err
	}
	if s.open {
		return ErrVaultOpen
	}
	h, err := parseHeader(headerBytes)
	if err != nil {
		return err
	}

	kek, err := crypto.DeriveKey([]byte(password), h.salt[:], s.kdf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	master, err := crypto.Open(h.sealedMaster[:], h.masterNonce[:], kek)
	if err != nil {
		crypto.Zeroize(kek)
		return ErrWrongPass
	}

	err = s.writeFreshVault(directory, username, h, DefaultInitialSlots, master)
	if err != nil {
		crypto.Zeroize(master)
		crypto.Zeroize(kek)
		return err
	}

	s.finishOpen(kek, master, make(keyIndex, DefaultInitialSlots/2))
	return nil
}

// writeFreshVault lays down header, slot count, a zeroed slot table,
// and the file MAC. On failure the partial file is removed.
func (s *Session) writeFreshVault(directory, username string, h *header, slots uint32, master []byte) error {
	path := VaultPath(directory, username)
	f, err := createVaultFile(path)
	if err != nil {
		return err
	}

	buf := make([]byte, HeaderSize+int64(slots)*LocSize)
	copy(buf, h.marshal())
	binary.LittleEndian.PutUint32(buf[offSlotCount:], slots)
	if err := writeAt(f.File, buf, 0); err != nil {
		f.closeAndRemove()
		return err
	}
	if err := appendFileMAC(f.File, master); err != nil {
		f.closeAndRemove()
		return err
	}

	s.file = f
	return nil
}

// finishOpen seals the key material into enclaves and marks the
// session open. The source slices are wiped by the move.
func (s *Session) finishOpen(kek, master []byte, idx keyIndex) {
	s.kek = secmem.Seal(kek)
	s.master = secmem.Seal(master)
	s.index = idx
	s.box = nil
	s.open = true
}

// Open opens an existing vault: derives the KEK from the password and
// the stored salt, opens the master envelope, verifies the file MAC,
// and rebuilds the key index.
func (s *Session) Open(directory, username, password string) error {
	if err := checkPathArgs(directory, username); err != nil {
		return err
	}
	if err := checkPassword(password); err != nil {
		return err
	}
	if s.open {
		return ErrVaultOpen
	}

	f, err := openVaultFile(VaultPath(directory, username))
	if err != nil {
		return err
	}

	buf := make([]byte, ServerHeaderSize)
	if err := readAt(f.File, buf, 0); err != nil {
		f.close()
		return err
	}
	h, err := parseHeader(buf)
	if err != nil {
		f.close()
		return err
	}

	kek, err := crypto.DeriveKey([]byte(password), h.salt[:], s.kdf)
	if err != nil {
		f.close()
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	master, err := crypto.Open(h.sealedMaster[:], h.masterNonce[:], kek)
	if err != nil {
		crypto.Zeroize(kek)
		f.close()
		return ErrWrongPass
	}

	if err := verifyFileMAC(f.File, master); err != nil {
		crypto.Zeroize(kek)
		crypto.Zeroize(master)
		f.close()
		return err
	}

	idx, err := buildIndex(f.File)
	if err != nil {
		crypto.Zeroize(kek)
		crypto.Zeroize(master)
		f.close()
		return err
	}

	s.file = f
	s.finishOpen(kek, master, idx)
	return nil
}

// Close releases the file lock and wipes the session's key material
// and hot cache. The key index is dropped.
func (s *Session) Close() error {
	if !s.open {
		return ErrVaultClosed
	}
	s.box.destroy()
	s.box = nil
	s.kek = nil
	s.master = nil
	s.index = nil
	s.open = false
	return s.file.close()
}

// Release closes the vault if it is open. Call when the session will
// not be reused.
func (s *Session) Release() error {
	if s.open {
		return s.Close()
	}
	return nil
}

// IsOpen reports whether a vault is currently open.
func (s *Session) IsOpen() bool {
	return s.open
}

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrParam)
	}
	if len(key) > BoxKeySize-1 {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrParam, BoxKeySize-1)
	}
	return nil
}

// Add stores a new key-value pair. The key must not already exist. If
// the slot table is full the file is compacted and the append retried
// once, so callers never observe the capacity error.
func (s *Session) Add(typ byte, key string, value []byte, mtime uint64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if len(value) > DataSize {
		return fmt.Errorf("%w: value exceeds %d bytes", ErrParam, DataSize)
	}
	if !s.open {
		return ErrVaultClosed
	}
	if _, ok := s.index[key]; ok {
		return ErrKeyExists
	}

	master, err := openEnclave(s.master)
	if err != nil {
		return err
	}
	defer master.Destroy()

	rec, err := sealRecord(master.Bytes(), typ, key, value, mtime)
	if err != nil {
		return err
	}
	return s.appendRecord(master.Bytes(), key, rec, typ, mtime, uint32(len(value)))
}

// appendRecord writes a fully formed record into the first free slot,
// compacting once on a full table, and updates the index.
func (s *Session) appendRecord(master []byte, key string, rec []byte, typ byte, mtime uint64, valLen uint32) error {
	idx, err := s.placeRecord(master, rec, uint32(len(key)), valLen)
	if errors.Is(err, ErrNoSpace) {
		if err := s.compact(master); err != nil {
			return err
		}
		idx, err = s.placeRecord(master, rec, uint32(len(key)), valLen)
	}
	if err != nil {
		return err
	}
	s.index[key] = keyInfo{slotIndex: idx, mtime: mtime, typ: typ}
	return nil
}

// placeRecord appends rec to the heap and activates a slot for it.
func (s *Session) placeRecord(master, rec []byte, keyLen, valLen uint32) (uint32, error) {
	table, err := readSlotTable(s.file.File)
	if err != nil {
		return 0, err
	}
	i, err := findFreeSlot(table)
	if err != nil {
		return 0, err
	}

	size, err := fileSize(s.file.File)
	if err != nil {
		return 0, err
	}
	heapEnd := size - HashSize

	if err := writeAt(s.file.File, rec, heapEnd); err != nil {
		return 0, err
	}
	sl := slot{state: slotActive, offset: uint32(heapEnd), keyLen: keyLen, valLen: valLen}
	if err := writeSlot(s.file.File, i, sl); err != nil {
		return 0, err
	}
	if err := appendFileMAC(s.file.File, master); err != nil {
		return 0, err
	}
	return i, nil
}

// Update replaces a key's value by deleting and re-adding it. As in the
// append-only design generally, the record moves to a fresh slot; a
// failure between the halves leaves the key deleted.
func (s *Session) Update(typ byte, key string, value []byte, mtime uint64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if len(value) > DataSize {
		return fmt.Errorf("%w: value exceeds %d bytes", ErrParam, DataSize)
	}
	if err := s.Delete(key); err != nil {
		return err
	}
	return s.Add(typ, key, value, mtime)
}

// Delete tombstones a key: the slot is marked deleted, the record's
// sealed value is overwritten with zeros in place, and the file MAC is
// recomputed. The record envelope stays on disk until compaction.
func (s *Session) Delete(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if !s.open {
		return ErrVaultClosed
	}
	ki, ok := s.index[key]
	if !ok {
		return ErrKeyNotFound
	}

	master, err := openEnclave(s.master)
	if err != nil {
		return err
	}
	defer master.Destroy()

	sl, err := readSlot(s.file.File, ki.slotIndex)
	if err != nil {
		return err
	}

	state := make([]byte, 4)
	binary.LittleEndian.PutUint32(state, slotDeleted)
	if err := writeAt(s.file.File, state, slotPos(ki.slotIndex)); err != nil {
		return err
	}

	wipe := make([]byte, sl.valLen+MACSize)
	wipeOff := int64(sl.offset) + EntryHeaderSize + int64(sl.keyLen)
	if err := writeAt(s.file.File, wipe, wipeOff); err != nil {
		return err
	}

	if err := rewriteFileMAC(s.file.File, master.Bytes()); err != nil {
		return err
	}

	delete(s.index, key)
	if s.box != nil && s.box.key == key {
		s.box.destroy()
		s.box = nil
	}
	return nil
}

// OpenKey decrypts the named key's value into the hot cache. If the
// key is already the cached one this is a no-op.
func (s *Session) OpenKey(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if !s.open {
		return ErrVaultClosed
	}
	ki, ok := s.index[key]
	if !ok {
		return ErrKeyNotFound
	}
	if s.box != nil && s.box.key == key {
		return nil
	}

	master, err := openEnclave(s.master)
	if err != nil {
		return err
	}
	defer master.Destroy()

	rec, sl, err := s.readRecord(ki)
	if err != nil {
		return err
	}
	value, typ, _, err := openRecord(master.Bytes(), rec, int(sl.keyLen))
	if err != nil {
		return err
	}

	s.box.destroy()
	box := &hotBox{key: key, typ: typ}
	if len(value) > 0 {
		box.value = secmem.BufferFrom(value)
	}
	s.box = box
	return nil
}

// readRecord loads the raw record bytes a key's slot points at.
func (s *Session) readRecord(ki keyInfo) ([]byte, slot, error) {
	sl, err := readSlot(s.file.File, ki.slotIndex)
	if err != nil {
		return nil, slot{}, err
	}
	rec := make([]byte, recordSize(int(sl.keyLen), int(sl.valLen)))
	if err := readAt(s.file.File, rec, int64(sl.offset)); err != nil {
		return nil, slot{}, err
	}
	return rec, sl, nil
}

// ReadValue copies the hot cache out to the caller: the decrypted
// value bytes and the entry type. OpenKey must have succeeded first.
func (s *Session) ReadValue() ([]byte, byte, error) {
	if !s.open {
		return nil, 0, ErrVaultClosed
	}
	if s.box == nil {
		return nil, 0, fmt.Errorf("%w: no key open", ErrKeyNotFound)
	}
	if s.box.value == nil {
		return []byte{}, s.box.typ, nil
	}
	out := make([]byte, s.box.value.Size())
	copy(out, s.box.value.Bytes())
	return out, s.box.typ, nil
}

// Keys returns the stored key names in sorted order.
func (s *Session) Keys() ([]string, error) {
	if !s.open {
		return nil, ErrVaultClosed
	}
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// NumKeys returns the number of stored keys.
func (s *Session) NumKeys() (int, error) {
	if !s.open {
		return 0, ErrVaultClosed
	}
	return len(s.index), nil
}

// LastModified returns a key's modification timestamp.
func (s *Session) LastModified(key string) (uint64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	if !s.open {
		return 0, ErrVaultClosed
	}
	ki, ok := s.index[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	return ki.mtime, nil
}

// AddEncrypted appends a record downloaded from the server. The blob's
// MAC is verified under the local master key, the provided mtime is
// stamped into it, the MAC recomputed, and the record appended like a
// local add. The server never sees plaintext; this path never decrypts.
func (s *Session) AddEncrypted(key string, blob []byte, typ byte, mtime uint64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if !s.open {
		return ErrVaultClosed
	}
	if _, ok := s.index[key]; ok {
		return ErrKeyExists
	}
	valLen := len(blob) - recordSize(len(key), 0)
	if valLen < 0 || valLen > DataSize {
		return fmt.Errorf("%w: blob size %d inconsistent with key", ErrParam, len(blob))
	}

	master, err := openEnclave(s.master)
	if err != nil {
		return err
	}
	defer master.Destroy()

	if err := verifyRecordMAC(master.Bytes(), blob); err != nil {
		// A tampered server blob is a file-integrity failure, not a
		// local crypto fault.
		return fmt.Errorf("%w: server record MAC mismatch", ErrFile)
	}

	rec := make([]byte, len(blob))
	copy(rec, blob)
	binary.LittleEndian.PutUint64(rec[0:8], mtime)
	if err := stampRecordMAC(master.Bytes(), rec); err != nil {
		return err
	}
	return s.appendRecord(master.Bytes(), key, rec, typ, mtime, uint32(valLen))
}

// GetEncrypted returns a key's raw record bytes for upload, after
// re-verifying the record MAC. The value stays sealed.
func (s *Session) GetEncrypted(key string) ([]byte, byte, error) {
	if err := checkKey(key); err != nil {
		return nil, 0, err
	}
	if !s.open {
		return nil, 0, ErrVaultClosed
	}
	ki, ok := s.index[key]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}

	master, err := openEnclave(s.master)
	if err != nil {
		return nil, 0, err
	}
	defer master.Destroy()

	rec, _, err := s.readRecord(ki)
	if err != nil {
		return nil, 0, err
	}
	if err := verifyRecordMAC(master.Bytes(), rec); err != nil {
		return nil, 0, err
	}
	return rec, ki.typ, nil
}

// Header returns the first 104 bytes of the file, the part uploaded to
// the sync server: version, salt, sealed master, nonce, server time.
func (s *Session) Header() ([]byte, error) {
	if !s.open {
		return nil, ErrVaultClosed
	}
	buf := make([]byte, ServerHeaderSize)
	if err := readAt(s.file.File, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// LastServerTime reads the last-server-contact timestamp.
func (s *Session) LastServerTime() (uint64, error) {
	if !s.open {
		return 0, ErrVaultClosed
	}
	buf := make([]byte, 8)
	if err := readAt(s.file.File, buf, offServerTime); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// SetLastServerTime writes the timestamp and recomputes the file MAC.
func (s *Session) SetLastServerTime(ts uint64) error {
	if !s.open {
		return ErrVaultClosed
	}
	master, err := openEnclave(s.master)
	if err != nil {
		return err
	}
	defer master.Destroy()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ts)
	if err := writeAt(s.file.File, buf, offServerTime); err != nil {
		return err
	}
	return rewriteFileMAC(s.file.File, master.Bytes())
}

// ChangePassword re-wraps the master key under a key derived from the
// new password with a fresh salt and nonce. The master key itself is
// retained, so stored entries are untouched. The old password is
// verified against both the header envelope and the in-memory master.
func (s *Session) ChangePassword(oldPassword, newPassword string) error {
	if err := checkPassword(oldPassword); err != nil {
		return err
	}
	if err := checkPassword(newPassword); err != nil {
		return err
	}
	if !s.open {
		return ErrVaultClosed
	}

	buf := make([]byte, ServerHeaderSize)
	if err := readAt(s.file.File, buf, 0); err != nil {
		return err
	}
	h, err := parseHeader(buf)
	if err != nil {
		return err
	}

	master, err := openEnclave(s.master)
	if err != nil {
		return err
	}
	defer master.Destroy()

	oldKek, err := crypto.DeriveKey([]byte(oldPassword), h.salt[:], s.kdf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(oldKek)
	check, err := crypto.Open(h.sealedMaster[:], h.masterNonce[:], oldKek)
	if err != nil {
		return ErrWrongPass
	}
	defer crypto.Zeroize(check)
	if !crypto.SecureCompare(check, master.Bytes()) {
		return ErrWrongPass
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	newKek, err := crypto.DeriveKey([]byte(newPassword), salt, s.kdf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		crypto.Zeroize(newKek)
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	sealed, err := crypto.Seal(master.Bytes(), nonce, newKek)
	if err != nil {
		crypto.Zeroize(newKek)
		return fmt.Errorf("%w: seal master: %v", ErrCrypto, err)
	}

	if err := s.writeEnvelope(salt, sealed, nonce, master.Bytes()); err != nil {
		crypto.Zeroize(newKek)
		return err
	}

	s.kek = secmem.Seal(newKek)
	s.box.destroy()
	s.box = nil
	return nil
}

// writeEnvelope rewrites the salt/sealed-master/nonce header region and
// the file MAC.
func (s *Session) writeEnvelope(salt, sealed, nonce, master []byte) error {
	buf := make([]byte, SaltSize+MasterKeySize+MACSize+NonceSize)
	copy(buf, salt)
	copy(buf[SaltSize:], sealed)
	copy(buf[SaltSize+MasterKeySize+MACSize:], nonce)
	if err := writeAt(s.file.File, buf, offSalt); err != nil {
		return err
	}
	return rewriteFileMAC(s.file.File, master)
}
