package vault

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockbox-cli/lockbox/internal/crypto"
)

const (
	testUser = "alice"
	testPass = "hunter2"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSessionWithParams(crypto.TestParams())
	require.NoError(t, err)
	t.Cleanup(func() { s.Release() })
	return s
}

// createTestVault creates a small 4-slot vault so growth is cheap to
// exercise.
func createTestVault(t *testing.T) (*Session, string) {
	t.Helper()
	dir := t.TempDir()
	s := newTestSession(t)
	require.NoError(t, s.CreateWithOptions(dir, testUser, testPass, Options{InitialSlots: 4}))
	return s, dir
}

// rawFile reads the vault file from disk while the session holds it.
func rawFile(t *testing.T, dir string) []byte {
	t.Helper()
	data, err := os.ReadFile(VaultPath(dir, testUser))
	require.NoError(t, err)
	return data
}

// patchFile rewrites one byte of the vault file on disk.
func patchFile(t *testing.T, dir string, off int64, xor byte) {
	t.Helper()
	f, err := os.OpenFile(VaultPath(dir, testUser), os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, off)
	require.NoError(t, err)
	buf[0] ^= xor
	_, err = f.WriteAt(buf, off)
	require.NoError(t, err)
}

// sessionMaster copies the open session's master key for cross-checks.
func sessionMaster(t *testing.T, s *Session) []byte {
	t.Helper()
	buf, err := s.master.Open()
	require.NoError(t, err)
	defer buf.Destroy()
	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out
}

// verifyRawMAC recomputes the trailing file MAC from the raw bytes.
func verifyRawMAC(t *testing.T, data, master []byte) {
	t.Helper()
	mac, err := crypto.KeyedHash(data[:len(data)-HashSize], master)
	require.NoError(t, err)
	assert.Equal(t, mac, data[len(data)-HashSize:], "file MAC must cover everything before it")
}

func TestCreateAddRead(t *testing.T) {
	s, dir := createTestVault(t)

	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	require.NoError(t, s.OpenKey("email"))

	value, typ, err := s.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, []byte("a@b.com"), value)
	assert.Equal(t, byte(1), typ)

	mtime, err := s.LastModified("email")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), mtime)

	info, err := os.Stat(VaultPath(dir, testUser))
	require.NoError(t, err)
	wantSize := int64(HeaderSize + 4*LocSize + recordSize(5, 7) + HashSize)
	assert.Equal(t, wantSize, info.Size())
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRoundTripValues(t *testing.T) {
	s, _ := createTestVault(t)

	cases := []struct {
		key   string
		typ   byte
		value []byte
		mtime uint64
	}{
		{"a", 0, []byte{}, 0},
		{"binary", 7, []byte{0, 1, 2, 0xFF, 0, 3}, 1},
		{"long", 255, make([]byte, DataSize), 1 << 62},
	}
	for _, tc := range cases {
		require.NoError(t, s.Add(tc.typ, tc.key, tc.value, tc.mtime))
	}
	for _, tc := range cases {
		require.NoError(t, s.OpenKey(tc.key))
		value, typ, err := s.ReadValue()
		require.NoError(t, err)
		assert.Equal(t, tc.value, value, tc.key)
		assert.Equal(t, tc.typ, typ, tc.key)
		mtime, err := s.LastModified(tc.key)
		require.NoError(t, err)
		assert.Equal(t, tc.mtime, mtime, tc.key)
	}
}

func TestOpenKeyIdempotent(t *testing.T) {
	s, _ := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))

	require.NoError(t, s.OpenKey("email"))
	first := s.box
	require.NoError(t, s.OpenKey("email"))
	assert.Same(t, first, s.box, "second open of the cached key must not rebuild the box")
}

func TestAddDuplicateKey(t *testing.T) {
	s, _ := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	assert.ErrorIs(t, s.Add(1, "email", []byte("other"), 2000), ErrKeyExists)
}

func TestDeleteTombstone(t *testing.T) {
	s, dir := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	require.NoError(t, s.OpenKey("email"))
	require.NoError(t, s.Delete("email"))

	assert.Nil(t, s.box, "hot cache must be invalidated by delete")
	assert.ErrorIs(t, s.OpenKey("email"), ErrKeyNotFound)
	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	data := rawFile(t, dir)
	assert.Equal(t, slotDeleted, binary.LittleEndian.Uint32(data[offSlotTable:]))

	recOff := HeaderSize + 4*LocSize
	wipeStart := recOff + EntryHeaderSize + 5
	for i := 0; i < 7+MACSize; i++ {
		assert.Zero(t, data[wipeStart+i], "sealed value must be wiped at %d", i)
	}
	assert.Equal(t, "email", string(data[recOff+EntryHeaderSize:recOff+EntryHeaderSize+5]),
		"tombstone keeps the key name on disk")

	// Re-adding lands in the next slot; the tombstone is not reused.
	require.NoError(t, s.Add(1, "email", []byte("x@y.z"), 2000))
	assert.Equal(t, uint32(1), s.index["email"].slotIndex)
}

func TestDeleteMissingKey(t *testing.T) {
	s, _ := createTestVault(t)
	assert.ErrorIs(t, s.Delete("nope"), ErrKeyNotFound)
}

func TestUpdateReplacesValue(t *testing.T) {
	s, _ := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	require.NoError(t, s.Update(2, "email", []byte("new@b.com"), 2000))

	require.NoError(t, s.OpenKey("email"))
	value, typ, err := s.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, []byte("new@b.com"), value)
	assert.Equal(t, byte(2), typ)

	n, err := s.NumKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, s.Update(1, "missing", []byte("v"), 1), ErrKeyNotFound)
}

func TestFileMACClosure(t *testing.T) {
	s, dir := createTestVault(t)
	master := sessionMaster(t, s)

	verifyRawMAC(t, rawFile(t, dir), master)

	require.NoError(t, s.Add(1, "k1", []byte("v1"), 1))
	verifyRawMAC(t, rawFile(t, dir), master)

	require.NoError(t, s.Add(1, "k2", []byte("v2"), 2))
	verifyRawMAC(t, rawFile(t, dir), master)

	require.NoError(t, s.Delete("k1"))
	verifyRawMAC(t, rawFile(t, dir), master)

	require.NoError(t, s.SetLastServerTime(12345))
	verifyRawMAC(t, rawFile(t, dir), master)
}

func TestTamperedFileFailsOpen(t *testing.T) {
	offsets := []struct {
		name string
		off  func(fileLen int64) int64
	}{
		{"salt", func(int64) int64 { return offSalt }},
		{"slot table", func(int64) int64 { return offSlotTable + 4 }},
		{"record ciphertext", func(int64) int64 { return HeaderSize + 4*LocSize + EntryHeaderSize + 5 }},
		{"last heap byte", func(n int64) int64 { return n - HashSize - 1 }},
	}
	for _, tc := range offsets {
		t.Run(tc.name, func(t *testing.T) {
			s, dir := createTestVault(t)
			require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
			require.NoError(t, s.Close())

			info, err := os.Stat(VaultPath(dir, testUser))
			require.NoError(t, err)
			patchFile(t, dir, tc.off(info.Size()), 0x01)

			s2 := newTestSession(t)
			err = s2.Open(dir, testUser, testPass)
			if tc.name == "salt" {
				// Corrupting the salt derails key derivation before
				// the file MAC is ever checked.
				assert.ErrorIs(t, err, ErrWrongPass)
			} else {
				assert.ErrorIs(t, err, ErrFile)
			}
		})
	}
}

func TestTamperedRecordFailsOpenKey(t *testing.T) {
	s, dir := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))

	// Corrupt the record's sealed value behind the session's back and
	// fix the file MAC so only the record check can catch it.
	master := sessionMaster(t, s)
	patchFile(t, dir, int64(HeaderSize+4*LocSize+EntryHeaderSize+5), 0x01)
	require.NoError(t, rewriteFileMAC(s.file.File, master))

	assert.ErrorIs(t, s.OpenKey("email"), ErrCrypto)
}

func TestWrongPassword(t *testing.T) {
	s, dir := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	require.NoError(t, s.Close())

	s2 := newTestSession(t)
	assert.ErrorIs(t, s2.Open(dir, testUser, "wrong"), ErrWrongPass)
	assert.False(t, s2.IsOpen())
}

func TestChangePassword(t *testing.T) {
	s, dir := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	require.NoError(t, s.OpenKey("email"))

	assert.ErrorIs(t, s.ChangePassword("bogus", "newpass"), ErrWrongPass)

	require.NoError(t, s.ChangePassword(testPass, "newpass"))
	assert.Nil(t, s.box, "hot cache must be invalidated by password change")
	require.NoError(t, s.Close())

	s2 := newTestSession(t)
	assert.ErrorIs(t, s2.Open(dir, testUser, testPass), ErrWrongPass)

	require.NoError(t, s2.Open(dir, testUser, "newpass"))
	require.NoError(t, s2.OpenKey("email"))
	value, _, err := s2.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, []byte("a@b.com"), value)
}

func TestLastServerTime(t *testing.T) {
	s, dir := createTestVault(t)

	ts, err := s.LastServerTime()
	require.NoError(t, err)
	assert.Zero(t, ts)

	require.NoError(t, s.SetLastServerTime(987654321))
	ts, err = s.LastServerTime()
	require.NoError(t, err)
	assert.Equal(t, uint64(987654321), ts)
	require.NoError(t, s.Close())

	// Survives reopen and the file still verifies.
	s2 := newTestSession(t)
	require.NoError(t, s2.Open(dir, testUser, testPass))
	ts, err = s2.LastServerTime()
	require.NoError(t, err)
	assert.Equal(t, uint64(987654321), ts)
}

func TestHeaderBytes(t *testing.T) {
	s, dir := createTestVault(t)

	hdr, err := s.Header()
	require.NoError(t, err)
	require.Len(t, hdr, ServerHeaderSize)
	assert.Equal(t, rawFile(t, dir)[:ServerHeaderSize], hdr)
}

func TestEncryptedBlobSync(t *testing.T) {
	s, _ := createTestVault(t)
	require.NoError(t, s.Add(3, "email", []byte("a@b.com"), 1000))

	blob, typ, err := s.GetEncrypted("email")
	require.NoError(t, err)
	assert.Equal(t, byte(3), typ)
	assert.Len(t, blob, recordSize(5, 7))

	hdr, err := s.Header()
	require.NoError(t, err)

	// A second machine bootstraps from the downloaded header and
	// replays the encrypted blob without ever seeing plaintext.
	dir2 := t.TempDir()
	s2 := newTestSession(t)
	require.NoError(t, s2.CreateFromHeader(dir2, testUser, testPass, hdr))

	require.NoError(t, s2.AddEncrypted("email", blob, typ, 2000))
	require.NoError(t, s2.OpenKey("email"))
	value, gotTyp, err := s2.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, []byte("a@b.com"), value)
	assert.Equal(t, byte(3), gotTyp)

	mtime, err := s2.LastModified("email")
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), mtime, "server-supplied mtime must replace the embedded one")
}

func TestAddEncryptedRejectsTamper(t *testing.T) {
	s, _ := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))
	blob, _, err := s.GetEncrypted("email")
	require.NoError(t, err)

	tampered := append([]byte(nil), blob...)
	tampered[EntryHeaderSize+5] ^= 0x01
	assert.ErrorIs(t, s.AddEncrypted("other", tampered, 1, 2000), ErrFile)

	assert.ErrorIs(t, s.AddEncrypted("email", blob, 1, 2000), ErrKeyExists)
}

func TestCreateFromHeaderWrongPassword(t *testing.T) {
	s, _ := createTestVault(t)
	hdr, err := s.Header()
	require.NoError(t, err)

	s2 := newTestSession(t)
	assert.ErrorIs(t, s2.CreateFromHeader(t.TempDir(), testUser, "wrong", hdr), ErrWrongPass)
}

func TestSecondSessionLockedOut(t *testing.T) {
	_, dir := createTestVault(t)

	s2 := newTestSession(t)
	assert.ErrorIs(t, s2.Open(dir, testUser, testPass), ErrSyscall)
}

func TestLifecycleErrors(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t)

	assert.ErrorIs(t, s.Add(1, "k", []byte("v"), 1), ErrVaultClosed)
	assert.ErrorIs(t, s.Delete("k"), ErrVaultClosed)
	assert.ErrorIs(t, s.OpenKey("k"), ErrVaultClosed)
	assert.ErrorIs(t, s.Close(), ErrVaultClosed)
	_, err := s.Header()
	assert.ErrorIs(t, err, ErrVaultClosed)

	assert.ErrorIs(t, s.Open(dir, testUser, testPass), ErrNotExist)

	require.NoError(t, s.CreateWithOptions(dir, testUser, testPass, Options{InitialSlots: 4}))
	assert.ErrorIs(t, s.Open(dir, testUser, testPass), ErrVaultOpen)
	assert.ErrorIs(t, s.Create(dir, testUser, testPass), ErrVaultOpen)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Create(dir, testUser, testPass), ErrExist)
}

func TestParameterValidation(t *testing.T) {
	s, _ := createTestVault(t)

	longKey := string(make([]byte, BoxKeySize))
	assert.ErrorIs(t, s.Add(1, longKey, []byte("v"), 1), ErrParam)
	assert.ErrorIs(t, s.Add(1, "", []byte("v"), 1), ErrParam)
	assert.ErrorIs(t, s.Add(1, "k", make([]byte, DataSize+1), 1), ErrParam)
	_, err := s.LastModified("")
	assert.ErrorIs(t, err, ErrParam)

	s2 := newTestSession(t)
	assert.ErrorIs(t, s2.Create("", testUser, testPass), ErrParam)
	assert.ErrorIs(t, s2.Create(t.TempDir(), "", testPass), ErrParam)
	assert.ErrorIs(t, s2.CreateWithOptions(t.TempDir(), testUser, testPass, Options{InitialSlots: 3}), ErrParam)
	longPass := string(make([]byte, MaxPassSize+1))
	assert.ErrorIs(t, s2.Create(t.TempDir(), testUser, longPass), ErrParam)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeSuccess, CodeOf(nil))
	assert.Equal(t, CodeWrongPass, CodeOf(ErrWrongPass))
	assert.Equal(t, CodeExist, CodeOf(ErrExist))
	assert.Equal(t, CodeExist, CodeOf(ErrNotExist))
	assert.Equal(t, CodeKeyExist, CodeOf(ErrKeyExists))
	assert.Equal(t, CodeKeyExist, CodeOf(ErrKeyNotFound))
	assert.Equal(t, CodeNoSpace, CodeOf(ErrNoSpace))
	assert.Equal(t, CodeFile, CodeOf(ErrFile))
}
