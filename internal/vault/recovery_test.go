package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockbox-cli/lockbox/internal/crypto"
)

func TestRecoveryFlow(t *testing.T) {
	s, dir := createTestVault(t)
	require.NoError(t, s.Add(1, "email", []byte("a@b.com"), 1000))

	data, err := s.CreateServerData("dog", "42")
	require.NoError(t, err)
	require.Len(t, data.Recovery, RecoverySize)
	require.Len(t, data.ServerPass, crypto.KeySize)
	require.NoError(t, s.Close())

	// Reset with the right answers rewraps the master under the new
	// password and leaves the vault open.
	s2 := newTestSession(t)
	update, err := s2.ResetFromRecovery(dir, testUser, "dog", "42",
		data.Recovery, data.ResponseSalt1, data.ResponseSalt2, "newpass")
	require.NoError(t, err)
	require.True(t, s2.IsOpen())
	require.Len(t, update.Header, ServerHeaderSize)
	assert.NotEmpty(t, update.ServerPass)
	assert.NotEqual(t, data.FirstPassSalt, update.FirstPassSalt)

	require.NoError(t, s2.OpenKey("email"))
	value, _, err := s2.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, []byte("a@b.com"), value)
	require.NoError(t, s2.Close())

	// Old password is dead, the new one opens, entries survive.
	s3 := newTestSession(t)
	assert.ErrorIs(t, s3.Open(dir, testUser, testPass), ErrWrongPass)
	require.NoError(t, s3.Open(dir, testUser, "newpass"))
	require.NoError(t, s3.OpenKey("email"))
	value, _, err = s3.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, []byte("a@b.com"), value)
}

func TestRecoveryWrongAnswers(t *testing.T) {
	s, dir := createTestVault(t)
	data, err := s.CreateServerData("dog", "42")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := newTestSession(t)
	_, err = s2.ResetFromRecovery(dir, testUser, "cat", "42",
		data.Recovery, data.ResponseSalt1, data.ResponseSalt2, "newpass")
	assert.ErrorIs(t, err, ErrWrongPass)

	_, err = s2.ResetFromRecovery(dir, testUser, "dog", "43",
		data.Recovery, data.ResponseSalt1, data.ResponseSalt2, "newpass")
	assert.ErrorIs(t, err, ErrWrongPass)
	assert.False(t, s2.IsOpen())

	// The failed resets must not have touched the vault.
	require.NoError(t, s2.Open(dir, testUser, testPass))
}

func TestRecoveryRequiresClosedSession(t *testing.T) {
	s, dir := createTestVault(t)
	data, err := s.CreateServerData("dog", "42")
	require.NoError(t, err)

	_, err = s.ResetFromRecovery(dir, testUser, "dog", "42",
		data.Recovery, data.ResponseSalt1, data.ResponseSalt2, "newpass")
	assert.ErrorIs(t, err, ErrVaultOpen)
}

func TestServerPasswordDerivations(t *testing.T) {
	s, _ := createTestVault(t)
	data, err := s.CreateServerData("dog", "42")
	require.NoError(t, err)

	// The doubly-derived password from a fresh machine matches the one
	// the open session produced.
	made, err := MakeServerPassword(testPass, data.FirstPassSalt, data.SecondPassSalt, crypto.TestParams())
	require.NoError(t, err)
	assert.Equal(t, data.ServerPass, made)

	again, err := s.ServerPassword(data.SecondPassSalt)
	require.NoError(t, err)
	assert.Equal(t, data.ServerPass, again)

	wrong, err := MakeServerPassword("other", data.FirstPassSalt, data.SecondPassSalt, crypto.TestParams())
	require.NoError(t, err)
	assert.NotEqual(t, data.ServerPass, wrong)
}

func TestResponseVerifiers(t *testing.T) {
	s, _ := createTestVault(t)
	data, err := s.CreateServerData("dog", "42")
	require.NoError(t, err)

	v1, v2, err := ResponseVerifiers("dog", "42",
		data.ResponseSalt1, data.VerifySalt1, data.ResponseSalt2, data.VerifySalt2, crypto.TestParams())
	require.NoError(t, err)
	assert.Equal(t, data.Verifier1, v1)
	assert.Equal(t, data.Verifier2, v2)

	w1, _, err := ResponseVerifiers("cat", "42",
		data.ResponseSalt1, data.VerifySalt1, data.ResponseSalt2, data.VerifySalt2, crypto.TestParams())
	require.NoError(t, err)
	assert.NotEqual(t, data.Verifier1, w1)
}

func TestCreateServerDataValidation(t *testing.T) {
	s, _ := createTestVault(t)
	_, err := s.CreateServerData("", "42")
	assert.ErrorIs(t, err, ErrParam)

	require.NoError(t, s.Close())
	_, err = s.CreateServerData("dog", "42")
	assert.ErrorIs(t, err, ErrVaultClosed)
}
