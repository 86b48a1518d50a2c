package vault

import (
	"fmt"

	"github.com/lockbox-cli/lockbox/internal/crypto"
)

// RecoverySize is the size of the recovery blob: the master key sealed
// twice over (two authenticator tags) plus both nonces.
const RecoverySize = MasterKeySize + 2*MACSize + 2*NonceSize

// Recovery blob layout offsets.
const (
	recNonce1Off = MasterKeySize + 2*MACSize
	recNonce2Off = recNonce1Off + NonceSize
)

// ServerData is everything the sync server stores at registration. The
// server can verify the user's password and security answers against
// the doubly-derived values but cannot invert them, and the recovery
// blob only opens with keys derived from both answers.
type ServerData struct {
	FirstPassSalt  []byte // the vault's own password salt
	SecondPassSalt []byte
	ServerPass     []byte // pw_hash(KEK, SecondPassSalt)

	Recovery []byte // seal(seal(master, n1, k1), n2, k2) || n1 || n2

	ResponseSalt1 []byte // salt for k1 = pw_hash(answer1, ·)
	VerifySalt1   []byte // salt for Verifier1 = pw_hash(k1, ·)
	ResponseSalt2 []byte
	VerifySalt2   []byte
	Verifier1     []byte
	Verifier2     []byte
}

// RecoveryUpdate is what a successful password reset sends back to the
// server: the rewritten header and the fresh server credentials.
type RecoveryUpdate struct {
	FirstPassSalt  []byte
	SecondPassSalt []byte
	ServerPass     []byte
	Header         []byte
}

// CreateServerData derives the full registration bundle from the two
// security answers. The master key is sealed under a key derived from
// answer 1, and that box sealed again under a key derived from answer
// 2, so the server alone can never recover it.
func (s *Session) CreateServerData(answer1, answer2 string) (*ServerData, error) {
	if answer1 == "" || answer2 == "" {
		return nil, fmt.Errorf("%w: empty security answer", ErrParam)
	}
	if !s.open {
		return nil, ErrVaultClosed
	}

	kek, err := openEnclave(s.kek)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()
	master, err := openEnclave(s.master)
	if err != nil {
		return nil, err
	}
	defer master.Destroy()

	d := &ServerData{}
	for _, salt := range []*[]byte{
		&d.SecondPassSalt, &d.ResponseSalt1, &d.VerifySalt1, &d.ResponseSalt2, &d.VerifySalt2,
	} {
		if *salt, err = crypto.GenerateSalt(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
	}

	d.FirstPassSalt = make([]byte, SaltSize)
	if err := readAt(s.file.File, d.FirstPassSalt, offSalt); err != nil {
		return nil, err
	}

	if d.ServerPass, err = crypto.DeriveKey(kek.Bytes(), d.SecondPassSalt, s.kdf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	k1, err := crypto.DeriveKey([]byte(answer1), d.ResponseSalt1, s.kdf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(k1)
	k2, err := crypto.DeriveKey([]byte(answer2), d.ResponseSalt2, s.kdf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(k2)

	d.Recovery = make([]byte, RecoverySize)
	n1 := d.Recovery[recNonce1Off:recNonce2Off]
	n2 := d.Recovery[recNonce2Off:]
	if err := crypto.Random(n1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if err := crypto.Random(n2); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	inner, err := crypto.Seal(master.Bytes(), n1, k1)
	if err != nil {
		return nil, fmt.Errorf("%w: seal master: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(inner)
	outer, err := crypto.Seal(inner, n2, k2)
	if err != nil {
		return nil, fmt.Errorf("%w: seal master: %v", ErrCrypto, err)
	}
	copy(d.Recovery, outer)

	if d.Verifier1, err = crypto.DeriveKey(k1, d.VerifySalt1, s.kdf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if d.Verifier2, err = crypto.DeriveKey(k2, d.VerifySalt2, s.kdf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return d, nil
}

// ServerPassword derives the password presented to the sync server from
// the session's KEK and the given second salt.
func (s *Session) ServerPassword(secondSalt []byte) ([]byte, error) {
	if !s.open {
		return nil, ErrVaultClosed
	}
	kek, err := openEnclave(s.kek)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	pass, err := crypto.DeriveKey(kek.Bytes(), secondSalt, s.kdf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return pass, nil
}

// MakeServerPassword computes the doubly-derived server password from
// the vault password and both salts. Used to authenticate a download
// onto a machine that has no vault yet.
func MakeServerPassword(password string, firstSalt, secondSalt []byte, p crypto.Params) ([]byte, error) {
	derived, err := crypto.DeriveKey([]byte(password), firstSalt, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(derived)
	pass, err := crypto.DeriveKey(derived, secondSalt, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return pass, nil
}

// ResponseVerifiers recomputes the two doubly-derived answer verifiers
// from the answers and the four salts the server published. The server
// compares these against its stored verifiers before releasing the
// recovery blob.
func ResponseVerifiers(answer1, answer2 string, responseSalt1, verifySalt1, responseSalt2, verifySalt2 []byte, p crypto.Params) ([]byte, []byte, error) {
	k1, err := crypto.DeriveKey([]byte(answer1), responseSalt1, p)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(k1)
	k2, err := crypto.DeriveKey([]byte(answer2), responseSalt2, p)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(k2)

	v1, err := crypto.DeriveKey(k1, verifySalt1, p)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	v2, err := crypto.DeriveKey(k2, verifySalt2, p)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return v1, v2, nil
}

// ResetFromRecovery performs a password reset with the two security
// answers: opens the double-sealed recovery blob, verifies the local
// file, rewraps the master under a key derived from the new password,
// and leaves the vault open. The returned update carries the new
// header and server credentials for upload.
func (s *Session) ResetFromRecovery(directory, username, answer1, answer2 string, recovery, responseSalt1, responseSalt2 []byte, newPassword string) (*RecoveryUpdate, error) {
	if err := checkPathArgs(directory, username); err != nil {
		return nil, err
	}
	if err := checkPassword(newPassword); err != nil {
		return nil, err
	}
	if len(recovery) != RecoverySize {
		return nil, fmt.Errorf("%w: recovery blob is %d bytes, want %d", ErrParam, len(recovery), RecoverySize)
	}
	if s.open {
		return nil, ErrVaultOpen
	}

	k1, err := crypto.DeriveKey([]byte(answer1), responseSalt1, s.kdf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(k1)
	k2, err := crypto.DeriveKey([]byte(answer2), responseSalt2, s.kdf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.Zeroize(k2)

	outer := recovery[:MasterKeySize+2*MACSize]
	n1 := recovery[recNonce1Off:recNonce2Off]
	n2 := recovery[recNonce2Off:]

	inner, err := crypto.Open(outer, n2, k2)
	if err != nil {
		return nil, ErrWrongPass
	}
	defer crypto.Zeroize(inner)
	master, err := crypto.Open(inner, n1, k1)
	if err != nil {
		return nil, ErrWrongPass
	}

	f, err := openVaultFile(VaultPath(directory, username))
	if err != nil {
		crypto.Zeroize(master)
		return nil, err
	}
	var kek []byte
	fail := func(err error) (*RecoveryUpdate, error) {
		crypto.Zeroize(master)
		crypto.Zeroize(kek)
		s.file = nil
		f.close()
		return nil, err
	}

	if err := verifyFileMAC(f.File, master); err != nil {
		return fail(err)
	}

	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrCrypto, err))
	}
	if kek, err = crypto.DeriveKey([]byte(newPassword), newSalt, s.kdf); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrCrypto, err))
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrCrypto, err))
	}
	sealed, err := crypto.Seal(master, nonce, kek)
	if err != nil {
		return fail(fmt.Errorf("%w: seal master: %v", ErrCrypto, err))
	}
	s.file = f
	if err := s.writeEnvelope(newSalt, sealed, nonce, master); err != nil {
		return fail(err)
	}

	idx, err := buildIndex(f.File)
	if err != nil {
		return fail(err)
	}

	update := &RecoveryUpdate{FirstPassSalt: newSalt}
	update.Header = make([]byte, ServerHeaderSize)
	if err := readAt(f.File, update.Header, 0); err != nil {
		return fail(err)
	}
	if update.SecondPassSalt, err = crypto.GenerateSalt(); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrCrypto, err))
	}
	if update.ServerPass, err = crypto.DeriveKey(kek, update.SecondPassSalt, s.kdf); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrCrypto, err))
	}

	s.finishOpen(kek, master, idx)
	return update, nil
}
