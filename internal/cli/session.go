package cli

import (
	"fmt"
	"os"

	"github.com/lockbox-cli/lockbox/internal/vault"
)

// openSession prompts for the vault password and opens the user's
// vault. The returned closer must run before the command exits.
func openSession() (*vault.Session, func(), error) {
	password, err := PromptPassword("Vault password: ")
	if err != nil {
		return nil, nil, err
	}

	s, err := vault.NewSessionWithParams(cfg.KDF)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Open(directory, username, password); err != nil {
		return nil, nil, err
	}

	closer := func() {
		if err := s.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: close vault: %v\n", err)
		}
	}
	return s, closer, nil
}
