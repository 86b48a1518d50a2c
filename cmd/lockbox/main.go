package main

import (
	"fmt"
	"os"

	"github.com/lockbox-cli/lockbox/internal/cli"
	"github.com/lockbox-cli/lockbox/internal/secmem"
	"github.com/lockbox-cli/lockbox/internal/vault"
)

func main() {
	defer secmem.Exit()

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		secmem.Exit()
		os.Exit(int(vault.CodeOf(err)))
	}
}
