// Package main provides the entry point for the amanrag CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/amanrag/cmd/amanrag/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
