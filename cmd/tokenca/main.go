package main

import (
	"github.com/awnumar/memguard"

	"github.com/jmcleod/tokenca/cmd/tokenca/cmd"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd.Execute()
}
