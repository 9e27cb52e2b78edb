package cmd

import (
	"fmt"
	"os"
)

const banner = `
  _        _                   
 | |_ ___ | | _____ _ __   ___ __ _ 
 | __/ _ \| |/ / _ \ '_ \ / __/ _` + "`" + ` |
 | || (_) |   <  __/ | | | (_| (_| |
  \__\___/|_|\_\___|_| |_|\___\__,_|
`

// printBanner greets the operator on stderr so stdout stays machine
// readable.
func printBanner() {
	fmt.Fprintf(os.Stderr, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(os.Stderr, "\x1b[32m  Token-backed Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
