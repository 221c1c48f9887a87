// Command objstore replays the object store tutorial and exposes each
// client operation as a subcommand.
package main

import (
	"fmt"
	"os"
)

func main() {
	rc, err := Cli(os.Args[1:], NewCliConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "objstore: %v\n", err)
	}
	os.Exit(rc)
}
