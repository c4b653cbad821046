// Command blkchnkr is the CLI entry point: init/start/expand a chunked
// ublk-backed block device repository.
package main

import (
	"fmt"
	"os"

	"github.com/jiripospisil/blkchnkr/internal/cli"
)

func main() {
	if err := cli.App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blkchnkr: %v\n", err)
		os.Exit(1)
	}
}
