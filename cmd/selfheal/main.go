// Command selfheal serves the locator healing engine over HTTP and exposes
// the same pipeline as one-shot subcommands.
package main

import (
	"fmt"
	"os"

	"selfheal/internal/observability"
)

func main() {
	err := newRootCmd().Execute()
	observability.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
