// Command zapguard runs the message intent guardrail: the HTTP API, the
// background workers, and one-shot operational commands.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
