// Command idleprobe probes a mail server for IMAP IDLE notification races.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/idleprobe/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "idleprobe:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
