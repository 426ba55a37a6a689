// Command schedulerd runs the distributed cron scheduler as a standalone
// daemon, and doubles as an operator CLI against the same database the
// daemon writes to.
package main

import (
	"fmt"
	"os"

	"github.com/taskmesh/scheduler/cmd/schedulerd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
