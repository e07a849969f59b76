// Command flowctl operates a running FlowPipe server.
package main

import (
	"fmt"
	"os"

	"github.com/BTreeMap/FlowPipe/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowctl:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
