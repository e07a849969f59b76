// Package cli implements flowctl, the FlowPipe operator command line.
//
// Commands talk to a running FlowPipe server over its HTTP API.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// DefaultServer is used when neither --server nor $FLOWCTL_SERVER is set.
const DefaultServer = "http://localhost:8080"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Format  string // "json" | "text"
	Timeout time.Duration

	out io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for flowctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	defaultServer := os.Getenv("FLOWCTL_SERVER")
	if defaultServer == "" {
		defaultServer = DefaultServer
	}

	cmd := &cobra.Command{
		Use:   "flowctl",
		Short: "Operate a FlowPipe server",
		Long:  "flowctl inspects and resets sync records, publishes flow definitions and manages conversations on a FlowPipe server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.out = cmd.OutOrStdout()
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", defaultServer, "FlowPipe server base URL (overrides $FLOWCTL_SERVER)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "request timeout")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewFlowsCommand(opts))
	cmd.AddCommand(NewConversationsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Server, o.Timeout)
}

func (o *RootOptions) formatter() *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: o.out}
}
