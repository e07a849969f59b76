package cli

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// NewConversationsCommand creates the conversations command group.
func NewConversationsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect conversations and resume handovers",
	}

	show := &cobra.Command{
		Use:           "show <conversation-id>",
		Short:         "Show a conversation with its context and records",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationShow(cmd, opts, args[0])
		},
	}

	resume := &cobra.Command{
		Use:           "resume <conversation-id>",
		Short:         "Return a handed-over conversation to the flow",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationResume(cmd, opts, args[0])
		},
	}

	cmd.AddCommand(show, resume)
	return cmd
}

func runConversationShow(cmd *cobra.Command, opts *RootOptions, id string) error {
	var view api.ConversationView
	if err := opts.client().Do(cmd.Context(), "GET", "/conversations/"+url.PathEscape(id), "", nil, &view); err != nil {
		return err
	}

	out := opts.formatter()
	if out.JSON() {
		return out.WriteJSON(view)
	}
	c := view.Conversation
	if err := out.Fields(
		"ID", c.ID,
		"Identity", c.Identity,
		"Status", string(c.Status),
		"Mode", string(c.Mode),
		"Step", c.Pointer().String(),
		"Flow stack", strings.Join(view.FlowStack, " > "),
		"Turn", strconv.Itoa(c.Turn),
		"Last inbound", c.LastInboundAt.Format(time.RFC3339),
	); err != nil {
		return err
	}

	if len(c.Context) > 0 {
		keys := make([]string, 0, len(c.Context))
		for k := range c.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out.Writer, "\nContext:")
		for _, k := range keys {
			fmt.Fprintf(out.Writer, "  %s = %v\n", k, c.Context[k])
		}
	}
	if len(view.Records) > 0 {
		fmt.Fprintln(out.Writer)
		table := make([][]string, 0, len(view.Records))
		for _, r := range view.Records {
			table = append(table, []string{r.ID, r.Kind, r.CreatedAt.Format(time.RFC3339)})
		}
		return out.Table([]string{"RECORD", "KIND", "CREATED"}, table)
	}
	return nil
}

func runConversationResume(cmd *cobra.Command, opts *RootOptions, id string) error {
	var conv models.Conversation
	if err := opts.client().Do(cmd.Context(), "POST", "/conversations/"+url.PathEscape(id)+"/resume", "", nil, &conv); err != nil {
		return err
	}
	out := opts.formatter()
	if out.JSON() {
		return out.WriteJSON(conv)
	}
	_, err := fmt.Fprintf(out.Writer, "Resumed %s at %s\n", conv.ID, conv.Pointer().String())
	return err
}
