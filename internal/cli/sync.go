package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SyncOptions holds flags for the sync subcommands.
type SyncOptions struct {
	*RootOptions
	Class    string
	Statuses []string
	Limit    int
}

// NewSyncCommand creates the sync command group.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and reset sync records",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sync records",
		Example: `  flowctl sync list --status failed,retry_pending
  flowctl sync list --class catalog --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncList(cmd, opts)
		},
	}
	list.Flags().StringVar(&opts.Class, "class", "", "filter by class (message|catalog)")
	list.Flags().StringSliceVar(&opts.Statuses, "status", nil, "filter by sync status (repeatable or comma-separated)")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to return (0 for all)")

	show := &cobra.Command{
		Use:           "show <record-id>",
		Short:         "Show a sync record with its attempt history",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncShow(cmd, opts, args[0])
		},
	}

	reset := &cobra.Command{
		Use:           "reset <record-id>",
		Short:         "Reset a failed record so it is retried immediately",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncReset(cmd, opts, args[0])
		},
	}

	cmd.AddCommand(list, show, reset)
	return cmd
}

func runSyncList(cmd *cobra.Command, opts *SyncOptions) error {
	q := url.Values{}
	if opts.Class != "" {
		q.Set("class", opts.Class)
	}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/sync"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var recs []models.SyncRecord
	if err := opts.client().Do(cmd.Context(), "GET", path, "", nil, &recs); err != nil {
		return err
	}

	out := opts.formatter()
	if out.JSON() {
		return out.WriteJSON(recs)
	}
	table := make([][]string, 0, len(recs))
	for _, r := range recs {
		table = append(table, []string{
			r.ID, string(r.Class), string(r.Status), strconv.Itoa(r.AttemptCount),
			r.ExternalID, r.DeliveryStatus, r.UpdatedAt.Format(time.RFC3339),
		})
	}
	return out.Table([]string{"ID", "CLASS", "STATUS", "ATTEMPTS", "EXTERNAL_ID", "DELIVERY", "UPDATED"}, table)
}

func runSyncShow(cmd *cobra.Command, opts *SyncOptions, id string) error {
	var detail api.SyncDetail
	if err := opts.client().Do(cmd.Context(), "GET", "/sync/"+url.PathEscape(id), "", nil, &detail); err != nil {
		return err
	}

	out := opts.formatter()
	if out.JSON() {
		return out.WriteJSON(detail)
	}
	r := detail.Record
	next := ""
	if detail.NextEligibleAt != nil {
		next = detail.NextEligibleAt.Format(time.RFC3339)
	}
	if err := out.Fields(
		"ID", r.ID,
		"Class", string(r.Class),
		"Local ref", r.LocalRef,
		"Target", r.Target,
		"Status", string(r.Status),
		"Attempts", strconv.Itoa(r.AttemptCount),
		"External ID", r.ExternalID,
		"Delivery", r.DeliveryStatus,
		"Last error", r.LastError,
		"Next attempt", next,
	); err != nil {
		return err
	}
	if len(detail.Attempts) == 0 {
		return nil
	}
	fmt.Fprintln(out.Writer)
	table := make([][]string, 0, len(detail.Attempts))
	for _, a := range detail.Attempts {
		result := "ok"
		if !a.Success {
			result = "failed"
		}
		table = append(table, []string{strconv.Itoa(a.Attempt), a.At.Format(time.RFC3339), result, a.Error})
	}
	return out.Table([]string{"ATTEMPT", "AT", "RESULT", "ERROR"}, table)
}

func runSyncReset(cmd *cobra.Command, opts *SyncOptions, id string) error {
	var rec models.SyncRecord
	if err := opts.client().Do(cmd.Context(), "POST", "/sync/"+url.PathEscape(id)+"/reset", "", nil, &rec); err != nil {
		return err
	}
	out := opts.formatter()
	if out.JSON() {
		return out.WriteJSON(rec)
	}
	_, err := fmt.Fprintf(out.Writer, "Reset %s (status %s)\n", rec.ID, rec.Status)
	return err
}
