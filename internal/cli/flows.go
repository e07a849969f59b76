package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// FlowsOptions holds flags for the flows subcommands.
type FlowsOptions struct {
	*RootOptions
	ActiveOnly bool
}

// NewFlowsCommand creates the flows command group.
func NewFlowsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlowsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flows",
		Short: "List and publish flow definitions",
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List published flow versions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlowsList(cmd, opts)
		},
	}
	list.Flags().BoolVar(&opts.ActiveOnly, "active", false, "only show the active version of each flow")

	publish := &cobra.Command{
		Use:   "publish <file>...",
		Short: "Publish flow definition files (YAML or JSON)",
		Long: `Publish one or more flow definition files as new versions.

Files are published in the order given, so list sub-flows before the flows that switch into them.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlowsPublish(cmd, opts, args)
		},
	}

	cmd.AddCommand(list, publish)
	return cmd
}

func runFlowsList(cmd *cobra.Command, opts *FlowsOptions) error {
	var defs []models.FlowDefinition
	if err := opts.client().Do(cmd.Context(), "GET", "/flows", "", nil, &defs); err != nil {
		return err
	}
	if opts.ActiveOnly {
		active := defs[:0]
		for _, d := range defs {
			if d.Active {
				active = append(active, d)
			}
		}
		defs = active
	}

	out := opts.formatter()
	if out.JSON() {
		return out.WriteJSON(defs)
	}
	table := make([][]string, 0, len(defs))
	for _, d := range defs {
		active := ""
		if d.Active {
			active = "*"
		}
		table = append(table, []string{
			d.Name, strconv.Itoa(d.Version), active, d.Entry,
			strconv.Itoa(len(d.Steps)), d.PublishedAt.Format(time.RFC3339),
		})
	}
	return out.Table([]string{"NAME", "VERSION", "ACTIVE", "ENTRY", "STEPS", "PUBLISHED"}, table)
}

func runFlowsPublish(cmd *cobra.Command, opts *FlowsOptions, files []string) error {
	client := opts.client()
	out := opts.formatter()
	published := make([]models.FlowDefinition, 0, len(files))

	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read flow file", err)
		}
		var def models.FlowDefinition
		if err := client.Do(cmd.Context(), "POST", "/flows", "application/yaml", raw, &def); err != nil {
			return fmt.Errorf("publish %s: %w", file, err)
		}
		published = append(published, def)
		if !out.JSON() {
			fmt.Fprintf(out.Writer, "Published %s v%d from %s\n", def.Name, def.Version, file)
		}
	}

	if out.JSON() {
		return out.WriteJSON(published)
	}
	return nil
}
